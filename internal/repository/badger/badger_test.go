package badger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"raven/internal/domain/models/llm"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{Logger: slog.New(slog.NewTextHandler(os.Stdout, nil))})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPendingQueue_ArrivalOrder(t *testing.T) {
	db := openTestDB(t)
	queue, err := NewPendingQueue(db, 0)
	if err != nil {
		t.Fatalf("NewPendingQueue failed: %v", err)
	}
	defer func() { _ = queue.Close() }()

	ctx := context.Background()
	key := llm.PendingKey("chat-1", "user-1")
	other := llm.PendingKey("chat-1", "user-2")

	// More than ten entries so lexical and numeric order would differ without padding
	for i := 0; i < 12; i++ {
		req := llm.PendingRequest{
			ID:         fmt.Sprintf("req-%d", i),
			Parts:      []llm.ContentPart{llm.NewTextPart(0, fmt.Sprintf("message %d", i))},
			ReceivedAt: time.Now(),
		}
		if err := queue.Append(ctx, key, req); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
	if err := queue.Append(ctx, other, llm.PendingRequest{ID: "foreign"}); err != nil {
		t.Fatalf("Append foreign failed: %v", err)
	}

	got, err := queue.List(ctx, key)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 12 {
		t.Fatalf("expected 12 requests, got %d", len(got))
	}
	for i, req := range got {
		if want := fmt.Sprintf("req-%d", i); req.ID != want {
			t.Errorf("position %d: got %s, want %s", i, req.ID, want)
		}
		if req.Parts[0].Text == nil || *req.Parts[0].Text != fmt.Sprintf("message %d", i) {
			t.Errorf("position %d: text not preserved", i)
		}
	}

	if err := queue.Clear(ctx, key); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	got, err = queue.List(ctx, key)
	if err != nil {
		t.Fatalf("List after clear failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty queue after clear, got %d", len(got))
	}

	remaining, err := queue.List(ctx, other)
	if err != nil {
		t.Fatalf("List other failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("clearing one key must not touch another, got %d entries", len(remaining))
	}
}

func TestPendingQueue_BinaryParts(t *testing.T) {
	db := openTestDB(t)
	queue, err := NewPendingQueue(db, time.Hour)
	if err != nil {
		t.Fatalf("NewPendingQueue failed: %v", err)
	}
	defer func() { _ = queue.Close() }()

	ctx := context.Background()
	name := "scan.pdf"
	req := llm.PendingRequest{
		ID: "bin",
		Parts: []llm.ContentPart{
			llm.NewImagePart(0, []byte{0xff, 0xd8, 0xff}, "image/jpeg"),
			llm.NewFilePart(1, []byte("%PDF-1.7"), "application/pdf", &name),
		},
	}
	if err := queue.Append(ctx, "k", req); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := queue.List(ctx, "k")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 || len(got[0].Parts) != 2 {
		t.Fatalf("unexpected result: %+v", got)
	}
	if string(got[0].Parts[0].Data) != string([]byte{0xff, 0xd8, 0xff}) {
		t.Errorf("image bytes changed")
	}
	if got[0].Parts[1].OriginalName == nil || *got[0].Parts[1].OriginalName != name {
		t.Errorf("original name lost")
	}
	if got[0].Parts[1].MimeType != "application/pdf" {
		t.Errorf("mime type lost: %q", got[0].Parts[1].MimeType)
	}
}

func TestAgentHistoryStore_ConcurrentAppends(t *testing.T) {
	db := openTestDB(t)
	store := NewAgentHistoryStore(db, 0)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exchange := []llm.Message{
				llm.NewUserMessage("chat-1", "", []llm.ContentPart{llm.NewTextPart(0, fmt.Sprintf("task %d", i))}),
				llm.NewAssistantMessage(fmt.Sprintf("answer %d", i), nil),
			}
			if err := store.Append(ctx, "researcher", "chat-1", exchange); err != nil {
				t.Errorf("Append %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := store.Load(ctx, "researcher", "chat-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2*writers {
		t.Fatalf("history has %d messages, want %d", len(got), 2*writers)
	}
	for i := 0; i < len(got); i += 2 {
		if got[i].Role != llm.RoleUser || got[i+1].Role != llm.RoleAssistant {
			t.Errorf("exchange at %d interleaved: %s, %s", i, got[i].Role, got[i+1].Role)
		}
	}
}

func TestAgentHistoryStore(t *testing.T) {
	db := openTestDB(t)
	store := NewAgentHistoryStore(db, 0)
	ctx := context.Background()

	empty, err := store.Load(ctx, "researcher", "chat-1")
	if err != nil {
		t.Fatalf("Load empty failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty history, got %d", len(empty))
	}

	call := llm.ToolCall{ID: "call-1", Name: "web_search", Arguments: []byte(`{"query":"go"}`)}
	history := []llm.Message{
		llm.NewUserMessage("chat-1", "", []llm.ContentPart{llm.NewTextPart(0, "find go news")}),
		llm.NewAssistantMessage("", []llm.ToolCall{call}),
		llm.NewToolMessage(call, map[string]any{"results": 3}, false),
		llm.NewAssistantMessage("done", nil),
	}
	// two exchanges appended separately
	if err := store.Append(ctx, "researcher", "chat-1", history[:2]); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append(ctx, "researcher", "chat-1", history[2:]); err != nil {
		t.Fatalf("second Append failed: %v", err)
	}
	if err := store.Append(ctx, "writer", "chat-1", history[:1]); err != nil {
		t.Fatalf("Append writer failed: %v", err)
	}
	if err := store.Append(ctx, "researcher", "chat-2", history[:1]); err != nil {
		t.Fatalf("Append other chat failed: %v", err)
	}

	got, err := store.Load(ctx, "researcher", "chat-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != len(history) {
		t.Fatalf("expected %d messages, got %d", len(history), len(got))
	}
	if !got[1].HasToolCalls() || string(got[1].Assistant.ToolCalls[0].Arguments) != `{"query":"go"}` {
		t.Errorf("tool call not preserved: %+v", got[1].Assistant)
	}
	if got[2].Tool == nil || string(got[2].Tool.Result) != `{"results":3}` {
		t.Errorf("tool result not preserved: %+v", got[2].Tool)
	}

	if err := store.Delete(ctx, "chat-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	for _, agent := range []string{"researcher", "writer"} {
		h, err := store.Load(ctx, agent, "chat-1")
		if err != nil {
			t.Fatalf("Load after delete failed: %v", err)
		}
		if len(h) != 0 {
			t.Errorf("%s history for chat-1 should be gone", agent)
		}
	}
	kept, err := store.Load(ctx, "researcher", "chat-2")
	if err != nil {
		t.Fatalf("Load chat-2 failed: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("chat-2 history should survive, got %d", len(kept))
	}
}
