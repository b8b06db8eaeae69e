package memory

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"raven/internal/domain"
	"raven/internal/domain/models/llm"
	"raven/internal/domain/repositories"
)

func TestMessageStore_PartOrderingRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := NewBlobStore("test-bucket")
	store := NewMessageStore(blobs)

	name := "minutes.pdf"
	image := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0x00}
	file := []byte("%PDF-1.7\x00\x01binary")

	// Parts deliberately out of order
	parts := []llm.ContentPart{
		llm.NewFilePart(3, file, "application/pdf", &name),
		llm.NewTextPart(0, "look at these"),
		llm.NewImagePart(1, image, "image/png"),
		llm.NewTextPart(2, "and this ünïcode text"),
	}
	msg := llm.NewUserMessage("chat-1", "user-1", parts)

	id, err := store.InsertMessage(ctx, &msg)
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if blobs.Len() != 2 {
		t.Fatalf("expected 2 blobs written, got %d", blobs.Len())
	}

	history, err := store.PullMessageHistory(ctx, []string{id})
	if err != nil {
		t.Fatalf("PullMessageHistory failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 message, got %d", len(history))
	}

	got := history[0].Parts
	wantTypes := []llm.PartType{llm.PartTypeText, llm.PartTypeImage, llm.PartTypeText, llm.PartTypeFile}
	if len(got) != len(wantTypes) {
		t.Fatalf("expected %d parts, got %d", len(wantTypes), len(got))
	}
	for i, p := range got {
		if p.Order != i {
			t.Errorf("part %d: order %d", i, p.Order)
		}
		if p.Type != wantTypes[i] {
			t.Errorf("part %d: type %s, want %s", i, p.Type, wantTypes[i])
		}
	}
	if *got[0].Text != "look at these" || *got[2].Text != "and this ünïcode text" {
		t.Errorf("text parts changed: %q %q", *got[0].Text, *got[2].Text)
	}
	if !bytes.Equal(got[1].Data, image) {
		t.Errorf("image bytes differ")
	}
	if !bytes.Equal(got[3].Data, file) {
		t.Errorf("file bytes differ")
	}
	if got[3].Blob == nil || got[3].Blob.MimeType != "application/pdf" {
		t.Errorf("file mime type lost: %+v", got[3].Blob)
	}
}

func TestMessageStore_MissingBlobIsReadError(t *testing.T) {
	ctx := context.Background()
	blobs := NewBlobStore("b")
	store := NewMessageStore(blobs)

	msg := llm.NewUserMessage("c", "a", []llm.ContentPart{llm.NewImagePart(0, []byte{1, 2}, "image/jpeg")})
	id, err := store.InsertMessage(ctx, &msg)
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if err := blobs.Delete(ctx, *msg.Parts[0].Blob); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, err = store.PullMessageHistory(ctx, []string{id})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageStore_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	store := NewMessageStore(NewBlobStore("b"))
	tm := NewTransactionManager()

	boom := errors.New("boom")
	err := tm.ExecTx(ctx, func(txCtx context.Context) error {
		msg := llm.NewUserMessage("c", "a", []llm.ContentPart{llm.NewTextPart(0, "hi")})
		if _, err := store.InsertMessage(txCtx, &msg); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if store.Count() != 0 {
		t.Fatalf("rolled back insert must not be visible, got %d messages", store.Count())
	}

	err = tm.ExecTx(ctx, func(txCtx context.Context) error {
		msg := llm.NewUserMessage("c", "a", []llm.ContentPart{llm.NewTextPart(0, "hi")})
		_, err := store.InsertMessage(txCtx, &msg)
		return err
	})
	if err != nil {
		t.Fatalf("ExecTx failed: %v", err)
	}
	if store.Count() != 1 {
		t.Fatalf("committed insert must be visible, got %d messages", store.Count())
	}
}

func TestMessageStore_RecentMessages(t *testing.T) {
	ctx := context.Background()
	store := NewMessageStore(NewBlobStore("b"))

	insert := func(m llm.Message) {
		t.Helper()
		m = m.WithOwner("chat", "user")
		if _, err := store.InsertMessage(ctx, &m); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}

	call := llm.ToolCall{ID: "call-1", Name: "clock", Arguments: []byte(`{}`)}
	for i, text := range []string{"one", "two", "three"} {
		insert(llm.NewUserMessage("", "", []llm.ContentPart{llm.NewTextPart(0, text)}))
		if i == 2 {
			insert(llm.NewAssistantMessage("", []llm.ToolCall{call}))
			insert(llm.NewToolMessage(call, "noon", false))
		}
		insert(llm.NewAssistantMessage("answer "+text, nil))
	}
	// Another author in the same conversation is invisible
	other := llm.NewUserMessage("chat", "someone-else", []llm.ContentPart{llm.NewTextPart(0, "x")})
	if _, err := store.InsertMessage(ctx, &other); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	tests := []struct {
		name      string
		sets      int
		wantFirst string
		wantLen   int
	}{
		{"last set", 1, "three", 4},
		{"two sets", 2, "two", 6},
		{"more than stored", 10, "one", 8},
		{"none", 0, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.RecentMessages(ctx, "chat", "user", tt.sets)
			if err != nil {
				t.Fatalf("RecentMessages failed: %v", err)
			}
			if len(got) != tt.wantLen {
				t.Fatalf("expected %d messages, got %d", tt.wantLen, len(got))
			}
			if tt.wantLen > 0 && got[0].Text() != tt.wantFirst {
				t.Errorf("first message %q, want %q", got[0].Text(), tt.wantFirst)
			}
		})
	}
}

func TestMessageStore_DeleteConversation(t *testing.T) {
	ctx := context.Background()
	blobs := NewBlobStore("b")
	store := NewMessageStore(blobs)

	for _, author := range []string{"a", "b"} {
		msg := llm.NewUserMessage("c", author, []llm.ContentPart{
			llm.NewTextPart(0, "photo"),
			llm.NewImagePart(1, []byte{1}, "image/png"),
		})
		if _, err := store.InsertMessage(ctx, &msg); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}

	refs, err := store.DeleteConversation(ctx, "c", "a")
	if err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected 1 blob ref, got %d", len(refs))
	}
	if store.Count() != 1 {
		t.Errorf("expected the other author's message to remain, got %d", store.Count())
	}
}

func TestMessageStore_TracksBlobsOfRolledBackTransaction(t *testing.T) {
	blobs := NewBlobStore("test-bucket")
	store := NewMessageStore(blobs)
	tm := NewTransactionManager()

	ctx, tracker := repositories.WithBlobTracker(context.Background())
	rollback := errors.New("rollback")
	err := tm.ExecTx(ctx, func(txCtx context.Context) error {
		msg := llm.NewUserMessage("chat-1", "user-1", []llm.ContentPart{
			llm.NewTextPart(0, "see attached"),
			llm.NewImagePart(1, []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, "image/png"),
		})
		if _, err := store.InsertMessage(txCtx, &msg); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("ExecTx = %v, want the rollback error", err)
	}

	if store.Count() != 0 {
		t.Errorf("rolled back message was stored")
	}
	refs := tracker.Refs()
	if len(refs) != 1 {
		t.Fatalf("tracked %d blobs, want 1", len(refs))
	}
	if !strings.HasPrefix(refs[0].Key, repositories.BlobKeyPrefix("chat-1", "user-1")) {
		t.Errorf("tracked key %q outside the conversation prefix", refs[0].Key)
	}
	if blobs.Len() != 1 {
		t.Errorf("blob store holds %d objects before cleanup, want 1", blobs.Len())
	}
}
