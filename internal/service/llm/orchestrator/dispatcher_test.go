package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"raven/internal/config"
	"raven/internal/domain/models"
	"raven/internal/domain/models/llm"
	"raven/internal/domain/repositories"
	llmRepo "raven/internal/domain/repositories/llm"
	llmSvc "raven/internal/domain/services/llm"
	badgerrepo "raven/internal/repository/badger"
	memrepo "raven/internal/repository/memory"
	"raven/internal/service/llm/embeddings"
	"raven/internal/service/llm/memory"
	"raven/internal/service/llm/tools"
)

const (
	testConversation = "chat-1"
	testAuthor       = "user-1"
)

type dispatcherHarness struct {
	dispatcher *Dispatcher
	model      *scriptedModel
	channel    *recordingChannel
	messages   *memrepo.MessageStore
	blobs      *memrepo.BlobStore
	index      *memrepo.VectorIndex
	pending    *badgerrepo.PendingQueue
	memory     *memory.TurnMemory
	flaky      *failingTool
}

func newHarness(t *testing.T, model *scriptedModel, mutate func(*config.RunLimits)) *dispatcherHarness {
	t.Helper()
	logger := testLogger()

	db, err := badgerrepo.Open(badgerrepo.Options{Logger: logger})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	pending, err := badgerrepo.NewPendingQueue(db, 0)
	if err != nil {
		t.Fatalf("NewPendingQueue failed: %v", err)
	}
	t.Cleanup(func() {
		_ = pending.Close()
		_ = db.Close()
	})

	limits := config.DefaultRunLimits()
	limits.TypingInterval = 0
	if mutate != nil {
		mutate(&limits)
	}

	blobs := memrepo.NewBlobStore("test-bucket")
	messages := memrepo.NewMessageStore(blobs)
	index := memrepo.NewVectorIndex(embeddings.NewHash())
	turnMemory := memory.NewTurnMemory(index, logger)
	channel := &recordingChannel{}
	flaky := &failingTool{}

	catalog := tools.NewToolRegistry()
	catalog.Register(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dispatcher, err := NewDispatcher(ctx, DispatcherDeps{
		Runner:         NewRunner(model, RunnerConfig{StepBudget: limits.StepBudget, RepairCeiling: limits.RepairCeiling}, logger),
		Messages:       messages,
		Blobs:          blobs,
		Pending:        pending,
		AgentHistories: badgerrepo.NewAgentHistoryStore(db, 0),
		TxManager:      memrepo.NewTransactionManager(),
		Memory:         turnMemory,
		Catalog:        catalog,
		Channel:        channel,
	}, DispatcherConfig{Limits: limits, StreamPath: "/api/runs/"}, logger)
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	return &dispatcherHarness{
		dispatcher: dispatcher,
		model:      model,
		channel:    channel,
		messages:   messages,
		blobs:      blobs,
		index:      index,
		pending:    pending,
		memory:     turnMemory,
		flaky:      flaky,
	}
}

func (h *dispatcherHarness) submit(t *testing.T, text string) *llmSvc.SubmitResult {
	t.Helper()
	result, err := h.dispatcher.Submit(context.Background(), &llmSvc.InboundRequest{
		ConversationID: testConversation,
		AuthorID:       testAuthor,
		Parts:          []llm.ContentPart{llm.NewTextPart(0, text)},
	})
	if err != nil {
		t.Fatalf("Submit(%q) failed: %v", text, err)
	}
	return result
}

func (h *dispatcherHarness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.dispatcher.Wait(ctx, testConversation, testAuthor); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func (h *dispatcherHarness) pendingCount(t *testing.T) int {
	t.Helper()
	requests, err := h.pending.List(context.Background(), llm.PendingKey(testConversation, testAuthor))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	return len(requests)
}

func (h *dispatcherHarness) persistedUserTexts() []string {
	var texts []string
	for _, msg := range h.messages.All() {
		if msg.Role != llm.RoleUser {
			continue
		}
		for _, part := range msg.Parts {
			if part.Text != nil {
				texts = append(texts, *part.Text)
			}
		}
	}
	return texts
}

func TestDispatcher_SingleRunPersists(t *testing.T) {
	model := newScriptedModel(func(int, *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
		return textAnswer("first part<|message|>second part"), nil
	})
	h := newHarness(t, model, nil)

	result := h.submit(t, "hello")
	if result.Interrupted {
		t.Error("first run reported an interruption")
	}
	if result.StreamURL != "/api/runs/"+result.RunID+"/events" {
		t.Errorf("StreamURL = %q", result.StreamURL)
	}
	h.wait(t)

	if got := h.messages.Count(); got != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", got)
	}
	if h.pendingCount(t) != 0 {
		t.Error("pending queue not cleared after a successful run")
	}
	sent := h.channel.messages()
	if len(sent) != 2 || sent[0] != "first part" || sent[1] != "second part" {
		t.Errorf("delivered %q", sent)
	}

	run, err := h.dispatcher.Run(result.RunID)
	if err != nil {
		t.Fatalf("Run(%s) failed: %v", result.RunID, err)
	}
	if run.Status() != StatusComplete {
		t.Errorf("status = %q, want complete", run.Status())
	}
	if h.dispatcher.Active() != 0 {
		t.Errorf("Active() = %d after the run finished", h.dispatcher.Active())
	}
}

func TestDispatcher_AtMostOneLiveRun(t *testing.T) {
	model := newScriptedModel(func(int, *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
		return textAnswer("answered both"), nil
	})
	// A's request alone never completes on its own
	model.block = func(req *llmSvc.GenerateRequest) bool {
		return lastUserText(req) == "A"
	}
	h := newHarness(t, model, nil)

	first := h.submit(t, "A")
	<-model.started
	second := h.submit(t, "B")
	if !second.Interrupted {
		t.Error("second submit did not report the interruption")
	}
	h.wait(t)

	runA, _ := h.dispatcher.Run(first.RunID)
	if runA.Status() != StatusCancelled {
		t.Errorf("first run status = %q, want cancelled", runA.Status())
	}

	// Exactly one persisted exchange, holding A's content before B's
	texts := h.persistedUserTexts()
	if strings.Join(texts, ",") != "A,B" {
		t.Errorf("persisted user parts = %v, want [A B]", texts)
	}
	if got := h.messages.Count(); got != 2 {
		t.Errorf("persisted %d messages, want 2", got)
	}
	if h.index.Len(llmRepo.NamespaceTurns) != 1 {
		t.Errorf("turn memory entries = %d, want 1", h.index.Len(llmRepo.NamespaceTurns))
	}
	if !h.channel.contains(NoticeInterrupted) {
		t.Errorf("interruption notice not delivered: %q", h.channel.messages())
	}
}

func TestDispatcher_NoContentLossUnderCancellation(t *testing.T) {
	const n = 4
	final := fmt.Sprintf("msg-%d", n-1)

	model := newScriptedModel(func(int, *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
		return textAnswer("done"), nil
	})
	model.block = func(req *llmSvc.GenerateRequest) bool {
		return !strings.Contains(lastUserText(req), final)
	}
	h := newHarness(t, model, func(l *config.RunLimits) { l.NotifyInterruptions = false })

	for i := 0; i < n; i++ {
		h.submit(t, fmt.Sprintf("msg-%d", i))
	}
	h.wait(t)

	texts := h.persistedUserTexts()
	want := []string{"msg-0", "msg-1", "msg-2", "msg-3"}
	if strings.Join(texts, ",") != strings.Join(want, ",") {
		t.Errorf("persisted user parts = %v, want %v", texts, want)
	}
	if h.pendingCount(t) != 0 {
		t.Error("pending queue not drained")
	}
}

func TestDispatcher_ToolCallFinishPersistsNothing(t *testing.T) {
	model := newScriptedModel(func(int, *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
		return toolCallAnswer("call", "flaky", `{}`), nil
	})
	h := newHarness(t, model, func(l *config.RunLimits) {
		l.StepBudget = 2
		l.RepairCeiling = 1
	})

	h.submit(t, "please use the tool")
	h.wait(t)

	if model.callCount() != 4 {
		t.Errorf("model calls = %d, want 4", model.callCount())
	}
	if h.flaky.count() != 4 {
		t.Errorf("tool executions = %d, want 4", h.flaky.count())
	}
	if h.messages.Count() != 0 {
		t.Errorf("persisted %d messages after a tool-call finish", h.messages.Count())
	}
	if h.index.Len(llmRepo.NamespaceTurns) != 0 {
		t.Errorf("turn memory entries = %d, want 0", h.index.Len(llmRepo.NamespaceTurns))
	}
	if h.pendingCount(t) != 1 {
		t.Error("pending request should survive a tool-call finish")
	}
}

func TestDispatcher_TurnMemoryIndexing(t *testing.T) {
	model := newScriptedModel(func(int, *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
		return textAnswer("Paris"), nil
	})
	h := newHarness(t, model, nil)

	h.submit(t, "capital of france")
	h.wait(t)

	if h.index.Len(llmRepo.NamespaceTurns) != 1 {
		t.Fatalf("turn memory entries = %d, want 1", h.index.Len(llmRepo.NamespaceTurns))
	}

	entries, err := h.memory.Recall(context.Background(), testConversation, "capital of france", 5)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Recall = %v, %v", entries, err)
	}

	var persisted []string
	for _, msg := range h.messages.All() {
		persisted = append(persisted, msg.ID)
	}
	if strings.Join(entries[0].MessageIDs, ",") != strings.Join(persisted, ",") {
		t.Errorf("entry message IDs %v, persisted %v", entries[0].MessageIDs, persisted)
	}
	if entries[0].Title != "capital of france" {
		t.Errorf("entry title = %q", entries[0].Title)
	}

	// The next run sees the recalled exchange
	h.submit(t, "and of italy?")
	h.wait(t)
	last := model.lastRequest()
	if last == nil || len(last.Messages) < 3 {
		t.Errorf("second run did not see the previous exchange: %+v", last)
	}
}

func TestDispatcher_CancelAndClear(t *testing.T) {
	model := newScriptedModel(func(int, *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
		return textAnswer("ok"), nil
	})
	model.block = func(req *llmSvc.GenerateRequest) bool {
		return lastUserText(req) == "slow"
	}
	h := newHarness(t, model, nil)
	ctx := context.Background()

	h.submit(t, "remember this")
	h.wait(t)
	if h.messages.Count() != 2 {
		t.Fatalf("setup: persisted %d messages", h.messages.Count())
	}

	h.submit(t, "slow")
	<-model.started
	if err := h.dispatcher.Cancel(ctx, testConversation, testAuthor); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	h.wait(t)
	if h.pendingCount(t) != 0 {
		t.Error("Cancel kept pending content")
	}
	if h.messages.Count() != 2 {
		t.Errorf("cancelled run persisted messages: %d", h.messages.Count())
	}

	if err := h.dispatcher.Clear(ctx, testConversation, testAuthor); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if h.messages.Count() != 0 {
		t.Errorf("Clear left %d messages", h.messages.Count())
	}
	if n := h.index.Len(llmRepo.NamespaceTurns); n != 0 {
		t.Errorf("Clear left %d turn memory entries", n)
	}
}

func TestDispatcher_RejectsInvalidRequests(t *testing.T) {
	model := newScriptedModel(func(int, *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
		return textAnswer("unused"), nil
	})
	h := newHarness(t, model, nil)

	tests := []struct {
		name string
		req  *llmSvc.InboundRequest
	}{
		{"missing conversation", &llmSvc.InboundRequest{AuthorID: "a", Parts: []llm.ContentPart{llm.NewTextPart(0, "x")}}},
		{"missing author", &llmSvc.InboundRequest{ConversationID: "c", Parts: []llm.ContentPart{llm.NewTextPart(0, "x")}}},
		{"no parts", &llmSvc.InboundRequest{ConversationID: "c", AuthorID: "a"}},
		{"image without data", &llmSvc.InboundRequest{ConversationID: "c", AuthorID: "a", Parts: []llm.ContentPart{{Type: llm.PartTypeImage}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.dispatcher.Submit(context.Background(), tt.req); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
	if model.callCount() != 0 {
		t.Errorf("invalid requests reached the model %d times", model.callCount())
	}
}

func TestRunRegistry_Cleanup(t *testing.T) {
	registry := NewRunRegistry(time.Minute, time.Minute)
	run := newRun(context.Background(), "run-1", "c", "a", nil)
	registry.Replace(run)

	if registry.cleanup(time.Now().Add(time.Hour)) != 0 {
		t.Fatal("a live run was removed")
	}

	registry.Release(run)
	run.finish(StatusComplete, nil)
	close(run.done)

	if registry.cleanup(time.Now()) != 0 {
		t.Error("run removed before its retention period")
	}
	if registry.cleanup(time.Now().Add(2*time.Minute)) != 1 {
		t.Error("expired run not removed")
	}
	if registry.Get("run-1") != nil {
		t.Error("expired run still reachable")
	}
}

func TestRunRegistry_LocksAreDroppedWhenReleased(t *testing.T) {
	registry := NewRunRegistry(time.Minute, time.Minute)

	for i := 0; i < 100; i++ {
		unlock := registry.Lock(fmt.Sprintf("conversation-%d:author", i))
		unlock()
	}
	if n := registry.lockCount(); n != 0 {
		t.Fatalf("%d slot locks kept after release, want 0", n)
	}

	// A waiter keeps the lock alive and still gets exclusive access
	unlock := registry.Lock("k")
	acquired := make(chan func())
	go func() { acquired <- registry.Lock("k") }()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while the first was held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	unlock() // Releasing twice is harmless

	second := <-acquired
	if n := registry.lockCount(); n != 1 {
		t.Errorf("lockCount = %d while held, want 1", n)
	}
	second()
	if n := registry.lockCount(); n != 0 {
		t.Errorf("lockCount = %d after the last release, want 0", n)
	}
}

func TestDispatcher_SlotLocksDoNotAccumulate(t *testing.T) {
	model := newScriptedModel(func(int, *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
		return textAnswer("ok"), nil
	})
	h := newHarness(t, model, nil)

	for i := 0; i < 3; i++ {
		h.submit(t, fmt.Sprintf("message %d", i))
		h.wait(t)
	}
	if err := h.dispatcher.Cancel(context.Background(), "chat-other", testAuthor); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if n := h.dispatcher.Runs.lockCount(); n != 0 {
		t.Errorf("%d slot locks left after every run finished", n)
	}
}

type staticPreferences map[string]*models.AuthorPreferences

func (s staticPreferences) GetPreferences(_ context.Context, authorID string) (*models.AuthorPreferences, error) {
	if prefs, ok := s[authorID]; ok {
		return prefs, nil
	}
	return nil, errors.New("preferences unavailable")
}

func TestDispatcher_SystemPromptUsesAuthorPreferences(t *testing.T) {
	model := newScriptedModel(func(int, *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
		return textAnswer("ahoy"), nil
	})
	h := newHarness(t, model, nil)
	h.dispatcher.Preferences = staticPreferences{
		testAuthor: {
			AuthorID:     testAuthor,
			Timezone:     "Europe/Berlin",
			Language:     "de",
			Personality:  "a grumpy pirate",
			Instructions: "never use emoji",
		},
	}

	h.submit(t, "hello")
	h.wait(t)

	system := model.lastRequest().System
	for _, want := range []string{"(Europe/Berlin)", `code "de"`, "a grumpy pirate", "never use emoji"} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q:\n%s", want, system)
		}
	}
}

func TestDispatcher_PreferenceLookupFailureUsesDefaults(t *testing.T) {
	model := newScriptedModel(func(int, *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
		return textAnswer("hi"), nil
	})
	h := newHarness(t, model, nil)
	h.dispatcher.Preferences = staticPreferences{}

	h.submit(t, "hello")
	h.wait(t)

	if got := h.messages.Count(); got != 2 {
		t.Fatalf("persisted %d messages, want 2", got)
	}
	if system := model.lastRequest().System; !strings.Contains(system, "(UTC)") {
		t.Errorf("expected the default time zone in the prompt:\n%s", system)
	}
}

// commitFailure runs the transaction body and then fails as a broken commit would.
type commitFailure struct {
	repositories.TransactionManager
}

func (c commitFailure) ExecTx(ctx context.Context, fn repositories.TxFn) error {
	return c.TransactionManager.ExecTx(ctx, func(txCtx context.Context) error {
		if err := fn(txCtx); err != nil {
			return err
		}
		return errors.New("commit failed")
	})
}

func TestDispatcher_RolledBackFinishRemovesBlobs(t *testing.T) {
	image := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

	tests := []struct {
		name         string
		failCommit   bool
		wantBlobs    int
		wantMessages int
	}{
		{name: "commit succeeds", wantBlobs: 1, wantMessages: 2},
		{name: "commit fails", failCommit: true, wantBlobs: 0, wantMessages: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := newScriptedModel(func(int, *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
				return textAnswer("nice picture"), nil
			})
			h := newHarness(t, model, nil)
			if tt.failCommit {
				h.dispatcher.TxManager = commitFailure{h.dispatcher.TxManager}
			}

			_, err := h.dispatcher.Submit(context.Background(), &llmSvc.InboundRequest{
				ConversationID: testConversation,
				AuthorID:       testAuthor,
				Parts: []llm.ContentPart{
					llm.NewTextPart(0, "look"),
					llm.NewImagePart(1, image, "image/png"),
				},
			})
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			h.wait(t)

			if got := h.blobs.Len(); got != tt.wantBlobs {
				t.Errorf("blobs left = %d, want %d", got, tt.wantBlobs)
			}
			if got := h.messages.Count(); got != tt.wantMessages {
				t.Errorf("persisted %d messages, want %d", got, tt.wantMessages)
			}
			if tt.failCommit && !h.channel.contains(NoticeNotSaved) {
				t.Errorf("not-saved notice missing: %q", h.channel.messages())
			}
		})
	}
}
