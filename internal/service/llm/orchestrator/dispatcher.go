package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mstream "github.com/haowjy/meridian-stream-go"

	"raven/internal/config"
	"raven/internal/domain"
	"raven/internal/domain/models"
	"raven/internal/domain/models/llm"
	"raven/internal/domain/repositories"
	llmRepo "raven/internal/domain/repositories/llm"
	llmSvc "raven/internal/domain/services/llm"
	"raven/internal/service/llm/conversation"
	"raven/internal/service/llm/memory"
	"raven/internal/service/llm/streaming"
	"raven/internal/service/llm/tools"
)

// RunObserver records run outcomes (metrics).
type RunObserver interface {
	ObserveRun(outcome string, steps, repairs int, elapsed time.Duration)
}

// Run outcomes reported to the RunObserver
const (
	OutcomeComplete   = "complete"
	OutcomeToolCalls  = "tool_calls"
	OutcomeCancelled  = "cancelled"
	OutcomeError      = "error"
	OutcomeSuperseded = "superseded"
	OutcomeEmpty      = "empty"
)

// PreferenceSource supplies the author settings the system prompt is rendered with.
type PreferenceSource interface {
	GetPreferences(ctx context.Context, authorID string) (*models.AuthorPreferences, error)
}

// DispatcherDeps are the collaborators of the dispatcher.
type DispatcherDeps struct {
	Runner         *Runner
	Messages       llmRepo.MessageStore
	Blobs          repositories.BlobStore
	Pending        llmRepo.PendingQueue
	AgentHistories llmRepo.AgentHistoryStore // Optional
	TxManager      repositories.TransactionManager
	Memory         *memory.TurnMemory
	Summarizer     llmSvc.Summarizer
	Selector       *tools.Selector
	Builder        *conversation.MessageBuilder
	Catalog        *tools.ToolRegistry // Selectable tools and agents
	Channel        llmSvc.DeliveryChannel
	Streams        *mstream.Registry
	Runs           *RunRegistry
	Preferences    PreferenceSource           // Optional
	Observer       RunObserver                // Optional
	DeliveryObs    streaming.DeliveryObserver // Optional
	ToolObserver   tools.ExecutionObserver    // Optional
}

// DispatcherConfig configures the dispatcher.
type DispatcherConfig struct {
	Limits       config.RunLimits
	Model        string // Optional model override
	SystemPrompt *SystemPrompt
	Debug        bool   // Enables event IDs on run streams
	StreamPath   string // Prefix of run event URLs, e.g. /api/runs/
}

// Dispatcher is the RunService: it owns the run slots, the pending queues and
// the lifecycle of every run.
type Dispatcher struct {
	DispatcherDeps
	config   DispatcherConfig
	alwaysOn *tools.ToolRegistry
	logger   *slog.Logger
	now      func() time.Time
	base     context.Context
}

var (
	_ llmSvc.RunService = (*Dispatcher)(nil)
	_ tools.Canceller   = (*Dispatcher)(nil)
)

// NewDispatcher creates a dispatcher. Runs outlive the request that started them
// and are derived from base; cancelling base stops every run.
func NewDispatcher(base context.Context, deps DispatcherDeps, cfg DispatcherConfig, logger *slog.Logger) (*Dispatcher, error) {
	if deps.Runner == nil || deps.Messages == nil || deps.Pending == nil || deps.TxManager == nil {
		return nil, errors.New("dispatcher needs a runner, a message store, a pending queue and a transaction manager")
	}
	if deps.Runs == nil {
		deps.Runs = NewRunRegistry(time.Minute, cfg.Limits.RunRetention)
	}
	if deps.Streams == nil {
		deps.Streams = mstream.NewRegistry()
	}
	if deps.Builder == nil {
		deps.Builder = conversation.NewMessageBuilder(logger)
	}
	if deps.Catalog == nil {
		deps.Catalog = tools.NewToolRegistry()
	}
	if cfg.SystemPrompt == nil {
		prompt, err := NewSystemPrompt("", cfg.Limits.Sentinels)
		if err != nil {
			return nil, err
		}
		cfg.SystemPrompt = prompt
	}

	d := &Dispatcher{
		DispatcherDeps: deps,
		config:         cfg,
		logger:         logger,
		now:            time.Now,
		base:           base,
	}

	// The platform tools are always offered, regardless of selection
	d.alwaysOn = tools.NewToolRegistryBuilder().
		WithPlatformTools(tools.PlatformDeps{
			Channel:   deps.Channel,
			Blobs:     deps.Blobs,
			Canceller: d,
		}).
		WithObserver(deps.ToolObserver).
		Build()

	return d, nil
}

// Submit queues the request and starts a run for it. A live run of the same
// conversation and author is cancelled first; its content stays queued and is
// answered by the new run.
func (d *Dispatcher) Submit(ctx context.Context, req *llmSvc.InboundRequest) (*llmSvc.SubmitResult, error) {
	if req.ConversationID == "" || req.AuthorID == "" {
		return nil, &domain.ValidationError{Message: "conversation and author are required"}
	}
	if len(req.Parts) > config.MaxPartsPerMessage {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("at most %d parts per message", config.MaxPartsPerMessage)}
	}
	parts := llm.Renumber(req.Parts, 0)
	if err := llm.ValidateParts(parts); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	key := llm.PendingKey(req.ConversationID, req.AuthorID)
	unlock := d.Runs.Lock(key)
	defer unlock()

	// Content is queued before anything is cancelled
	pending := llm.PendingRequest{ID: uuid.NewString(), Parts: parts, ReceivedAt: d.now().UTC()}
	if err := d.Pending.Append(ctx, key, pending); err != nil {
		return nil, fmt.Errorf("queue request: %w", err)
	}

	previous := d.Runs.Slot(key)
	interrupted := false
	if previous != nil {
		interrupted = previous.Status() == StatusRunning
		previous.Cancel()
		d.logger.Info("run superseded",
			"run_id", previous.ID,
			"conversation_id", req.ConversationID,
		)
	}

	if interrupted && d.config.Limits.NotifyInterruptions {
		d.notify(ctx, req.ConversationID, NoticeInterrupted)
	}
	if req.Edited && d.config.Limits.NotifyEdits {
		d.notify(ctx, req.ConversationID, NoticeEdited)
	}

	run := d.start(req.ConversationID, req.AuthorID, previous)

	d.logger.Info("run started",
		"run_id", run.ID,
		"conversation_id", req.ConversationID,
		"author_id", req.AuthorID,
		"parts", len(parts),
		"interrupted", interrupted,
	)

	return &llmSvc.SubmitResult{
		RunID:       run.ID,
		Interrupted: interrupted,
		StreamURL:   d.streamURL(run.ID),
	}, nil
}

// start registers a run in its slot and launches its stream. Callers hold the key lock.
func (d *Dispatcher) start(conversationID, authorID string, previous *Run) *Run {
	runID := uuid.NewString()
	events := streaming.NewEventLog(runID, d.logger)
	run := newRun(d.base, runID, conversationID, authorID, events)

	stream := mstream.NewStream(
		runID,
		func(ctx context.Context, send func(mstream.Event)) error {
			return d.execute(ctx, send, run, previous)
		},
		mstream.WithCatchup(events.Catchup),
		mstream.WithEventIDs(d.config.Debug),
	)
	run.stream = stream

	d.Runs.Replace(run)
	d.Streams.Register(stream)
	stream.Start()
	return run
}

// Cancel interrupts the live run and drops the queued content.
// It never waits for the run, so tools running inside that run may call it.
func (d *Dispatcher) Cancel(ctx context.Context, conversationID, authorID string) error {
	key := llm.PendingKey(conversationID, authorID)
	unlock := d.Runs.Lock(key)
	defer unlock()

	if run := d.Runs.Slot(key); run != nil {
		run.Cancel()
		d.Runs.Release(run)
		d.logger.Info("run cancelled",
			"run_id", run.ID,
			"conversation_id", conversationID,
		)
	}
	if err := d.Pending.Clear(ctx, key); err != nil {
		return fmt.Errorf("clear pending requests: %w", err)
	}
	return nil
}

// Clear cancels, then deletes the conversation history with its blobs, every
// agent history kept for the conversation and its turn memory.
func (d *Dispatcher) Clear(ctx context.Context, conversationID, authorID string) error {
	if err := d.Cancel(ctx, conversationID, authorID); err != nil {
		return err
	}

	refs, err := d.Messages.DeleteConversation(ctx, conversationID, authorID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	d.deleteBlobs(ctx, refs)
	if d.AgentHistories != nil {
		if err := d.AgentHistories.Delete(ctx, conversationID); err != nil {
			return fmt.Errorf("delete agent histories: %w", err)
		}
	}
	forgotten := 0
	if d.Memory != nil {
		if forgotten, err = d.Memory.Forget(ctx, conversationID); err != nil {
			return err
		}
	}

	d.logger.Info("conversation cleared",
		"conversation_id", conversationID,
		"author_id", authorID,
		"blobs", len(refs),
		"turns", forgotten,
	)
	return nil
}

// Interrupt cancels a run by ID. Its content stays queued for the next request.
func (d *Dispatcher) Interrupt(runID string) error {
	run := d.Runs.Get(runID)
	if run == nil {
		return &domain.NotFoundError{Message: fmt.Sprintf("run %s not found", runID)}
	}
	run.Cancel()
	return nil
}

// Run returns a live or recently finished run by ID.
func (d *Dispatcher) Run(runID string) (*Run, error) {
	run := d.Runs.Get(runID)
	if run == nil {
		return nil, &domain.NotFoundError{Message: fmt.Sprintf("run %s not found", runID)}
	}
	return run, nil
}

// Wait blocks until the most recent run of the conversation has returned.
func (d *Dispatcher) Wait(ctx context.Context, conversationID, authorID string) error {
	key := llm.PendingKey(conversationID, authorID)
	for {
		run := d.Runs.Last(key)
		if run == nil {
			return nil
		}
		select {
		case <-run.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if d.Runs.Last(key) == run {
			return nil
		}
	}
}

// Active returns the number of live runs.
func (d *Dispatcher) Active() int {
	return d.Runs.Active()
}

func (d *Dispatcher) streamURL(runID string) string {
	if d.config.StreamPath == "" {
		return ""
	}
	return d.config.StreamPath + runID + "/events"
}

// notify sends a notice. Failures are logged only.
func (d *Dispatcher) notify(ctx context.Context, conversationID, text string) {
	if d.Channel == nil {
		return
	}
	if err := d.Channel.Send(context.WithoutCancel(ctx), conversationID, text); err != nil {
		d.logger.Warn("failed to send notice",
			"conversation_id", conversationID,
			"error", err,
		)
	}
}

// deleteBlobs removes blobs whose rows are gone. Failures only leave orphans
// behind and are logged.
func (d *Dispatcher) deleteBlobs(ctx context.Context, refs []llm.BlobRef) {
	if d.Blobs == nil {
		return
	}
	for _, ref := range refs {
		if err := d.Blobs.Delete(ctx, ref); err != nil {
			d.logger.Warn("failed to delete blob",
				"key", ref.Key,
				"error", err,
			)
		}
	}
}
