package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	mstream "github.com/haowjy/meridian-stream-go"

	"raven/internal/domain"
	"raven/internal/domain/models"
	"raven/internal/domain/models/llm"
	"raven/internal/domain/repositories"
	llmSvc "raven/internal/domain/services/llm"
	"raven/internal/service/llm/streaming"
	"raven/internal/service/llm/tools"
)

// errSuperseded is returned by finish when the run lost its slot before committing.
var errSuperseded = errors.New("run superseded before finish")

// execute is the mstream work function of a run.
func (d *Dispatcher) execute(streamCtx context.Context, send func(mstream.Event), run *Run, previous *Run) error {
	defer close(run.done)
	defer d.release(run)

	// Cancelling the stream cancels the run
	stop := context.AfterFunc(streamCtx, run.cancel)
	defer stop()

	ctx := run.ctx
	run.events.Attach(send)

	// The superseded run must stop before this one reads the queue
	if previous != nil {
		select {
		case <-previous.Done():
		case <-ctx.Done():
		}
	}

	start := time.Now()
	stopTyping := d.startTyping(ctx, run.ConversationID)
	outcome, err := d.process(ctx, run)
	stopTyping()

	label := OutcomeComplete
	steps, repairs := 0, 0
	if outcome != nil {
		steps, repairs = outcome.Steps, outcome.Repairs
	}

	switch {
	case errors.Is(err, domain.ErrRunCancelled), errors.Is(err, context.Canceled):
		label = OutcomeCancelled
		run.finish(StatusCancelled, nil)
		run.events.Publish(llm.RunEventCancelled, llm.RunErrorEvent{Error: "cancelled"})
		err = nil
	case errors.Is(err, errSuperseded):
		label = OutcomeSuperseded
		run.finish(StatusCancelled, nil)
		run.events.Publish(llm.RunEventCancelled, llm.RunErrorEvent{Error: err.Error()})
		err = nil
	case err != nil:
		label = OutcomeError
		run.finish(StatusError, err)
		run.events.Publish(llm.RunEventError, llm.RunErrorEvent{Error: err.Error()})
		d.logger.Error("run failed",
			"run_id", run.ID,
			"conversation_id", run.ConversationID,
			"error", err,
		)
	case outcome == nil:
		label = OutcomeEmpty
		run.finish(StatusComplete, nil)
	case outcome.EndedOnToolCall():
		label = OutcomeToolCalls
		run.finish(StatusComplete, nil)
	default:
		run.finish(StatusComplete, nil)
	}

	if d.Observer != nil {
		d.Observer.ObserveRun(label, steps, repairs, time.Since(start))
	}
	d.logger.Info("run finished",
		"run_id", run.ID,
		"conversation_id", run.ConversationID,
		"outcome", label,
		"steps", steps,
		"repairs", repairs,
		"duration", time.Since(start),
	)

	if err := run.stream.PersistAndClear(run.events.MarkPersisted); err != nil {
		d.logger.Warn("failed to persist run events",
			"run_id", run.ID,
			"error", err,
		)
	}
	return err
}

// process gathers, runs and finishes. A nil outcome with a nil error means the
// queue was already empty.
func (d *Dispatcher) process(ctx context.Context, run *Run) (*RunOutcome, error) {
	g, err := d.gather(ctx, run)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		d.notify(ctx, run.ConversationID, NoticeFailed)
		return nil, err
	}
	if g == nil {
		return nil, nil
	}

	system, err := d.config.SystemPrompt.Render(run.AuthorID, d.preferences(ctx, run.AuthorID), d.now())
	if err != nil {
		return nil, err
	}

	run.events.Publish(llm.RunEventStart, llm.RunStartEvent{
		RunID:          run.ID,
		ConversationID: run.ConversationID,
		Tools:          g.tools.Names(),
	})

	buffer := streaming.NewDeliveryBuffer(streaming.BufferConfig{
		Channel:        d.Channel,
		ConversationID: run.ConversationID,
		Sentinels:      d.config.Limits.Sentinels,
		Logger:         d.logger,
		Observer:       d.DeliveryObs,
		OnFlush: func(text string) {
			run.events.Publish(llm.RunEventMessageFlush, llm.MessageFlushEvent{Text: text})
		},
	})

	runCtx := tools.WithScope(ctx, tools.Scope{ConversationID: run.ConversationID, AuthorID: run.AuthorID})
	outcome, err := d.Runner.Run(runCtx, &RunInput{
		Model:    d.config.Model,
		System:   system,
		Messages: g.messages,
		Tools:    g.tools,
		OnText: func(delta string) {
			buffer.Write(ctx, delta)
			run.events.Publish(llm.RunEventTextDelta, llm.TextDeltaEvent{Delta: delta})
		},
		OnToolCall: func(call llm.ToolCall) {
			run.events.Publish(llm.RunEventToolCall, llm.ToolCallEvent{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: string(call.Arguments),
			})
		},
		OnToolResult: func(result tools.ToolResult) {
			run.events.Publish(llm.RunEventToolResult, llm.ToolResultEvent{
				ID:      result.ID,
				Name:    result.Name,
				IsError: result.IsError,
			})
		},
	})
	if err != nil {
		buffer.Discard()
		if !errors.Is(err, domain.ErrRunCancelled) {
			d.notify(ctx, run.ConversationID, NoticeFailed)
		}
		return nil, err
	}

	buffer.Close(ctx)

	if outcome.EndedOnToolCall() {
		d.logger.Warn("run ended on a tool call, nothing persisted",
			"run_id", run.ID,
			"steps", outcome.Steps,
			"repairs", outcome.Repairs,
		)
		run.events.Publish(llm.RunEventComplete, llm.RunCompleteEvent{
			FinishReason: outcome.FinishReason,
			Steps:        outcome.Steps,
			Repairs:      outcome.Repairs,
		})
		return outcome, nil
	}

	ids, err := d.finish(ctx, run, g, outcome)
	if err != nil {
		if !errors.Is(err, errSuperseded) {
			d.notify(ctx, run.ConversationID, NoticeNotSaved)
		}
		return outcome, err
	}

	run.events.Publish(llm.RunEventComplete, llm.RunCompleteEvent{
		FinishReason: outcome.FinishReason,
		Steps:        outcome.Steps,
		Repairs:      outcome.Repairs,
		MessageIDs:   ids,
	})
	return outcome, nil
}

// finish persists the merged user message, every response message and one
// turn memory entry in a single transaction, then clears the queue and frees
// the slot. A run that lost its slot persists nothing.
func (d *Dispatcher) finish(ctx context.Context, run *Run, g *gathered, outcome *RunOutcome) ([]string, error) {
	unlock := d.Runs.Lock(run.Key)
	defer unlock()

	if !d.Runs.Owns(run) || run.Cancelled() {
		return nil, errSuperseded
	}

	// Nobody can cancel the run while the key lock is held
	persistCtx := context.WithoutCancel(ctx)
	trackedCtx, written := repositories.WithBlobTracker(persistCtx)
	var ids []string
	err := d.TxManager.ExecTx(trackedCtx, func(txCtx context.Context) error {
		ids = ids[:0]

		user := g.user
		id, err := d.Messages.InsertMessage(txCtx, &user)
		if err != nil {
			return fmt.Errorf("insert user message: %w", err)
		}
		ids = append(ids, id)

		for i, msg := range outcome.ResponseMessages {
			owned := msg.WithOwner(run.ConversationID, run.AuthorID)
			id, err := d.Messages.InsertMessage(txCtx, &owned)
			if err != nil {
				return fmt.Errorf("insert response message %d: %w", i, err)
			}
			ids = append(ids, id)
		}

		if d.Memory != nil {
			if _, err := d.Memory.Remember(txCtx, run.ConversationID, ids, g.summary.Title); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Rows rolled back; their blobs would be unreachable
		d.deleteBlobs(persistCtx, written.Refs())
		return nil, fmt.Errorf("persist run: %w", err)
	}

	if err := d.Pending.Clear(persistCtx, run.Key); err != nil {
		// The answer is stored; leftovers are answered again by the next run
		d.logger.Error("failed to clear pending requests",
			"run_id", run.ID,
			"error", err,
		)
	}
	d.Runs.Release(run)

	d.logger.Info("run persisted",
		"run_id", run.ID,
		"conversation_id", run.ConversationID,
		"messages", len(ids),
		"pending_consumed", len(g.requests),
	)
	return ids, nil
}

// release frees the slot if the run still holds it.
func (d *Dispatcher) release(run *Run) {
	unlock := d.Runs.Lock(run.Key)
	defer unlock()
	d.Runs.Release(run)
}

// preferences loads the author's settings. A failed lookup falls back to the
// defaults so the run still answers.
func (d *Dispatcher) preferences(ctx context.Context, authorID string) *models.AuthorPreferences {
	if d.Preferences == nil {
		return nil
	}
	prefs, err := d.Preferences.GetPreferences(ctx, authorID)
	if err != nil {
		d.logger.Warn("failed to load preferences, using defaults",
			"author_id", authorID,
			"error", err,
		)
		return nil
	}
	return prefs
}

// startTyping refreshes the typing indicator until the returned function is called.
func (d *Dispatcher) startTyping(ctx context.Context, conversationID string) func() {
	notifier, ok := d.Channel.(llmSvc.TypingNotifier)
	if !ok || d.config.Limits.TypingInterval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(d.config.Limits.TypingInterval)
		defer ticker.Stop()

		for {
			if err := notifier.Typing(ctx, conversationID); err != nil && ctx.Err() == nil {
				d.logger.Debug("typing indicator failed",
					"conversation_id", conversationID,
					"error", err,
				)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
