package orchestrator

import (
	"context"
	"fmt"

	"raven/internal/domain/models/llm"
	llmSvc "raven/internal/domain/services/llm"
	"raven/internal/service/llm/memory"
	"raven/internal/service/llm/summarizer"
	"raven/internal/service/llm/tools"
)

// gathered is the input assembled for one run.
type gathered struct {
	requests []llm.PendingRequest
	user     llm.Message // Merged pending content, unsaved
	summary  *llmSvc.Summary
	messages []llm.Message
	tools    *tools.ToolRegistry
}

// gather collects everything not yet answered for the run's key, then the
// context the model needs to answer it. Returns nil when the queue is empty.
func (d *Dispatcher) gather(ctx context.Context, run *Run) (*gathered, error) {
	requests, err := d.Pending.List(ctx, run.Key)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	if len(requests) == 0 {
		return nil, nil
	}

	user := llm.NewUserMessage(run.ConversationID, run.AuthorID, llm.MergePending(requests))

	recent, err := d.Messages.RecentMessages(ctx, run.ConversationID, run.AuthorID, d.config.Limits.HistorySets)
	if err != nil {
		return nil, fmt.Errorf("load recent history: %w", err)
	}

	summary := d.summarize(ctx, recent, user.Parts)
	recalled := d.recall(ctx, run, summary.Query)

	return &gathered{
		requests: requests,
		user:     user,
		summary:  summary,
		messages: d.Builder.Build(recalled, recent, &user),
		tools:    d.selectTools(ctx, summary.ToolQuery),
	}, nil
}

// summarize falls back to a heuristic summary when the summarizer fails.
func (d *Dispatcher) summarize(ctx context.Context, history []llm.Message, request []llm.ContentPart) *llmSvc.Summary {
	input := llmSvc.SummaryInput{History: history, Request: request}
	if d.Summarizer == nil {
		return summarizer.Heuristic(input)
	}

	summary, err := d.Summarizer.Summarize(ctx, input)
	if err != nil || summary == nil {
		d.logger.Warn("summarizer failed, using heuristic summary",
			"error", err,
		)
		return summarizer.Heuristic(input)
	}
	return summary
}

// recall loads the message histories of the closest turn memory entries.
// Recall problems degrade to no recalled context.
func (d *Dispatcher) recall(ctx context.Context, run *Run, query string) []llm.Message {
	if d.Memory == nil {
		return nil
	}

	entries, err := d.Memory.Recall(ctx, run.ConversationID, query, d.config.Limits.MemoryTopK)
	if err != nil {
		d.logger.Warn("turn memory recall failed",
			"run_id", run.ID,
			"error", err,
		)
		return nil
	}
	ids := memory.MessageIDs(entries)
	if len(ids) == 0 {
		return nil
	}

	history, err := d.Messages.PullMessageHistory(ctx, ids)
	if err != nil {
		d.logger.Warn("failed to pull recalled history",
			"run_id", run.ID,
			"entries", len(entries),
			"error", err,
		)
		return nil
	}
	return history
}

// selectTools picks the run's tools. Without a selector the whole catalog is offered.
func (d *Dispatcher) selectTools(ctx context.Context, query string) *tools.ToolRegistry {
	if d.Selector == nil {
		return tools.NewToolRegistry().Merge(d.Catalog).Merge(d.alwaysOn)
	}
	selected, err := d.Selector.Select(ctx, query, d.Catalog, d.alwaysOn)
	if err != nil {
		return tools.NewToolRegistry().Merge(d.alwaysOn)
	}
	return selected
}
