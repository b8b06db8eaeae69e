package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"raven/internal/domain"
	"raven/internal/domain/models/llm"
	llmSvc "raven/internal/domain/services/llm"
	"raven/internal/service/llm/tools"
)

// RunnerConfig holds the hard caps of the step loop.
type RunnerConfig struct {
	StepBudget    int // Model calls per attempt
	RepairCeiling int // Re-entries after an attempt ends on tool calls
}

// Runner drives the Generate/Execute loop of one run.
// It holds no per-run state and is shared by the dispatcher and every agent.
type Runner struct {
	model  llmSvc.ChatModel
	config RunnerConfig
	logger *slog.Logger
}

// NewRunner creates a runner. Non-positive step budgets are raised to one.
func NewRunner(model llmSvc.ChatModel, config RunnerConfig, logger *slog.Logger) *Runner {
	if config.StepBudget < 1 {
		config.StepBudget = 1
	}
	if config.RepairCeiling < 0 {
		config.RepairCeiling = 0
	}
	return &Runner{model: model, config: config, logger: logger}
}

// RunInput is everything one run needs.
type RunInput struct {
	Model    string // Optional model override
	System   string
	Messages []llm.Message
	Tools    *tools.ToolRegistry

	OnText       func(delta string)
	OnToolCall   func(call llm.ToolCall)
	OnToolResult func(result tools.ToolResult)
}

// RunOutcome describes a finished run.
type RunOutcome struct {
	// Text is the text of the last step that produced any
	Text string
	// ResponseMessages are the assistant and tool messages produced, in order.
	// They carry no IDs or owners until persisted.
	ResponseMessages []llm.Message
	FinishReason     llm.FinishReason
	Steps            int
	Repairs          int
	InputTokens      int
	OutputTokens     int
}

// EndedOnToolCall reports whether the run ran out of repairs while the model still
// wanted tools. Such runs must not be persisted.
func (o *RunOutcome) EndedOnToolCall() bool {
	return o.FinishReason == llm.FinishToolCalls
}

// Run executes the step loop until the model stops calling tools or the repair
// ceiling is reached. Tool failures are fed back to the model; model failures
// abort the run. A cancelled ctx yields an error wrapping domain.ErrRunCancelled.
func (r *Runner) Run(ctx context.Context, in *RunInput) (*RunOutcome, error) {
	if in.Tools == nil {
		in.Tools = tools.NewToolRegistry()
	}
	history := make([]llm.Message, len(in.Messages))
	copy(history, in.Messages)

	outcome := &RunOutcome{}
	for {
		finish, err := r.attempt(ctx, in, &history, outcome)
		if err != nil {
			return nil, err
		}
		if finish != llm.FinishToolCalls {
			outcome.FinishReason = finish
			break
		}
		if outcome.Repairs >= r.config.RepairCeiling {
			r.logger.Warn("repair ceiling reached, run ends on tool calls",
				"steps", outcome.Steps,
				"repairs", outcome.Repairs,
			)
			outcome.FinishReason = llm.FinishToolCalls
			break
		}
		outcome.Repairs++
		r.logger.Debug("step budget exhausted on tool calls, repairing",
			"repair", outcome.Repairs,
			"ceiling", r.config.RepairCeiling,
		)
	}

	outcome.ResponseMessages = history[len(in.Messages):]
	return outcome, nil
}

// attempt runs up to StepBudget steps on a fresh budget.
func (r *Runner) attempt(ctx context.Context, in *RunInput, history *[]llm.Message, outcome *RunOutcome) (llm.FinishReason, error) {
	for step := 0; step < r.config.StepBudget; step++ {
		if err := ctx.Err(); err != nil {
			return "", cancelled(err)
		}

		result, err := r.generate(ctx, in, *history)
		if err != nil {
			return "", err
		}
		outcome.Steps++
		outcome.InputTokens += result.InputTokens
		outcome.OutputTokens += result.OutputTokens
		if result.Text != "" {
			outcome.Text = result.Text
		}

		*history = append(*history, llm.NewAssistantMessage(result.Text, result.ToolCalls))
		if len(result.ToolCalls) == 0 {
			if result.FinishReason == "" || result.FinishReason == llm.FinishToolCalls {
				return llm.FinishStop, nil
			}
			return result.FinishReason, nil
		}

		if in.OnToolCall != nil {
			for _, call := range result.ToolCalls {
				in.OnToolCall(call)
			}
		}
		results := in.Tools.ExecuteParallel(ctx, result.ToolCalls)
		for _, res := range results {
			if in.OnToolResult != nil {
				in.OnToolResult(res)
			}
			*history = append(*history, res.Message())
		}

		if err := ctx.Err(); err != nil {
			return "", cancelled(err)
		}
	}
	return llm.FinishToolCalls, nil
}

// generate performs one streamed model call and forwards text deltas.
func (r *Runner) generate(ctx context.Context, in *RunInput, history []llm.Message) (*llmSvc.StepResult, error) {
	req := &llmSvc.GenerateRequest{
		Model:    in.Model,
		System:   in.System,
		Messages: history,
		Tools:    in.Tools.Descriptors(),
	}

	events, err := r.model.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, fmt.Errorf("model call: %w", err)
	}

	for ev := range events {
		switch {
		case ev.Err != nil:
			if ctx.Err() != nil || errors.Is(ev.Err, context.Canceled) {
				return nil, cancelled(ev.Err)
			}
			return nil, fmt.Errorf("model stream: %w", ev.Err)
		case ev.Done != nil:
			return ev.Done, nil
		case ev.TextDelta != "" && in.OnText != nil:
			in.OnText(ev.TextDelta)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	return nil, errors.New("model stream ended without a result")
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %v", domain.ErrRunCancelled, cause)
}
