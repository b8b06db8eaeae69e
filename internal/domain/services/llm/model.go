package llm

import (
	"context"

	"raven/internal/domain/models/llm"
)

// ChatModel is the single call-style interface to a language model.
type ChatModel interface {
	// Generate performs one model call and returns the complete step.
	Generate(ctx context.Context, req *GenerateRequest) (*StepResult, error)

	// Stream performs one model call, emitting text deltas as they arrive.
	// The last event carries either Done or Err; the channel is closed afterwards.
	Stream(ctx context.Context, req *GenerateRequest) (<-chan StreamEvent, error)
}

// GenerateRequest contains the parameters for one model call.
type GenerateRequest struct {
	// Model overrides the implementation default when set
	Model    string
	System   string
	Messages []llm.Message
	Tools    []llm.ToolDescriptor
}

// StepResult is the outcome of one model call.
type StepResult struct {
	Text         string
	ToolCalls    []llm.ToolCall
	FinishReason llm.FinishReason
	Model        string
	InputTokens  int
	OutputTokens int
}

// StreamEvent is one item of a streamed model call.
type StreamEvent struct {
	TextDelta string
	Done      *StepResult
	Err       error
}

// Embedder turns texts into vectors. Vectors of one model share a dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
