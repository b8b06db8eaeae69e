package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"raven/internal/domain/models/llm"
	llmSvc "raven/internal/domain/services/llm"
)

// Config contains configuration for the OpenAI-compatible chat model.
type Config struct {
	APIKey     string
	BaseURL    string // OpenRouter or any OpenAI-compatible endpoint
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// OpenAIChatModel implements ChatModel with the chat completions API.
type OpenAIChatModel struct {
	client     *openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

var _ llmSvc.ChatModel = (*OpenAIChatModel)(nil)

// NewOpenAI creates a chat model client.
func NewOpenAI(cfg Config, logger *slog.Logger) (*OpenAIChatModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("model API key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model name is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIChatModel{
		client:     openai.NewClientWithConfig(config),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}, nil
}

// WithModel returns a copy using another model name on the same client.
func (m *OpenAIChatModel) WithModel(name string) *OpenAIChatModel {
	clone := *m
	clone.model = name
	return &clone
}

func (m *OpenAIChatModel) buildRequest(req *llmSvc.GenerateRequest, stream bool) openai.ChatCompletionRequest {
	name := m.model
	if req.Model != "" {
		name = req.Model
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    name,
		Messages: toOpenAIMessages(req.System, req.Messages),
		Stream:   stream,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}
	return chatReq
}

// Generate performs one non-streaming completion.
func (m *OpenAIChatModel) Generate(ctx context.Context, req *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
	chatReq := m.buildRequest(req, false)

	var resp openai.ChatCompletionResponse
	err := m.withRetry(ctx, func() error {
		var err error
		resp, err = m.client.CreateChatCompletion(ctx, chatReq)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("model returned no choices")
	}

	choice := resp.Choices[0]
	result := &llmSvc.StepResult{
		Text:         choice.Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:        ensureCallID(tc.ID),
			Name:      tc.Function.Name,
			Arguments: normalizeArguments(tc.Function.Arguments),
		})
	}
	result.FinishReason = mapFinishReason(string(choice.FinishReason), len(result.ToolCalls) > 0)
	return result, nil
}

// Stream performs one streaming completion.
func (m *OpenAIChatModel) Stream(ctx context.Context, req *llmSvc.GenerateRequest) (<-chan llmSvc.StreamEvent, error) {
	chatReq := m.buildRequest(req, true)
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	var stream *openai.ChatCompletionStream
	err := m.withRetry(ctx, func() error {
		var err error
		stream, err = m.client.CreateChatCompletionStream(ctx, chatReq)
		return err
	})
	if err != nil {
		return nil, err
	}

	events := make(chan llmSvc.StreamEvent)
	go m.processStream(ctx, stream, chatReq.Model, events)
	return events, nil
}

func (m *OpenAIChatModel) processStream(ctx context.Context, stream *openai.ChatCompletionStream, model string, events chan<- llmSvc.StreamEvent) {
	defer close(events)
	defer stream.Close()

	send := func(ev llmSvc.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	type partialCall struct {
		id, name string
		args     []byte
	}
	var order []int
	calls := make(map[int]*partialCall)
	result := &llmSvc.StepResult{Model: model}
	var text []byte
	var finish string

	for {
		if ctx.Err() != nil {
			send(llmSvc.StreamEvent{Err: ctx.Err()})
			return
		}

		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			send(llmSvc.StreamEvent{Err: fmt.Errorf("model stream: %w", err)})
			return
		}

		if response.Usage != nil {
			result.InputTokens = response.Usage.PromptTokens
			result.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if delta := choice.Delta.Content; delta != "" {
			text = append(text, delta...)
			if !send(llmSvc.StreamEvent{TextDelta: delta}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			pc, ok := calls[index]
			if !ok {
				pc = &partialCall{}
				calls[index] = pc
				order = append(order, index)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args = append(pc.args, tc.Function.Arguments...)
		}

		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
	}

	result.Text = string(text)
	for _, index := range order {
		pc := calls[index]
		if pc.name == "" {
			continue
		}
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:        ensureCallID(pc.id),
			Name:      pc.name,
			Arguments: normalizeArguments(string(pc.args)),
		})
	}
	result.FinishReason = mapFinishReason(finish, len(result.ToolCalls) > 0)
	send(llmSvc.StreamEvent{Done: result})
}

func (m *OpenAIChatModel) withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.retryDelay * time.Duration(attempt)):
			}
		}

		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return fmt.Errorf("model call: %w", lastErr)
		}
		m.logger.Warn("model call failed, retrying", "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("model call: max retries exceeded: %w", lastErr)
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func mapFinishReason(reason string, hasToolCalls bool) llm.FinishReason {
	if hasToolCalls {
		return llm.FinishToolCalls
	}
	switch reason {
	case "length":
		return llm.FinishLength
	case "content_filter":
		return llm.FinishError
	case "tool_calls", "function_call":
		return llm.FinishToolCalls
	default:
		return llm.FinishStop
	}
}

// Some OpenRouter upstreams omit call IDs
func ensureCallID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + uuid.NewString()
}
