package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"raven/internal/domain/models/llm"
	llmSvc "raven/internal/domain/services/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedModel answers every call with respond. When block reports true for a
// request, the call waits until ctx ends.
type scriptedModel struct {
	respond func(call int, req *llmSvc.GenerateRequest) (*llmSvc.StepResult, error)
	block   func(req *llmSvc.GenerateRequest) bool

	mu       sync.Mutex
	calls    int
	requests []*llmSvc.GenerateRequest
	started  chan struct{} // Receives one value per blocked call
}

func newScriptedModel(respond func(call int, req *llmSvc.GenerateRequest) (*llmSvc.StepResult, error)) *scriptedModel {
	return &scriptedModel{respond: respond, started: make(chan struct{}, 64)}
}

func (m *scriptedModel) Generate(ctx context.Context, req *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
	events, err := m.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	for ev := range events {
		if ev.Done != nil {
			return ev.Done, nil
		}
	}
	return nil, errors.New("no result")
}

func (m *scriptedModel) Stream(ctx context.Context, req *llmSvc.GenerateRequest) (<-chan llmSvc.StreamEvent, error) {
	m.mu.Lock()
	call := m.calls
	m.calls++
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.block != nil && m.block(req) {
		m.started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	result, err := m.respond(call, req)
	if err != nil {
		return nil, err
	}

	// One delta per rune, like a token stream
	runes := []rune(result.Text)
	events := make(chan llmSvc.StreamEvent, len(runes)+1)
	for _, r := range runes {
		events <- llmSvc.StreamEvent{TextDelta: string(r)}
	}
	events <- llmSvc.StreamEvent{Done: result}
	close(events)
	return events, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *scriptedModel) lastRequest() *llmSvc.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// lastUserText returns the text of the last user message of a request.
func lastUserText(req *llmSvc.GenerateRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Text()
		}
	}
	return ""
}

func textAnswer(text string) *llmSvc.StepResult {
	return &llmSvc.StepResult{Text: text, FinishReason: llm.FinishStop}
}

func toolCallAnswer(id, name, args string) *llmSvc.StepResult {
	return &llmSvc.StepResult{
		ToolCalls:    []llm.ToolCall{{ID: id, Name: name, Arguments: []byte(args)}},
		FinishReason: llm.FinishToolCalls,
	}
}

// recordingChannel keeps every message sent to it.
type recordingChannel struct {
	mu   sync.Mutex
	sent []string
}

func (c *recordingChannel) Send(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *recordingChannel) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *recordingChannel) contains(text string) bool {
	for _, sent := range c.messages() {
		if strings.Contains(sent, text) {
			return true
		}
	}
	return false
}

// failingTool always returns an error.
type failingTool struct {
	mu    sync.Mutex
	calls int
}

func (f *failingTool) Descriptor() llm.ToolDescriptor {
	return llm.ToolDescriptor{
		Name:        "flaky",
		Description: "A tool that never works",
		Parameters:  map[string]interface{}{"type": "object"},
	}
}

func (f *failingTool) Execute(context.Context, map[string]interface{}) (interface{}, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil, errors.New("upstream unavailable")
}

func (f *failingTool) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
