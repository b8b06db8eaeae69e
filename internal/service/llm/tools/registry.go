package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"raven/internal/domain"
	"raven/internal/domain/models/llm"
)

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	ID      string      `json:"id"`       // tool call id from the model
	Name    string      `json:"name"`     // tool name (matches ToolCall.Name)
	Result  interface{} `json:"result"`   // execution result (nil if error)
	Error   error       `json:"error"`    // execution error (nil if success)
	IsError bool        `json:"is_error"` // whether execution failed
}

// ErrorPayload is the result shape the model receives for a failed tool call.
func ErrorPayload(err error) map[string]string {
	return map[string]string{"toolError": err.Error()}
}

// Message renders the result as a tool message. Failures carry {"toolError": ...}
// so the model can repair the call.
func (r ToolResult) Message() llm.Message {
	call := llm.ToolCall{ID: r.ID, Name: r.Name}
	if r.IsError {
		return llm.NewToolMessage(call, ErrorPayload(r.Error), true)
	}
	return llm.NewToolMessage(call, r.Result, false)
}

// ExecutionObserver receives one observation per tool execution.
type ExecutionObserver interface {
	ObserveToolExecution(tool string, failed bool, elapsed time.Duration)
}

// ToolRegistry manages tools and handles tool execution.
// It is thread-safe and can be used concurrently.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	observer ExecutionObserver
}

// NewToolRegistry creates a new tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// SetObserver installs an observer for executions. Subsets inherit it.
func (r *ToolRegistry) SetObserver(observer ExecutionObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = observer
}

// Register adds a tool to the registry under its descriptor name.
// If a tool with the same name already exists, it will be replaced.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Descriptor().Name] = tool
}

// Get retrieves a tool by name.
// Returns nil if the tool is not registered.
func (r *ToolRegistry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns the registered tool names in lexical order.
func (r *ToolRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns the descriptors of all tools, ordered by name.
func (r *ToolRegistry) Descriptors() []llm.ToolDescriptor {
	names := r.Names()
	descriptors := make([]llm.ToolDescriptor, 0, len(names))
	for _, name := range names {
		if tool := r.Get(name); tool != nil {
			descriptors = append(descriptors, tool.Descriptor())
		}
	}
	return descriptors
}

// Fingerprint identifies the catalog by the embedding subjects of its tools.
// Two registries with the same tools and descriptions share a fingerprint.
func (r *ToolRegistry) Fingerprint() string {
	h := sha256.New()
	for _, descriptor := range r.Descriptors() {
		h.Write([]byte(descriptor.EmbeddingSubject()))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Subset returns a new registry holding the named tools. Unknown names are skipped.
func (r *ToolRegistry) Subset(names []string) *ToolRegistry {
	subset := NewToolRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	subset.observer = r.observer
	for _, name := range names {
		if tool, ok := r.tools[name]; ok {
			subset.tools[name] = tool
		}
	}
	return subset
}

// Merge registers every tool of other into r and returns r.
// Tools of other replace tools of r with the same name.
func (r *ToolRegistry) Merge(other *ToolRegistry) *ToolRegistry {
	if other == nil || other == r {
		return r
	}
	other.mu.RLock()
	incoming := make(map[string]Tool, len(other.tools))
	for name, tool := range other.tools {
		incoming[name] = tool
	}
	observer := other.observer
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, tool := range incoming {
		r.tools[name] = tool
	}
	if r.observer == nil {
		r.observer = observer
	}
	return r
}

// Execute validates the call arguments against the tool schema and runs the tool.
// Every failure is captured in the result; Execute never panics on a tool panic.
func (r *ToolRegistry) Execute(ctx context.Context, call llm.ToolCall) ToolResult {
	start := time.Now()
	result := r.execute(ctx, call)

	r.mu.RLock()
	observer := r.observer
	r.mu.RUnlock()
	if observer != nil {
		observer.ObserveToolExecution(call.Name, result.IsError, time.Since(start))
	}
	return result
}

func (r *ToolRegistry) execute(ctx context.Context, call llm.ToolCall) (result ToolResult) {
	tool := r.Get(call.Name)
	if tool == nil {
		return failed(call, &domain.ToolNotFoundError{Name: call.Name})
	}

	input, err := decodeInput(call.Arguments)
	if err != nil {
		return failed(call, &domain.ToolArgumentError{Tool: call.Name, Problems: []string{err.Error()}})
	}
	if err := validateInput(tool.Descriptor(), input); err != nil {
		return failed(call, err)
	}
	if err := ctx.Err(); err != nil {
		return failed(call, err)
	}

	defer func() {
		if p := recover(); p != nil {
			result = failed(call, fmt.Errorf("tool %s panicked: %v", call.Name, p))
		}
	}()

	output, err := tool.Execute(ctx, input)
	if err != nil {
		return failed(call, err)
	}

	return ToolResult{
		ID:      call.ID,
		Name:    call.Name,
		Result:  output,
		Error:   nil,
		IsError: false,
	}
}

// ExecuteParallel runs multiple tools concurrently and returns results in the same order.
// Context cancellation will stop all ongoing executions.
func (r *ToolRegistry) ExecuteParallel(ctx context.Context, calls []llm.ToolCall) []ToolResult {
	if len(calls) == 0 {
		return []ToolResult{}
	}

	results := make([]ToolResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(index int, toolCall llm.ToolCall) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				results[index] = failed(toolCall, ctx.Err())
				return
			default:
			}

			results[index] = r.Execute(ctx, toolCall)
		}(i, call)
	}

	wg.Wait()

	return results
}

func failed(call llm.ToolCall, err error) ToolResult {
	return ToolResult{
		ID:      call.ID,
		Name:    call.Name,
		Result:  nil,
		Error:   err,
		IsError: true,
	}
}

func decodeInput(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]interface{}{}, nil
	}
	var input map[string]interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	return input, nil
}
