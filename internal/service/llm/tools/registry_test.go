package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"raven/internal/domain"
	"raven/internal/domain/models/llm"
)

// mockTool is a test implementation of Tool.
type mockTool struct {
	name        string
	params      map[string]interface{}
	delay       time.Duration
	shouldFail  bool
	shouldPanic bool
	execCount   int
	mu          sync.Mutex
}

func (m *mockTool) Descriptor() llm.ToolDescriptor {
	return llm.ToolDescriptor{Name: m.name, Description: "mock " + m.name, Parameters: m.params}
}

func (m *mockTool) Execute(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	m.mu.Lock()
	m.execCount++
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.shouldPanic {
		panic("boom")
	}
	if m.shouldFail {
		return nil, errors.New("mock tool failed")
	}

	return map[string]interface{}{
		"tool":  m.name,
		"input": input,
	}, nil
}

func (m *mockTool) getExecCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execCount
}

func call(id, name string, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string]int
	fails int
}

func (o *recordingObserver) ObserveToolExecution(tool string, failed bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = map[string]int{}
	}
	o.calls[tool]++
	if failed {
		o.fails++
	}
}

func TestToolRegistry_RegisterAndGet(t *testing.T) {
	registry := NewToolRegistry()
	tool := &mockTool{name: "test_tool"}

	registry.Register(tool)

	retrieved := registry.Get("test_tool")
	if retrieved == nil {
		t.Fatal("Get returned nil for registered tool")
	}
	if retrieved != tool {
		t.Error("Get returned different tool instance")
	}
	if registry.Get("non_existent") != nil {
		t.Error("Get returned non-nil for non-existent tool")
	}
	if registry.Len() != 1 {
		t.Errorf("Len() = %d, want 1", registry.Len())
	}
}

func TestToolRegistry_NamesSubsetMerge(t *testing.T) {
	registry := NewToolRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		registry.Register(&mockTool{name: name})
	}

	names := registry.Names()
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}

	subset := registry.Subset([]string{"zeta", "unknown"})
	if subset.Len() != 1 || subset.Get("zeta") == nil {
		t.Fatalf("Subset kept %v", subset.Names())
	}

	other := NewToolRegistry()
	other.Register(&mockTool{name: "extra"})
	other.Register(&mockTool{name: "zeta"})
	subset.Merge(other)
	if subset.Len() != 2 {
		t.Errorf("Merge produced %v", subset.Names())
	}
	if registry.Len() != 3 {
		t.Errorf("Merge must not touch the source registry, got %v", registry.Names())
	}

	if registry.Fingerprint() == subset.Fingerprint() {
		t.Error("different catalogs share a fingerprint")
	}
	again := NewToolRegistry()
	for _, name := range []string{"mid", "zeta", "alpha"} {
		again.Register(&mockTool{name: name})
	}
	if registry.Fingerprint() != again.Fingerprint() {
		t.Error("fingerprint depends on registration order")
	}
}

func TestToolRegistry_Execute(t *testing.T) {
	registry := NewToolRegistry()
	ctx := context.Background()

	t.Run("successful execution", func(t *testing.T) {
		registry.Register(&mockTool{name: "success_tool"})

		result := registry.Execute(ctx, call("call_1", "success_tool", `{"param":"value"}`))

		if result.IsError {
			t.Errorf("expected success, got error: %v", result.Error)
		}
		if result.ID != "call_1" {
			t.Errorf("expected ID 'call_1', got %s", result.ID)
		}
		if result.Result == nil {
			t.Error("expected non-nil result")
		}
	})

	t.Run("tool not found", func(t *testing.T) {
		result := registry.Execute(ctx, call("call_2", "non_existent_tool", ""))

		if !result.IsError {
			t.Fatal("expected error for non-existent tool")
		}
		var notFound *domain.ToolNotFoundError
		if !errors.As(result.Error, &notFound) {
			t.Errorf("expected ToolNotFoundError, got %T", result.Error)
		}
		if result.ID != "call_2" {
			t.Errorf("expected ID 'call_2', got %s", result.ID)
		}
	})

	t.Run("tool execution failure", func(t *testing.T) {
		registry.Register(&mockTool{name: "fail_tool", shouldFail: true})

		result := registry.Execute(ctx, call("call_3", "fail_tool", "{}"))

		if !result.IsError || result.Error == nil {
			t.Fatal("expected error for failed tool execution")
		}
	})

	t.Run("panicking tool", func(t *testing.T) {
		registry.Register(&mockTool{name: "panic_tool", shouldPanic: true})

		result := registry.Execute(ctx, call("call_p", "panic_tool", "{}"))

		if !result.IsError {
			t.Fatal("expected panic to become an error result")
		}
	})

	t.Run("malformed arguments", func(t *testing.T) {
		tool := &mockTool{name: "strict_tool"}
		registry.Register(tool)

		result := registry.Execute(ctx, call("call_m", "strict_tool", `[1,2`))

		if !result.IsError {
			t.Fatal("expected error for malformed arguments")
		}
		if !errors.Is(result.Error, domain.ErrValidation) {
			t.Errorf("expected validation error, got %v", result.Error)
		}
		if tool.getExecCount() != 0 {
			t.Error("tool ran with malformed arguments")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		registry.Register(&mockTool{name: "slow_tool", delay: 500 * time.Millisecond})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result := registry.Execute(ctx, call("call_4", "slow_tool", ""))

		if !result.IsError {
			t.Error("expected error for cancelled context")
		}
		if !errors.Is(result.Error, context.Canceled) {
			t.Errorf("expected context.Canceled error, got: %v", result.Error)
		}
	})
}

func TestToolRegistry_SchemaValidation(t *testing.T) {
	tool := &mockTool{
		name: "typed_tool",
		params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"city": map[string]interface{}{"type": "string"},
				"days": map[string]interface{}{"type": "integer", "minimum": 1},
			},
			"required":             []interface{}{"city"},
			"additionalProperties": false,
		},
	}
	registry := NewToolRegistry()
	registry.Register(tool)

	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"valid", `{"city":"Oslo","days":3}`, false},
		{"missing required", `{"days":3}`, true},
		{"wrong type", `{"city":42}`, true},
		{"below minimum", `{"city":"Oslo","days":0}`, true},
		{"unknown property", `{"city":"Oslo","mood":"sunny"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := registry.Execute(context.Background(), call("c", "typed_tool", tt.args))
			if result.IsError != tt.wantErr {
				t.Fatalf("IsError = %v, want %v (err: %v)", result.IsError, tt.wantErr, result.Error)
			}
			if !tt.wantErr {
				return
			}
			var argErr *domain.ToolArgumentError
			if !errors.As(result.Error, &argErr) {
				t.Fatalf("expected ToolArgumentError, got %T: %v", result.Error, result.Error)
			}
			if argErr.Tool != "typed_tool" || len(argErr.Problems) == 0 {
				t.Errorf("unexpected argument error: %+v", argErr)
			}
		})
	}

	if tool.getExecCount() != 1 {
		t.Errorf("tool executed %d times, want only the valid call", tool.getExecCount())
	}
}

func TestToolResult_Message(t *testing.T) {
	ok := ToolResult{ID: "c1", Name: "t", Result: map[string]int{"n": 1}}
	msg := ok.Message()
	if msg.Role != llm.RoleTool || msg.Tool.ToolCallID != "c1" || msg.Tool.IsError {
		t.Fatalf("unexpected tool message: %+v", msg.Tool)
	}
	if string(msg.Tool.Result) != `{"n":1}` {
		t.Errorf("result = %s", msg.Tool.Result)
	}

	failedResult := ToolResult{ID: "c2", Name: "t", Error: errors.New("bad input"), IsError: true}
	msg = failedResult.Message()
	if !msg.Tool.IsError {
		t.Error("error result not flagged")
	}
	if string(msg.Tool.Result) != `{"toolError":"bad input"}` {
		t.Errorf("error payload = %s", msg.Tool.Result)
	}
}

func TestToolRegistry_ExecuteParallel(t *testing.T) {
	t.Run("empty calls", func(t *testing.T) {
		registry := NewToolRegistry()
		results := registry.ExecuteParallel(context.Background(), nil)

		if len(results) != 0 {
			t.Errorf("expected 0 results, got %d", len(results))
		}
	})

	t.Run("parallel execution is faster than serial", func(t *testing.T) {
		registry := NewToolRegistry()
		for i := 0; i < 3; i++ {
			registry.Register(&mockTool{
				name:  fmt.Sprintf("tool_%d", i),
				delay: 100 * time.Millisecond,
			})
		}

		calls := []llm.ToolCall{
			call("call_0", "tool_0", ""),
			call("call_1", "tool_1", ""),
			call("call_2", "tool_2", ""),
		}

		start := time.Now()
		results := registry.ExecuteParallel(context.Background(), calls)
		elapsed := time.Since(start)

		// ~100ms in parallel, ~300ms serially
		if elapsed > 250*time.Millisecond {
			t.Errorf("parallel execution took too long: %v", elapsed)
		}
		for i, result := range results {
			if result.IsError {
				t.Errorf("result %d has error: %v", i, result.Error)
			}
		}
	})

	t.Run("order preservation", func(t *testing.T) {
		registry := NewToolRegistry()
		delays := []time.Duration{
			50 * time.Millisecond,
			10 * time.Millisecond,
			100 * time.Millisecond,
		}
		for i, delay := range delays {
			registry.Register(&mockTool{name: fmt.Sprintf("tool_%d", i), delay: delay})
		}

		calls := []llm.ToolCall{
			call("call_0", "tool_0", ""),
			call("call_1", "tool_1", ""),
			call("call_2", "tool_2", ""),
		}
		results := registry.ExecuteParallel(context.Background(), calls)

		if len(results) != 3 {
			t.Fatalf("expected 3 results, got %d", len(results))
		}
		for i, result := range results {
			if want := fmt.Sprintf("call_%d", i); result.ID != want {
				t.Errorf("result %d has wrong ID: got %s, expected %s", i, result.ID, want)
			}
			resultMap, ok := result.Result.(map[string]interface{})
			if !ok {
				t.Errorf("result %d is not a map", i)
				continue
			}
			if want := fmt.Sprintf("tool_%d", i); resultMap["tool"] != want {
				t.Errorf("result %d has wrong tool name: got %v, expected %s", i, resultMap["tool"], want)
			}
		}
	})

	t.Run("context cancellation propagation", func(t *testing.T) {
		registry := NewToolRegistry()
		tools := make([]*mockTool, 3)
		for i := range tools {
			tools[i] = &mockTool{name: fmt.Sprintf("tool_%d", i), delay: 500 * time.Millisecond}
			registry.Register(tools[i])
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		results := registry.ExecuteParallel(ctx, []llm.ToolCall{
			call("call_0", "tool_0", ""),
			call("call_1", "tool_1", ""),
			call("call_2", "tool_2", ""),
		})

		for i, result := range results {
			if !result.IsError {
				t.Errorf("result %d should have error due to context cancellation", i)
			}
			if !errors.Is(result.Error, context.Canceled) {
				t.Errorf("result %d has wrong error type: %v", i, result.Error)
			}
			if tools[i].getExecCount() != 0 {
				t.Errorf("tool %d ran after cancellation", i)
			}
		}
	})

	t.Run("mixed success and failure", func(t *testing.T) {
		registry := NewToolRegistry()
		observer := &recordingObserver{}
		registry.SetObserver(observer)
		registry.Register(&mockTool{name: "success_tool"})
		registry.Register(&mockTool{name: "fail_tool", shouldFail: true})

		results := registry.ExecuteParallel(context.Background(), []llm.ToolCall{
			call("call_0", "success_tool", ""),
			call("call_1", "fail_tool", ""),
			call("call_2", "non_existent", ""),
			call("call_3", "success_tool", ""),
		})

		wantErr := []bool{false, true, true, false}
		for i, result := range results {
			if result.IsError != wantErr[i] {
				t.Errorf("result %d IsError = %v, want %v", i, result.IsError, wantErr[i])
			}
		}
		if observer.calls["success_tool"] != 2 || observer.fails != 2 {
			t.Errorf("observer saw calls=%v fails=%d", observer.calls, observer.fails)
		}
	})

	t.Run("high concurrency thread-safety", func(t *testing.T) {
		registry := NewToolRegistry()
		tool := &mockTool{name: "concurrent_tool"}
		registry.Register(tool)

		calls := make([]llm.ToolCall, 100)
		for i := range calls {
			calls[i] = call(fmt.Sprintf("call_%d", i), "concurrent_tool", fmt.Sprintf(`{"index":%d}`, i))
		}

		results := registry.ExecuteParallel(context.Background(), calls)

		if len(results) != 100 {
			t.Fatalf("expected 100 results, got %d", len(results))
		}
		for i, result := range results {
			if result.IsError {
				t.Errorf("result %d has error: %v", i, result.Error)
			}
		}
		if tool.getExecCount() != 100 {
			t.Errorf("expected 100 executions, got %d", tool.getExecCount())
		}
	})
}
