package tools

import (
	"context"

	"raven/internal/domain/models/llm"
)

// Tool is a callable exposed to the model.
// Implementations must be thread-safe and respect context cancellation.
type Tool interface {
	// Descriptor returns the name, description and JSON schema shown to the model.
	Descriptor() llm.ToolDescriptor

	// Execute runs the tool with arguments already validated against the descriptor schema.
	// The returned interface{} must be JSON-serializable (maps, slices, primitives, tagged structs).
	Execute(ctx context.Context, input map[string]interface{}) (interface{}, error)
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	descriptor llm.ToolDescriptor
	fn         func(ctx context.Context, input map[string]interface{}) (interface{}, error)
}

// NewFuncTool creates a tool from a descriptor and an untyped handler.
func NewFuncTool(
	descriptor llm.ToolDescriptor,
	fn func(ctx context.Context, input map[string]interface{}) (interface{}, error),
) *FuncTool {
	return &FuncTool{descriptor: descriptor, fn: fn}
}

// NewTypedTool creates a tool whose parameter schema is reflected from T and whose
// arguments are decoded into T before fn runs.
func NewTypedTool[T any](name, description string, fn func(ctx context.Context, args T) (interface{}, error)) *FuncTool {
	return &FuncTool{
		descriptor: llm.ToolDescriptor{
			Name:        name,
			Description: description,
			Parameters:  SchemaFor[T](),
		},
		fn: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			args, err := DecodeArgs[T](input)
			if err != nil {
				return nil, err
			}
			return fn(ctx, args)
		},
	}
}

func (t *FuncTool) Descriptor() llm.ToolDescriptor { return t.descriptor }

func (t *FuncTool) Execute(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	return t.fn(ctx, input)
}
