package tools

import (
	"time"

	"raven/internal/service/llm/tools/external"
)

// ToolRegistryBuilder provides a fluent API for building tool registries.
type ToolRegistryBuilder struct {
	registry *ToolRegistry
	config   *ToolConfig
	now      func() time.Time
}

// NewToolRegistryBuilder creates a new builder with a fresh registry.
func NewToolRegistryBuilder() *ToolRegistryBuilder {
	return &ToolRegistryBuilder{
		registry: NewToolRegistry(),
		config:   DefaultToolConfig(),
	}
}

// WithConfig sets custom tool configuration.
// If not called, defaults will be used.
func (b *ToolRegistryBuilder) WithConfig(config *ToolConfig) *ToolRegistryBuilder {
	if config != nil {
		b.config = config
	}
	return b
}

// WithClock overrides the clock used by time-aware tools.
func (b *ToolRegistryBuilder) WithClock(now func() time.Time) *ToolRegistryBuilder {
	b.now = now
	return b
}

// WithBuiltins registers the self-contained tools (current_time).
func (b *ToolRegistryBuilder) WithBuiltins() *ToolRegistryBuilder {
	b.registry.Register(NewCurrentTimeTool(b.config, b.now))
	return b
}

// WithWebSearch registers the web_search tool using an external search client.
// Only registers if a valid client is provided.
func (b *ToolRegistryBuilder) WithWebSearch(client external.SearchClient) *ToolRegistryBuilder {
	if client != nil {
		b.registry.Register(NewWebSearchTool(client, b.config))
	}
	return b
}

// WithPlatformTools registers the always-on tools for the configured collaborators.
func (b *ToolRegistryBuilder) WithPlatformTools(deps PlatformDeps) *ToolRegistryBuilder {
	if deps.Channel != nil {
		b.registry.Register(NewSendMessageTool(deps.Channel))
	}
	if deps.Blobs != nil {
		b.registry.Register(NewReadFileTool(deps.Blobs, b.config))
	}
	if deps.Canceller != nil {
		b.registry.Register(NewCancelTool(deps.Canceller))
	}
	return b
}

// WithTools registers arbitrary tools, such as agents exposed as tools.
func (b *ToolRegistryBuilder) WithTools(tools ...Tool) *ToolRegistryBuilder {
	for _, tool := range tools {
		if tool != nil {
			b.registry.Register(tool)
		}
	}
	return b
}

// WithObserver installs an execution observer on the registry.
func (b *ToolRegistryBuilder) WithObserver(observer ExecutionObserver) *ToolRegistryBuilder {
	if observer != nil {
		b.registry.SetObserver(observer)
	}
	return b
}

// Build returns the constructed tool registry.
func (b *ToolRegistryBuilder) Build() *ToolRegistry {
	return b.registry
}
