package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"raven/internal/capabilities"
	"raven/internal/config"
	"raven/internal/domain"
	"raven/internal/domain/models/llm"
	llmRepo "raven/internal/domain/repositories/llm"
	"raven/internal/service/llm/orchestrator"
	"raven/internal/service/llm/tools"
)

const (
	// RunAgentTool is the tool an agent uses to delegate to another agent
	RunAgentTool = "run_agent"

	taskInstruction = "According to the input parameters, please act on the task given."
	abruptPrefix    = "Result ended abruptly without direct response from agent: "
	answerPrefix    = "Agent responded with: "
)

var errNoScope = errors.New("agent invocation requires a conversation scope")

// Deps are the collaborators shared by every agent.
type Deps struct {
	Runner    *orchestrator.Runner
	Histories llmRepo.AgentHistoryStore
	Catalog   *tools.ToolRegistry // Builtin tools agents pick from
	Model     string              // Default agent model
	MaxDepth  int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Directory holds every agent of the catalog. It is built once at startup.
type Directory struct {
	deps   Deps
	agents []*Agent
	byName map[string]*Agent
}

// NewDirectory builds the agents of the catalog registry.
func NewDirectory(registry *capabilities.Registry, deps Deps) (*Directory, error) {
	if deps.Runner == nil {
		return nil, errors.New("agents: runner is required")
	}
	if deps.Histories == nil {
		return nil, errors.New("agents: history store is required")
	}
	if deps.Catalog == nil {
		deps.Catalog = tools.NewToolRegistry()
	}
	if deps.MaxDepth < 1 {
		deps.MaxDepth = 1
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	d := &Directory{deps: deps, byName: make(map[string]*Agent)}
	for _, spec := range registry.Agents() {
		agent, err := FromSpec(spec)
		if err != nil {
			return nil, err
		}
		for _, name := range agent.toolNames {
			if deps.Catalog.Get(name) == nil {
				deps.Logger.Warn("agent references an unknown tool",
					"agent", agent.Name,
					"tool", name,
				)
			}
		}
		d.agents = append(d.agents, agent)
		d.byName[agent.Name] = agent
	}
	return d, nil
}

// Get returns the named agent or nil.
func (d *Directory) Get(name string) *Agent {
	return d.byName[name]
}

// Names returns the agent names in catalog order.
func (d *Directory) Names() []string {
	names := make([]string, len(d.agents))
	for i, agent := range d.agents {
		names[i] = agent.Name
	}
	return names
}

// Tools returns every agent as a tool, for the top-level catalog.
func (d *Directory) Tools() []tools.Tool {
	out := make([]tools.Tool, len(d.agents))
	for i, agent := range d.agents {
		out[i] = agent.AsTool(d)
	}
	return out
}

// Invoke runs the named agent on params within the conversation scope of ctx.
// The returned text is what the calling model sees as the tool result.
func (d *Directory) Invoke(ctx context.Context, name string, params map[string]interface{}) (string, error) {
	agent := d.byName[name]
	if agent == nil {
		return "", &domain.NotFoundError{Message: fmt.Sprintf("unknown agent: %s", name)}
	}

	depth := Depth(ctx)
	if depth >= d.deps.MaxDepth {
		return "", &domain.AgentDepthError{Agent: name, Limit: d.deps.MaxDepth}
	}
	scope, ok := tools.ScopeFrom(ctx)
	if !ok {
		return "", errNoScope
	}

	input, err := renderParameters(params)
	if err != nil {
		return "", err
	}

	history, err := d.deps.Histories.Load(ctx, name, scope.ConversationID)
	if err != nil {
		return "", fmt.Errorf("load history of agent %s: %w", name, err)
	}

	remaining := d.deps.MaxDepth - depth - 1
	system, err := agent.renderPrompt(d.deps.Now(), remaining, d.others(name))
	if err != nil {
		return "", err
	}

	user := llm.NewUserMessage(scope.ConversationID, scope.AuthorID, []llm.ContentPart{
		llm.NewTextPart(0, taskInstruction),
		llm.NewTextPart(1, "Input parameters:\n"+input),
	})
	messages := append(history[:len(history):len(history)], user)

	model := agent.Model
	if model == "" {
		model = d.deps.Model
	}

	start := time.Now()
	outcome, err := d.deps.Runner.Run(withDepth(ctx, depth+1), &orchestrator.RunInput{
		Model:    model,
		System:   system,
		Messages: messages,
		Tools:    d.toolsFor(agent, remaining),
	})
	if err != nil {
		return "", fmt.Errorf("agent %s: %w", name, err)
	}

	d.deps.Logger.Info("agent finished",
		"agent", name,
		"conversation_id", scope.ConversationID,
		"depth", depth+1,
		"steps", outcome.Steps,
		"finish_reason", outcome.FinishReason,
		"duration", time.Since(start),
	)

	if outcome.EndedOnToolCall() {
		return abruptPrefix + outcome.Text, nil
	}

	// Only this exchange is appended; a sibling call of the same agent may have
	// finished since the history was loaded.
	exchange := append([]llm.Message{user}, outcome.ResponseMessages...)
	if err := d.deps.Histories.Append(ctx, name, scope.ConversationID, exchange); err != nil {
		d.deps.Logger.Error("failed to save agent history",
			"agent", name,
			"conversation_id", scope.ConversationID,
			"error", err,
		)
	}
	return answerPrefix + outcome.Text, nil
}

// toolsFor assembles an agent's tools: its builtin subset, plus run_agent while
// nested calls remain.
func (d *Directory) toolsFor(agent *Agent, remaining int) *tools.ToolRegistry {
	registry := d.deps.Catalog.Subset(agent.toolNames)
	others := d.others(agent.Name)
	if remaining > 0 && len(others) > 0 {
		registry.Register(d.runAgentTool(others))
	}
	return registry
}

func (d *Directory) others(name string) []*Agent {
	out := make([]*Agent, 0, len(d.agents))
	for _, agent := range d.agents {
		if agent.Name != name {
			out = append(out, agent)
		}
	}
	return out
}

// runAgentTool delegates to one of others by name.
func (d *Directory) runAgentTool(others []*Agent) tools.Tool {
	names := make([]interface{}, len(others))
	for i, agent := range others {
		names[i] = agent.Name
	}

	descriptor := llm.ToolDescriptor{
		Name:        RunAgentTool,
		Description: "Run any agent you have access to",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]interface{}{
					"type":        "string",
					"enum":        names,
					"description": "Name of the agent to run",
				},
				"args": map[string]interface{}{
					"type":        "object",
					"description": "Input parameters matching the agent's schema",
				},
			},
			"required":             []interface{}{"name", "args"},
			"additionalProperties": false,
		},
	}

	return tools.NewFuncTool(descriptor, func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		name, _ := input["name"].(string)
		args, _ := input["args"].(map[string]interface{})
		if agent := d.byName[name]; agent != nil {
			if err := tools.ValidateArgs(agent.Descriptor(), args); err != nil {
				return nil, err
			}
		}
		return d.Invoke(ctx, name, args)
	})
}

// renderParameters renders agent input as YAML within the size limit.
func renderParameters(params map[string]interface{}) (string, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	out, err := yaml.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("render agent parameters: %w", err)
	}
	if len(out) > config.MaxAgentParameterBytes {
		return "", &domain.ValidationError{
			Message: fmt.Sprintf("agent parameters exceed %d bytes", config.MaxAgentParameterBytes),
		}
	}
	return string(out), nil
}
