package agents

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"raven/internal/capabilities"
	"raven/internal/domain/models/llm"
	"raven/internal/service/llm/tools"
)

// Agent is a sub-assistant with its own prompt, tools and private history.
type Agent struct {
	Name        string
	Description string
	Model       string // Empty uses the directory model
	Parameters  map[string]interface{}

	prompt    *template.Template
	toolNames []string
}

// promptData is what an agent system prompt template can reference.
type promptData struct {
	Name   string
	Now    string
	Depth  int    // Nested agent calls still allowed
	Agents string // The other agents, one "name: description" per entry
}

// FromSpec builds an agent from its catalog definition.
func FromSpec(spec capabilities.AgentSpec) (*Agent, error) {
	prompt, err := template.New(spec.Name).Option("missingkey=error").Parse(spec.SystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt of agent %s: %w", spec.Name, err)
	}
	return &Agent{
		Name:        spec.Name,
		Description: spec.Description,
		Model:       spec.Model,
		Parameters:  spec.Parameters,
		prompt:      prompt,
		toolNames:   append([]string(nil), spec.Tools...),
	}, nil
}

// Descriptor describes the agent as a tool.
func (a *Agent) Descriptor() llm.ToolDescriptor {
	return llm.ToolDescriptor{
		Name:        a.Name,
		Description: a.Description,
		Parameters:  a.Parameters,
	}
}

// ToolNames returns the builtin tools the agent may call.
func (a *Agent) ToolNames() []string {
	return append([]string(nil), a.toolNames...)
}

// AsTool exposes the agent to a model. Calls go through the directory.
func (a *Agent) AsTool(dir *Directory) tools.Tool {
	return tools.NewFuncTool(a.Descriptor(), func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		return dir.Invoke(ctx, a.Name, input)
	})
}

func (a *Agent) renderPrompt(now time.Time, remaining int, others []*Agent) (string, error) {
	lines := make([]string, 0, len(others))
	for _, other := range others {
		lines = append(lines, fmt.Sprintf("%s: %s", other.Name, strings.TrimSpace(other.Description)))
	}

	var b strings.Builder
	err := a.prompt.Execute(&b, promptData{
		Name:   a.Name,
		Now:    now.Format(time.RFC1123),
		Depth:  remaining,
		Agents: strings.Join(lines, "\n"),
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt of agent %s: %w", a.Name, err)
	}
	return b.String(), nil
}
