package capabilities

import (
	"embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config/*.yaml
var configFiles embed.FS

const defaultAgentFile = "config/agents.yaml"

// Registry holds the agent catalog in definition order.
type Registry struct {
	agents []AgentSpec
	byName map[string]int
	mu     sync.RWMutex
}

// NewRegistry loads the embedded agent catalog.
func NewRegistry() (*Registry, error) {
	data, err := configFiles.ReadFile(defaultAgentFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", defaultAgentFile, err)
	}
	return Parse(data)
}

// LoadFile loads an agent catalog from disk, replacing the embedded one.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML agent catalog.
func Parse(data []byte) (*Registry, error) {
	var file AgentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent catalog: %w", err)
	}

	r := &Registry{byName: make(map[string]int, len(file.Agents))}
	for _, spec := range file.Agents {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("agent %s: %w", spec.Name, err)
		}
		r.byName[spec.Name] = len(r.agents)
		r.agents = append(r.agents, spec)
	}
	return r, nil
}

// Get returns the named agent.
func (r *Registry) Get(name string) (*AgentSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", name)
	}
	spec := r.agents[i]
	return &spec, nil
}

// Agents returns every agent in definition order.
func (r *Registry) Agents() []AgentSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentSpec, len(r.agents))
	copy(out, r.agents)
	return out
}

// Names returns the agent names in definition order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.agents))
	for i, spec := range r.agents {
		names[i] = spec.Name
	}
	return names
}
