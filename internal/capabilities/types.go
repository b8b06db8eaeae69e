package capabilities

import (
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

var agentNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// AgentSpec is one agent definition of the catalog.
type AgentSpec struct {
	// Agent name (set during YAML unmarshaling from the map key)
	Name string `yaml:"-" json:"name"`

	Description string `yaml:"description" json:"description"`

	// Model overrides the configured agent model when set
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// SystemPrompt is a text/template rendered per invocation with
	// .Name, .Now, .Depth and .Agents
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	// Tools names the builtin tools the agent may call
	Tools []string `yaml:"tools" json:"tools"`

	// Parameters is the JSON schema of the agent's input
	Parameters map[string]interface{} `yaml:"parameters" json:"parameters"`
}

func (a AgentSpec) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Name, validation.Required, validation.Match(agentNamePattern)),
		validation.Field(&a.Description, validation.Required),
		validation.Field(&a.SystemPrompt, validation.Required),
		validation.Field(&a.Parameters, validation.Required, validation.By(objectSchema)),
	)
}

func objectSchema(value interface{}) error {
	schema, _ := value.(map[string]interface{})
	if schema["type"] != "object" {
		return fmt.Errorf("must be a JSON schema of type object")
	}
	return nil
}

// AgentFile is the YAML document holding the agent catalog.
type AgentFile struct {
	Version int         `yaml:"version" json:"version"`
	Agents  []AgentSpec `yaml:"-" json:"agents"` // Ordered slice, populated by custom unmarshaler
}

// UnmarshalYAML preserves the agent order of the YAML file.
func (f *AgentFile) UnmarshalYAML(node *yaml.Node) error {
	type agentsOnly struct {
		Version int                  `yaml:"version"`
		Agents  map[string]AgentSpec `yaml:"agents"`
	}
	var decoded agentsOnly
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	f.Version = decoded.Version

	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "agents" {
			continue
		}
		agentsNode := node.Content[i+1]
		for j := 0; j+1 < len(agentsNode.Content); j += 2 {
			name := agentsNode.Content[j].Value
			if spec, ok := decoded.Agents[name]; ok {
				spec.Name = name
				f.Agents = append(f.Agents, spec)
			}
		}
		break
	}
	return nil
}
