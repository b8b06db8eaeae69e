package llm

import (
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ToolDescriptor is the model-facing description of a callable tool or agent.
type ToolDescriptor struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	Parameters  map[string]interface{} `json:"parameters" yaml:"parameters"`
}

// EmbeddingSubject is the text embedded into the tools namespace of the vector index.
// encoding/json sorts map keys, which keeps the schema rendering canonical.
func (d ToolDescriptor) EmbeddingSubject() string {
	schema, err := json.Marshal(d.Parameters)
	if err != nil {
		schema = []byte("{}")
	}
	return fmt.Sprintf("%s: %s\n%s", d.Name, d.Description, schema)
}

func (d ToolDescriptor) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Name, validation.Required, validation.Length(1, 64)),
		validation.Field(&d.Description, validation.Required),
		validation.Field(&d.Parameters, validation.Required),
	)
}
