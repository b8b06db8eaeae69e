package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	reflectschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"raven/internal/domain"
	"raven/internal/domain/models/llm"
)

var (
	// DoNotReference inlines the root and nested types, which also works for
	// unnamed structs that have no definition to expand.
	reflector = &reflectschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}

	reflectedSchemas sync.Map // reflect.Type -> map[string]interface{}
	compiledSchemas  sync.Map // canonical schema JSON -> *jsonschema.Schema
)

// SchemaFor reflects the JSON schema of an argument struct. Fields without
// `omitempty` are required; descriptions come from `jsonschema_description` tags.
func SchemaFor[T any]() map[string]interface{} {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if cached, ok := reflectedSchemas.Load(typ); ok {
		return cloneSchema(cached.(map[string]interface{}))
	}

	raw, err := json.Marshal(reflector.ReflectFromType(typ))
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema for %s: %v", typ, err))
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		panic(fmt.Sprintf("tools: decode schema for %s: %v", typ, err))
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	delete(schema, "$defs")
	if schema["type"] == nil {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]interface{}{}
	}

	reflectedSchemas.Store(typ, schema)
	return cloneSchema(schema)
}

// DecodeArgs converts validated tool input into a typed argument struct.
func DecodeArgs[T any](input map[string]interface{}) (T, error) {
	var args T
	raw, err := json.Marshal(input)
	if err != nil {
		return args, fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("decode arguments: %w", err)
	}
	return args, nil
}

// ValidateArgs checks arguments against a descriptor schema outside a registry call.
func ValidateArgs(descriptor llm.ToolDescriptor, input map[string]interface{}) error {
	return validateInput(descriptor, input)
}

// validateInput checks tool input against the descriptor schema.
// Mismatches are reported as *domain.ToolArgumentError.
func validateInput(descriptor llm.ToolDescriptor, input map[string]interface{}) error {
	if len(descriptor.Parameters) == 0 {
		return nil
	}

	schema, err := compileSchema(descriptor.Name, descriptor.Parameters)
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", descriptor.Name, err)
	}

	if err := schema.Validate(toJSONValue(input)); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &domain.ToolArgumentError{Tool: descriptor.Name, Problems: problems(verr)}
		}
		return &domain.ToolArgumentError{Tool: descriptor.Name, Problems: []string{err.Error()}}
	}
	return nil
}

func compileSchema(name string, parameters map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(parameters)
	if err != nil {
		return nil, err
	}
	key := string(raw)
	if cached, ok := compiledSchemas.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	compiledSchemas.Store(key, compiled)
	return compiled, nil
}

// problems flattens a validation error tree into leaf messages.
func problems(verr *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			location := e.InstanceLocation
			if location == "" {
				location = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", location, e.Message))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	sort.Strings(out)
	if len(out) == 0 {
		out = append(out, strings.TrimSpace(verr.Error()))
	}
	return out
}

// toJSONValue normalises Go values into the shapes encoding/json produces.
func toJSONValue(input map[string]interface{}) interface{} {
	if input == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return input
	}
	return out
}

func cloneSchema(schema map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(schema)
	if err != nil {
		return schema
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return schema
	}
	return out
}
