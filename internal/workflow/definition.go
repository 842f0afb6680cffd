package workflow

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition is the declarative description of a workflow DAG. It is a value
// object: once published as part of a WorkflowVersion it is never mutated,
// edits require a new version.
type Definition struct {
	// Steps declares the nodes of the DAG. Step keys are unique.
	Steps []Step `json:"steps" yaml:"steps"`

	// Edges declares directed, optionally conditional transitions.
	Edges []Edge `json:"edges" yaml:"edges"`

	// Entry is the key of the step execution starts at.
	Entry string `json:"entry" yaml:"entry"`

	// Metadata carries optional display information about the definition.
	Metadata *Metadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Tools holds named tool templates resolvable by toolCall steps.
	Tools *ToolSection `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// Step declares one unit of work inside the DAG.
type Step struct {
	Key         string         `json:"key" yaml:"key"`
	Type        string         `json:"type" yaml:"type"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
}

// Edge is a directed transition between two steps. When is an optional
// condition in the restricted expression grammar; an empty When always fires.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// Metadata describes a definition for humans and for metadata.* condition paths.
type Metadata struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int    `json:"version,omitempty" yaml:"version,omitempty"`
}

// ToolSection groups the tool templates embedded in a definition.
type ToolSection struct {
	Templates []ToolTemplate `json:"templates,omitempty" yaml:"templates,omitempty"`
}

// ToolTemplate is a named, reusable tool invocation embedded in a
// definition. toolCall steps resolve templates by name and may narrow the
// config; AllowedDomains restricts which hosts HTTP-shaped tools may reach.
type ToolTemplate struct {
	Name           string         `json:"name" yaml:"name"`
	ToolType       string         `json:"toolType" yaml:"toolType"`
	Config         map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	AllowedDomains []string       `json:"allowedDomains,omitempty" yaml:"allowedDomains,omitempty"`
}

// ParseDefinition decodes a JSON definition document.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	return &def, nil
}

// ParseDefinitionYAML decodes a YAML definition document. YAML is accepted
// for hand-authored definitions on the CLI; the persisted form is JSON.
func ParseDefinitionYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition YAML: %w", err)
	}
	normalizeYAMLValues(&def)
	return &def, nil
}

// Encode serializes the definition to its persisted JSON form.
func (d *Definition) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// GetStep returns the step declared under key, or nil.
func (d *Definition) GetStep(key string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Key == key {
			return &d.Steps[i]
		}
	}
	return nil
}

// GetTemplate returns the tool template declared under name, or nil.
func (d *Definition) GetTemplate(name string) *ToolTemplate {
	if d.Tools == nil {
		return nil
	}
	for i := range d.Tools.Templates {
		if d.Tools.Templates[i].Name == name {
			return &d.Tools.Templates[i]
		}
	}
	return nil
}

// OutgoingEdges returns the edges leaving the given step, in declaration order.
func (d *Definition) OutgoingEdges(key string) []Edge {
	var out []Edge
	for _, edge := range d.Edges {
		if edge.From == key {
			out = append(out, edge)
		}
	}
	return out
}

// MetadataMap exposes definition metadata for metadata.* condition paths.
func (d *Definition) MetadataMap() map[string]any {
	if d.Metadata == nil {
		return map[string]any{}
	}
	return map[string]any{
		"name":        d.Metadata.Name,
		"description": d.Metadata.Description,
		"version":     float64(d.Metadata.Version),
	}
}

// normalizeYAMLValues rewrites yaml.v3 map[any]any values into the
// map[string]any shape the schema validator and interpolator expect.
func normalizeYAMLValues(def *Definition) {
	for i := range def.Steps {
		def.Steps[i].Config = normalizeMap(def.Steps[i].Config)
	}
	if def.Tools != nil {
		for i := range def.Tools.Templates {
			def.Tools.Templates[i].Config = normalizeMap(def.Tools.Templates[i].Config)
		}
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeMap(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case int:
		return float64(val)
	default:
		return v
	}
}
