package tools

// ParamType is a JSON Schema primitive type.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Param declares one input field of a tool.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required,omitempty"`

	// Enum restricts a string field to the listed values.
	Enum []string `json:"enum,omitempty"`

	// Items is the element type of an array field. Empty allows any.
	Items ParamType `json:"items,omitempty"`

	// Properties declares the fields of an object field. Empty allows
	// any object.
	Properties []Param `json:"properties,omitempty"`
}

// ToolDefinition describes a tool to the model and to the validator.
// Definitions are static once registered.
type ToolDefinition struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
}

// Schema renders the definition's input as a JSON Schema object.
func (d ToolDefinition) Schema() map[string]any {
	return objectSchema(d.Params)
}

func objectSchema(params []Param) map[string]any {
	props := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		props[p.Name] = p.schema()
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       string(TypeObject),
		"properties": props,
		"required":   required,
	}
}

func (p Param) schema() map[string]any {
	var s map[string]any
	if p.Type == TypeObject && len(p.Properties) > 0 {
		s = objectSchema(p.Properties)
	} else {
		s = map[string]any{"type": string(p.Type)}
	}
	if p.Description != "" {
		s["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		enum := make([]any, len(p.Enum))
		for i, v := range p.Enum {
			enum[i] = v
		}
		s["enum"] = enum
	}
	if p.Type == TypeArray && p.Items != "" {
		s["items"] = map[string]any{"type": string(p.Items)}
	}
	return s
}
