package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nugget/trialmatch/internal/llm"
)

// ToolCall is a validated request to run one tool. ID is the
// correlation identifier the model assigned; Iteration is the loop
// iteration that requested it.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	Iteration int            `json:"iteration"`
}

type entry struct {
	def     ToolDefinition
	schema  *jsonschema.Schema
	handler Handler
}

// Registry holds the tool menu and the handler bound to each tool.
// Lookups are safe for concurrent use by any number of runs.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool and the handler that serves it. The input schema
// is compiled once here. Registering a name twice is an error.
func (r *Registry) Register(def ToolDefinition, h Handler) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	if h == nil {
		return fmt.Errorf("tool %q: nil handler", def.Name)
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[def.Name]; dup {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.entries[def.Name] = &entry{def: def, schema: schema, handler: h}
	r.order = append(r.order, def.Name)
	return nil
}

// ListTools returns the definitions in registration order.
func (r *Registry) ListTools() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, len(r.order))
	for i, name := range r.order {
		out[i] = r.entries[name].def
	}
	return out
}

// Specs returns the tool menu in the shape model providers expect.
func (r *Registry) Specs() []llm.ToolSpec {
	defs := r.ListTools()
	out := make([]llm.ToolSpec, len(defs))
	for i, d := range defs {
		out[i] = llm.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Schema(),
		}
	}
	return out
}

// Validate checks raw input against the named tool's schema. It
// returns *ToolNotFoundError for an unknown name and
// *ToolValidationError for a schema violation. Validation has no side
// effects; the returned call owns a copy of raw.
func (r *Registry) Validate(name string, raw map[string]any) (ToolCall, error) {
	e, ok := r.lookup(name)
	if !ok {
		return ToolCall{}, &ToolNotFoundError{Name: name}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	inst, err := toInstance(raw)
	if err != nil {
		return ToolCall{}, &ToolValidationError{Tool: name, Reason: err.Error()}
	}
	if err := e.schema.Validate(inst); err != nil {
		return ToolCall{}, &ToolValidationError{Tool: name, Reason: validationReason(err)}
	}

	return ToolCall{Name: name, Input: maps.Clone(raw)}, nil
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

func compileSchema(def ToolDefinition) (*jsonschema.Schema, error) {
	doc, err := toInstance(def.Schema())
	if err != nil {
		return nil, err
	}
	url := "mem://tools/" + def.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// toInstance round-trips v through JSON so numbers arrive as
// json.Number, the representation the validator expects.
func toInstance(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("input is not JSON-encodable: %w", err)
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// validationReason flattens the validator's multi-line report into a
// single line the model can read.
func validationReason(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	lines := strings.Split(strings.TrimSpace(ve.Error()), "\n")
	if len(lines) > 1 {
		lines = lines[1:]
	}
	for i, l := range lines {
		lines[i] = strings.TrimPrefix(strings.TrimSpace(l), "- ")
	}
	return strings.Join(lines, "; ")
}
