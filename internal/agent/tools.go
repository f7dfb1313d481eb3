package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/invopop/jsonschema"

	"github.com/tokligence/tokligence-chat/internal/openai"
)

// Tool is a function the model may call.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON schema of the arguments object.
	Schema() json.RawMessage
	// Call runs the tool. A string result is passed to the model verbatim;
	// anything else is sent as JSON.
	Call(ctx context.Context, args map[string]any) (any, error)
}

type typedTool[T any, R any] struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(context.Context, T) (R, error)
}

// NewTypedTool builds a Tool whose argument schema is reflected from T's json
// and jsonschema struct tags.
func NewTypedTool[T any, R any](name, description string, fn func(context.Context, T) (R, error)) Tool {
	return &typedTool[T, R]{name: name, description: description, schema: generateSchema[T](), fn: fn}
}

func (t *typedTool[T, R]) Name() string            { return t.name }
func (t *typedTool[T, R]) Description() string     { return t.description }
func (t *typedTool[T, R]) Schema() json.RawMessage { return t.schema }

func (t *typedTool[T, R]) Call(ctx context.Context, args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments for tool %s: %w", t.name, err)
	}
	var params T
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments for tool %s: %w", t.name, err)
	}
	return t.fn(ctx, params)
}

func generateSchema[T any]() json.RawMessage {
	var zero T
	// Unnamed types such as struct{} have no definition to expand; they are
	// inlined already.
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: reflect.TypeOf(zero).Name() != "",
	}
	schema := reflector.Reflect(zero)
	// Model APIs want a bare object schema.
	schema.Version = ""
	schema.ID = ""
	if schema.Type == "" {
		schema.Type = "object"
	}

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("failed to generate schema for type %T: %v", zero, err))
	}
	return data
}

// MultiplyArgs are the arguments of the multiply tool.
type MultiplyArgs struct {
	A int `json:"a" jsonschema:"required,description=First factor"`
	B int `json:"b" jsonschema:"required,description=Second factor"`
}

// Multiply returns the built-in multiply tool.
func Multiply() Tool {
	return NewTypedTool("multiply", "Multiply a and b.", func(_ context.Context, args MultiplyArgs) (int, error) {
		return args.A * args.B, nil
	})
}

// Builtins lists the tools chatd ships with.
func Builtins() []Tool {
	return []Tool{Multiply()}
}

// Registry is a named set of tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry returns a registry holding tools. Names must be unique.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("agent: tool name cannot be empty")
	}
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("agent: tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns a registry restricted to names.
func (r *Registry) Select(names []string) (*Registry, error) {
	out := &Registry{tools: make(map[string]Tool, len(names))}
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("agent: unknown tool %q", name)
		}
		out.tools[name] = t
	}
	return out, nil
}

// Definitions renders the tools in the chat completions format.
func (r *Registry) Definitions() []openai.Tool {
	defs := make([]openai.Tool, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		defs = append(defs, openai.Tool{
			Type: "function",
			Function: openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			},
		})
	}
	return defs
}
