// Package tools defines the tools available to the agent: a registry of
// schema-described handlers and the task tools registered on it.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Handler executes a tool with already validated arguments. The owner
// to act for comes from call, never from args.
type Handler func(ctx context.Context, call CallContext, args json.RawMessage) (any, error)

// Typed adapts a handler taking a decoded argument struct. Arguments
// that pass schema validation but do not fit A are reported as
// validation errors.
func Typed[A any](fn func(ctx context.Context, call CallContext, args A) (any, error)) Handler {
	return func(ctx context.Context, call CallContext, raw json.RawMessage) (any, error) {
		var args A
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, &Error{Kind: KindValidation, Message: "arguments do not match the tool schema", Err: err}
		}
		return fn(ctx, call, args)
	}
}

// Tool is a registered, callable tool.
type Tool struct {
	Name    string
	Schema  Schema
	Handler Handler

	validator *gojsonschema.Schema
}

// Descriptor is what the completion engine is told about a tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Mutating    bool           `json:"mutating"`
}

// Registry holds available tools. It caches no task state; every call
// goes through to the handler's store.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Names must be unique and the schema must
// compile.
func (r *Registry) Register(name string, schema Schema, handler Handler) error {
	if name == "" || handler == nil {
		return fmt.Errorf("register tool %q: name and handler are required", name)
	}
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("register tool %q: already registered", name)
	}
	v, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema.JSONSchema()))
	if err != nil {
		return fmt.Errorf("register tool %q: compile schema: %w", name, err)
	}
	r.tools[name] = &Tool{Name: name, Schema: schema, Handler: handler, validator: v}
	return nil
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// IsMutating reports whether the named tool changes state. Unknown
// tools are treated as mutating so they are never run concurrently.
func (r *Registry) IsMutating(name string) bool {
	t := r.tools[name]
	return t == nil || t.Schema.Mutating
}

// List returns tool descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Descriptor{
			Name:        t.Name,
			Description: t.Schema.Description,
			Parameters:  t.Schema.JSONSchema(),
			Mutating:    t.Schema.Mutating,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions returns the descriptors in the function-calling format
// the LLM providers consume.
func (r *Registry) Definitions() []map[string]any {
	list := r.List()
	result := make([]map[string]any, 0, len(list))
	for _, d := range list {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Parameters,
			},
		})
	}
	return result
}

// Execute runs the named tool for call.OwnerID. Identity keys in args
// are discarded, the remainder is validated against the tool's schema,
// and only then is the handler invoked. Failures are returned as *Error.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, call CallContext) (any, error) {
	tool := r.tools[name]
	if tool == nil {
		return nil, &Error{Kind: KindUnknownTool, Tool: name, Message: fmt.Sprintf("no tool named %q", name)}
	}
	if call.OwnerID == "" {
		return nil, &Error{Kind: KindOwnership, Tool: name, Message: "no verified owner for this call"}
	}

	fields := map[string]json.RawMessage{}
	if trimmed := strings.TrimSpace(string(args)); trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal(args, &fields); err != nil {
			return nil, &Error{Kind: KindValidation, Tool: name, Message: "arguments must be a JSON object", Err: err}
		}
	}

	if removed := stripOwnerKeys(fields); len(removed) > 0 {
		r.logger.Warn("identity in tool arguments overridden",
			"tool", name,
			"keys", removed,
			"owner_id", call.OwnerID,
			"conversation_id", call.ConversationID)
	}

	clean, err := json.Marshal(fields)
	if err != nil {
		return nil, AsError(name, err)
	}

	res, err := tool.validator.Validate(gojsonschema.NewBytesLoader(clean))
	if err != nil {
		return nil, &Error{Kind: KindValidation, Tool: name, Message: "arguments could not be validated", Err: err}
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, &Error{Kind: KindValidation, Tool: name, Message: strings.Join(msgs, "; ")}
	}

	r.logger.Debug("executing tool", "tool", name, "owner_id", call.OwnerID)

	out, err := tool.Handler(ctx, call, clean)
	if err != nil {
		return nil, AsError(name, err)
	}
	return out, nil
}
