// Package tool implements the CRM actions the model may invoke.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"crm-copilot/internal/domain"
)

// Tool is a single CRM action.
type Tool interface {
	Name() string
	Description() string
	Schema() domain.ToolSchema
	// Execute runs the action with arguments that already passed the schema.
	Execute(ctx context.Context, args json.RawMessage) (*domain.ToolExecutionResult, error)
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema // nil when the tool declares no parameters
}

// Registry holds named tools and validates arguments against their JSON
// Schema before execution. It implements domain.ToolExecutor.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]registered
	logger *slog.Logger
}

var _ domain.ToolExecutor = (*Registry)(nil)

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		tools:  make(map[string]registered),
		logger: logger,
	}
}

// Register adds a tool. It fails when the name is taken or the parameter
// schema does not compile.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	schema, err := compileSchema(name, t.Schema().Parameters)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = registered{tool: t, schema: schema}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	url := name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	return compiled, nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t.tool, nil
}

// Execute validates args and runs the named tool. Malformed or
// schema-violating arguments fail with *domain.ArgumentParseError.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*domain.ToolExecutionResult, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("Registry.Execute", domain.ErrToolNotFound, name)
	}

	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	if entry.schema != nil {
		var v any
		if err := json.Unmarshal(args, &v); err != nil {
			return nil, &domain.ArgumentParseError{Tool: name, Err: err}
		}
		if err := entry.schema.Validate(v); err != nil {
			r.logger.Debug("tool arguments rejected", "tool", name, "error", err)
			return nil, &domain.ArgumentParseError{Tool: name, Err: schemaError(err)}
		}
	}

	return entry.tool.Execute(ctx, args)
}

// schemaError flattens a validation error into its leaf messages.
func schemaError(err error) error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err
	}
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
}

// Schemas returns the function-calling schema of every tool, sorted by name.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, t.tool.Schema())
	}
	slices.SortFunc(schemas, func(a, b domain.ToolSchema) int { return strings.Compare(a.Name, b.Name) })
	return schemas
}
