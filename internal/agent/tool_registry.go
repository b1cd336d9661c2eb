package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tkleisas/forge/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolRegistry manages available tools with thread-safe registration and
// lookup. Tools are registered by name and can be retrieved for execution
// during an agent loop.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates a new empty tool registry ready for tool
// registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry by its name and compiles its JSON
// schema so future Execute calls can validate arguments before dispatch.
// If a tool with the same name already exists, it is replaced. A tool whose
// schema fails to compile is registered without validation and Execute will
// skip the validation step for it.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	r.tools[name] = tool
	delete(r.schemas, name)

	raw, err := json.Marshal(tool.Schema())
	if err != nil {
		return
	}
	compiler := jsonschema.NewCompiler()
	resource := "tool:" + name
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return
	}
	r.schemas[name] = schema
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Execute runs a tool by name with the given JSON parameters. Arguments are
// validated against the tool's compiled schema before dispatch per the
// atomic tool substrate's contract: malformed or schema-violating input
// never reaches a tool's Execute method.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content:   fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError:   true,
			ErrorCode: string(models.ErrCodeInvalidInput),
		}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content:   fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError:   true,
			ErrorCode: string(models.ErrCodeInvalidInput),
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{
			Content:   "tool not found: " + name,
			IsError:   true,
			ErrorCode: string(models.ErrCodeInvalidInput),
		}, nil
	}

	if schema != nil {
		var decoded any
		if err := json.Unmarshal(params, &decoded); err != nil {
			return &ToolResult{
				Content:   fmt.Sprintf("tool arguments are not valid JSON: %v", err),
				IsError:   true,
				ErrorCode: string(models.ErrCodeInvalidInput),
			}, nil
		}
		if err := schema.Validate(decoded); err != nil {
			return &ToolResult{
				Content:   fmt.Sprintf("tool arguments failed schema validation: %v", err),
				IsError:   true,
				ErrorCode: string(models.ErrCodeInvalidInput),
			}, nil
		}
	}

	return tool.Execute(ctx, params)
}

// AsLLMTools returns all registered tools as a slice for passing to LLM
// providers.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}
