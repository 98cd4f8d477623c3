package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/harunnryd/callcore/pkg/llm"
)

// ToolHandler executes one tool call for a caller.
type ToolHandler func(ctx context.Context, tc llm.ToolContext, args map[string]any) (llm.ToolResult, error)

// FuncRegistry is an llm.ToolRegistry backed by handler functions.
type FuncRegistry struct {
	mu       sync.RWMutex
	tools    []llm.Tool
	handlers map[string]ToolHandler
}

func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{handlers: make(map[string]ToolHandler)}
}

// Register declares tool and binds its handler, replacing any earlier
// registration of the same name.
func (r *FuncRegistry) Register(tool llm.Tool, h ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[tool.Name]; ok {
		for i := range r.tools {
			if r.tools[i].Name == tool.Name {
				r.tools[i] = tool
			}
		}
	} else {
		r.tools = append(r.tools, tool)
	}
	r.handlers[tool.Name] = h
}

func (r *FuncRegistry) Tools() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]llm.Tool(nil), r.tools...)
}

func (r *FuncRegistry) HandleTool(ctx context.Context, tc llm.ToolContext, call llm.ToolCall) (llm.ToolResult, error) {
	r.mu.RLock()
	h := r.handlers[call.Name]
	r.mu.RUnlock()
	if h == nil {
		return llm.ToolResult{CallID: call.ID, Name: call.Name}, fmt.Errorf("unknown tool %q", call.Name)
	}
	res, err := h(ctx, tc, call.Arguments)
	res.CallID = call.ID
	res.Name = call.Name
	return res, err
}

// RequiredString reads a non-empty string argument.
func RequiredString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("invalid %s", key)
	}
	return s, nil
}

var _ llm.ToolRegistry = (*FuncRegistry)(nil)
