package llm

import "context"

// ToolRegistry declares tools to the model and executes the calls it makes.
type ToolRegistry interface {
	Tools() []Tool
	HandleTool(ctx context.Context, tc ToolContext, call ToolCall) (ToolResult, error)
}
