package llm

import "context"

type Tool struct {
	Name        string
	Description string
	Schema      any
}

// Context is one completion request. Messages use the chat wire shape
// built by ChatMessages.
type Context struct {
	Messages []map[string]any
	// Tools is empty on the final round so the model has to answer.
	Tools []Tool
	// MaxTokens overrides the adapter's configured cap when positive.
	MaxTokens int
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
	ToolCalls    []ToolCall
}

// LLMAdapter is a chat-completion backend with tool calling.
type LLMAdapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	MapTools(tools []Tool) (providerTools any, err error)
	FromProviderFormat(raw any) (Response, error)
	Name() string
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}
