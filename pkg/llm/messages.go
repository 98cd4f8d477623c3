package llm

import "time"

// Role identifies the speaker of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a call's conversation history.
type Message struct {
	Role Role
	Text string
	At   time.Time
}

// ToolContext identifies the call a tool runs on behalf of.
type ToolContext struct {
	TenantID        string
	CallID          string
	CallerPhone     string
	EscalationPhone string
}

// ToolResult is the outcome of one executed tool call.
type ToolResult struct {
	CallID  string
	Name    string
	Success bool
	Output  string
	Data    map[string]any
}

// ChatMessages renders history behind a system prompt in the
// role/content shape chat-completion APIs expect.
func ChatMessages(systemPrompt string, history []Message) []map[string]any {
	out := make([]map[string]any, 0, len(history)+1)
	if systemPrompt != "" {
		out = append(out, map[string]any{"role": string(RoleSystem), "content": systemPrompt})
	}
	for _, m := range history {
		if m.Text == "" {
			continue
		}
		out = append(out, map[string]any{"role": string(m.Role), "content": m.Text})
	}
	return out
}
