package turn

import (
	"strings"

	"github.com/harunnryd/callcore/pkg/tenant"
)

// DefaultPromptTemplate is filled from tenant configuration. Placeholders:
// {{agent_name}}, {{business_name}}, {{industry}}, {{tone}}, {{verbosity}},
// {{empathy}}.
const DefaultPromptTemplate = `You are {{agent_name}}, the phone receptionist for {{business_name}}, a {{industry}} business.
You are speaking with a caller over the phone, so keep every reply short and natural to say out loud. Never use lists, markdown, or emojis.
{{tone}}
{{verbosity}}
{{empathy}}
Help callers book appointments and answer questions about the business. If the caller asks for a person or you cannot help, use the transfer_to_human tool.`

var toneLines = map[string]string{
	"friendly":     "Speak in a warm, friendly and upbeat tone.",
	"professional": "Speak in a polished, professional tone.",
	"casual":       "Speak in a relaxed, casual tone.",
	"formal":       "Speak formally and courteously.",
}

var verbosityLines = map[string]string{
	"concise":  "Answer in one or two short sentences.",
	"balanced": "Answer in a few sentences, adding detail only when asked.",
	"detailed": "Give complete answers, but stay under four sentences.",
}

var empathyLines = map[string]string{
	"high":   "Acknowledge the caller's feelings and reassure them before solving the problem.",
	"medium": "Be understanding when the caller describes a problem.",
	"low":    "Stay focused on solving the caller's request.",
}

// BuildSystemPrompt substitutes tenant settings into tpl, or the default
// template when tpl is empty.
func BuildSystemPrompt(t tenant.Tenant, tpl string) string {
	if strings.TrimSpace(tpl) == "" {
		tpl = DefaultPromptTemplate
	}
	r := strings.NewReplacer(
		"{{agent_name}}", orDefault(t.AgentName, "the assistant"),
		"{{business_name}}", orDefault(t.BusinessName, "our business"),
		"{{industry}}", orDefault(t.Industry, "local service"),
		"{{tone}}", lineFor(toneLines, t.Personality.Tone, "friendly"),
		"{{verbosity}}", lineFor(verbosityLines, t.Personality.Verbosity, "concise"),
		"{{empathy}}", lineFor(empathyLines, t.Personality.Empathy, "medium"),
	)
	return r.Replace(tpl)
}

// Greeting is the tenant's configured greeting or a generated one.
func Greeting(t tenant.Tenant) string {
	if g := strings.TrimSpace(t.Greeting); g != "" {
		return g
	}
	agent := orDefault(t.AgentName, "the virtual assistant")
	return "Thanks for calling " + orDefault(t.BusinessName, "us") + ", this is " + agent + ". How can I help you today?"
}

func lineFor(lines map[string]string, key, fallback string) string {
	if l, ok := lines[strings.ToLower(strings.TrimSpace(key))]; ok {
		return l
	}
	return lines[fallback]
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
