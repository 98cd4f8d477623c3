// Package agent answers caller turns with a chat-completion model, running
// the tools the model asks for until it produces a spoken reply.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/callcore/pkg/errorsx"
	"github.com/harunnryd/callcore/pkg/fallback"
	"github.com/harunnryd/callcore/pkg/llm"
	"github.com/harunnryd/callcore/pkg/logging"
	"github.com/harunnryd/callcore/pkg/metrics"
	"github.com/harunnryd/callcore/pkg/redact"
	"github.com/harunnryd/callcore/pkg/resilience"
)

const (
	TransferToolName     = "transfer_to_human"
	DefaultMaxToolRounds = 3
)

// TransferTool is always declared to the model so it can ask for a human.
var TransferTool = llm.Tool{
	Name:        TransferToolName,
	Description: "Transfer the caller to a member of staff. Use when the caller asks for a person or you cannot help.",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{"type": "string"},
		},
	},
}

type Options struct {
	// MaxToolRounds bounds model calls that may request tools; one more
	// call without tools forces a spoken reply.
	MaxToolRounds int
	// MaxTokens caps every completion; zero leaves it to the adapter.
	MaxTokens int
	Retry     llm.RetryConfig

	// Breaker guards the adapter; nil uses the adapter's default.
	Breaker  *resilience.CircuitBreaker
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Reasoner implements fallback.Reasoner over an LLM adapter and a tool
// registry.
type Reasoner struct {
	adapter llm.LLMAdapter
	tools   llm.ToolRegistry
	opts    Options
	log     *slog.Logger
}

// New wraps adapter in a circuit breaker unless it already is one. tools
// may be nil.
func New(adapter llm.LLMAdapter, tools llm.ToolRegistry, opts Options) *Reasoner {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	if _, ok := adapter.(*llm.CircuitBreakerAdapter); !ok && adapter != nil {
		cb := llm.NewCircuitBreakerAdapter(adapter, opts.Breaker)
		cb.SetObserver(opts.Observer)
		adapter = cb
	}
	return &Reasoner{
		adapter: adapter,
		tools:   tools,
		opts:    opts,
		log:     logging.NewComponentLogger(opts.Logger, "agent"),
	}
}

func (r *Reasoner) Reason(ctx context.Context, in fallback.Input) (fallback.Reasoning, error) {
	if r.adapter == nil {
		return fallback.Reasoning{}, errors.New("agent: no llm adapter")
	}
	msgs := llm.ChatMessages(in.SystemPrompt, in.History)
	if !endsWithUtterance(in.History, in.Utterance) {
		msgs = append(msgs, map[string]any{"role": string(llm.RoleUser), "content": in.Utterance})
	}
	declared := r.declaredTools()

	var out fallback.Reasoning
	for round := 0; round <= r.opts.MaxToolRounds; round++ {
		input := llm.Context{Messages: msgs, MaxTokens: r.opts.MaxTokens}
		if round < r.opts.MaxToolRounds {
			input.Tools = declared
		}
		start := time.Now()
		resp, err := llm.Retry(ctx, r.opts.Retry, func(ctx context.Context) (llm.Response, error) {
			return r.adapter.Generate(ctx, input)
		})
		if err != nil {
			reason := errorsx.ReasonLLMGenerate
			if resilience.IsRateLimit(err) {
				reason = errorsx.ReasonLLMRateLimit
			}
			err = errorsx.Wrap(err, reason)
			r.log.Error("llm_generate_error",
				"call_id", in.Tools.CallID,
				"round", round,
				errorsx.Attr(err),
				"error", err,
			)
			return out, err
		}
		addUsage(&out.Usage, resp.Usage)
		r.log.Debug("llm_generated",
			"call_id", in.Tools.CallID,
			"round", round,
			"tool_calls", len(resp.ToolCalls),
			"latency", time.Since(start),
		)

		if len(resp.ToolCalls) == 0 {
			out.Text = resp.Text
			return out, nil
		}

		msgs = append(msgs, assistantToolCalls(resp))
		transfer := false
		for _, call := range resp.ToolCalls {
			res := r.runTool(ctx, in.Tools, call)
			out.ToolResults = append(out.ToolResults, res)
			msgs = append(msgs, map[string]any{
				"role":         string(llm.RoleTool),
				"tool_call_id": call.ID,
				"content":      toolContent(res),
			})
			if call.Name == TransferToolName {
				transfer = true
			}
		}
		if transfer {
			// The chain speaks the transfer notice; any text the model
			// produced alongside the call is kept.
			out.Text = resp.Text
			return out, nil
		}
	}
	return out, nil
}

func (r *Reasoner) declaredTools() []llm.Tool {
	var tools []llm.Tool
	if r.tools != nil {
		tools = append(tools, r.tools.Tools()...)
	}
	for _, t := range tools {
		if t.Name == TransferToolName {
			return tools
		}
	}
	return append(tools, TransferTool)
}

func (r *Reasoner) runTool(ctx context.Context, tc llm.ToolContext, call llm.ToolCall) llm.ToolResult {
	if call.Name == TransferToolName && !r.registryHandles(call.Name) {
		r.log.Info("tool_transfer_requested", "call_id", tc.CallID, "to", redact.Phone(tc.EscalationPhone))
		return llm.ToolResult{CallID: call.ID, Name: call.Name, Success: true, Output: "transfer requested"}
	}
	if r.tools == nil {
		return llm.ToolResult{CallID: call.ID, Name: call.Name, Output: "tool not available"}
	}
	res, err := r.tools.HandleTool(ctx, tc, call)
	if res.Name == "" {
		res.Name = call.Name
	}
	if res.CallID == "" {
		res.CallID = call.ID
	}
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonToolExecution)
		r.log.Warn("tool_execution_failed",
			"call_id", tc.CallID,
			"tool", call.Name,
			errorsx.Attr(err),
			"error", err,
		)
		res.Success = false
		if res.Output == "" {
			res.Output = "error: " + err.Error()
		}
		return res
	}
	r.log.Info("tool_executed", "call_id", tc.CallID, "tool", call.Name, "success", res.Success)
	return res
}

func (r *Reasoner) registryHandles(name string) bool {
	if r.tools == nil {
		return false
	}
	for _, t := range r.tools.Tools() {
		if t.Name == name {
			return true
		}
	}
	return false
}

func assistantToolCalls(resp llm.Response) map[string]any {
	calls := make([]map[string]any, 0, len(resp.ToolCalls))
	for _, c := range resp.ToolCalls {
		args, _ := json.Marshal(c.Arguments)
		calls = append(calls, map[string]any{
			"id":   c.ID,
			"type": "function",
			"function": map[string]any{
				"name":      c.Name,
				"arguments": string(args),
			},
		})
	}
	msg := map[string]any{"role": string(llm.RoleAssistant), "tool_calls": calls}
	if resp.Text != "" {
		msg["content"] = resp.Text
	}
	return msg
}

func toolContent(res llm.ToolResult) string {
	if res.Data == nil {
		if res.Output == "" {
			return fmt.Sprintf(`{"success":%t}`, res.Success)
		}
		return res.Output
	}
	b, err := json.Marshal(map[string]any{
		"success": res.Success,
		"output":  res.Output,
		"data":    res.Data,
	})
	if err != nil {
		return res.Output
	}
	return string(b)
}

func endsWithUtterance(history []llm.Message, utterance string) bool {
	if len(history) == 0 {
		return utterance == ""
	}
	last := history[len(history)-1]
	return last.Role == llm.RoleUser && last.Text == utterance
}

func addUsage(total *llm.Usage, u llm.Usage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}

var _ fallback.Reasoner = (*Reasoner)(nil)
