package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/callcore/pkg/errorsx"
	"github.com/harunnryd/callcore/pkg/fallback"
	"github.com/harunnryd/callcore/pkg/llm"
	"github.com/harunnryd/callcore/pkg/providers/mock"
	"github.com/harunnryd/callcore/pkg/resilience"
)

func noSleep() llm.RetryConfig {
	return llm.RetryConfig{Sleep: func(time.Duration) {}}
}

func bookingRegistry(booked *[]llm.ToolContext) *FuncRegistry {
	reg := NewFuncRegistry()
	reg.Register(llm.Tool{Name: "create_booking", Description: "Book an appointment."},
		func(ctx context.Context, tc llm.ToolContext, args map[string]any) (llm.ToolResult, error) {
			slot, err := RequiredString(args, "slot")
			if err != nil {
				return llm.ToolResult{}, err
			}
			*booked = append(*booked, tc)
			return llm.ToolResult{Success: true, Output: "booked " + slot}, nil
		})
	return reg
}

func turnInput() fallback.Input {
	return fallback.Input{
		Utterance: "book me for ten tomorrow",
		History: []llm.Message{
			{Role: llm.RoleUser, Text: "book me for ten tomorrow"},
		},
		SystemPrompt: "You are Ava.",
		Tools:        llm.ToolContext{TenantID: "t1", CallID: "CA1", CallerPhone: "+15550001111", EscalationPhone: "+15550109999"},
	}
}

func TestReasonPlainReply(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{
		Responses: []llm.Response{{Text: "We open at eight.", Usage: llm.Usage{TotalTokens: 42}}},
	})
	r := New(adapter, nil, Options{Retry: noSleep()})
	in := turnInput()
	out, err := r.Reason(context.Background(), in)
	if err != nil {
		t.Fatalf("reason: %v", err)
	}
	if out.Text != "We open at eight." || out.Usage.TotalTokens != 42 {
		t.Fatalf("unexpected reasoning %+v", out)
	}
	inputs := adapter.Inputs()
	if len(inputs) != 1 {
		t.Fatalf("expected one model call, got %d", len(inputs))
	}
	msgs := inputs[0].Messages
	if len(msgs) != 2 || msgs[0]["role"] != "system" || msgs[1]["content"] != in.Utterance {
		t.Fatalf("unexpected messages %v", msgs)
	}
	var sawTransfer bool
	for _, tool := range inputs[0].Tools {
		if tool.Name == TransferToolName {
			sawTransfer = true
		}
	}
	if !sawTransfer {
		t.Fatalf("expected built-in transfer tool to be declared")
	}
}

func TestReasonRunsToolsThenReplies(t *testing.T) {
	var booked []llm.ToolContext
	adapter := mock.NewLLMAdapter(mock.LLMConfig{
		Responses: []llm.Response{
			{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "create_booking", Arguments: map[string]any{"slot": "10:00"}}}, Usage: llm.Usage{TotalTokens: 10}},
			{Text: "You're booked for ten.", Usage: llm.Usage{TotalTokens: 5}},
		},
	})
	r := New(adapter, bookingRegistry(&booked), Options{Retry: noSleep()})
	out, err := r.Reason(context.Background(), turnInput())
	if err != nil {
		t.Fatalf("reason: %v", err)
	}
	if out.Text != "You're booked for ten." || out.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected reasoning %+v", out)
	}
	if len(out.ToolResults) != 1 || !out.ToolResults[0].Success || out.ToolResults[0].Name != "create_booking" {
		t.Fatalf("unexpected tool results %+v", out.ToolResults)
	}
	if len(booked) != 1 || booked[0].CallID != "CA1" || booked[0].TenantID != "t1" {
		t.Fatalf("tool did not receive call context: %+v", booked)
	}
	second := adapter.Inputs()[1].Messages
	last := second[len(second)-1]
	if last["role"] != "tool" || last["tool_call_id"] != "c1" || last["content"] != "booked 10:00" {
		t.Fatalf("expected tool result message, got %v", last)
	}
	if second[len(second)-2]["tool_calls"] == nil {
		t.Fatalf("expected assistant tool call message")
	}
}

func TestReasonToolFailureIsReportedToModel(t *testing.T) {
	var booked []llm.ToolContext
	adapter := mock.NewLLMAdapter(mock.LLMConfig{
		Responses: []llm.Response{
			{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "create_booking", Arguments: map[string]any{}}}},
			{Text: "What time works for you?"},
		},
	})
	r := New(adapter, bookingRegistry(&booked), Options{Retry: noSleep()})
	out, err := r.Reason(context.Background(), turnInput())
	if err != nil {
		t.Fatalf("reason: %v", err)
	}
	if len(out.ToolResults) != 1 || out.ToolResults[0].Success {
		t.Fatalf("expected failed tool result, got %+v", out.ToolResults)
	}
	content, _ := adapter.Inputs()[1].Messages[len(adapter.Inputs()[1].Messages)-1]["content"].(string)
	if !strings.Contains(content, "missing slot") {
		t.Fatalf("expected error reported to model, got %q", content)
	}
}

func TestReasonTransferStopsLoop(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{
		Responses: []llm.Response{
			{ToolCalls: []llm.ToolCall{{ID: "c1", Name: TransferToolName}}},
			{Text: "should not be requested"},
		},
	})
	r := New(adapter, nil, Options{Retry: noSleep()})
	out, err := r.Reason(context.Background(), turnInput())
	if err != nil {
		t.Fatalf("reason: %v", err)
	}
	if adapter.Calls() != 1 {
		t.Fatalf("expected loop to stop after transfer, got %d calls", adapter.Calls())
	}
	if len(out.ToolResults) != 1 || out.ToolResults[0].Name != TransferToolName {
		t.Fatalf("unexpected tool results %+v", out.ToolResults)
	}

	adapter2 := mock.NewLLMAdapter(mock.LLMConfig{
		Responses: []llm.Response{{ToolCalls: []llm.ToolCall{{ID: "c1", Name: TransferToolName}}}},
	})
	chain := fallback.NewChain(New(adapter2, nil, Options{Retry: noSleep()}), nil, fallback.Options{})
	res := chain.Invoke(context.Background(), turnInput(), &fallback.EscalationState{}, &fallback.RetryState{})
	if res.Action != fallback.ActionEscalate || res.Reason != fallback.ReasonUserRequestedTransfer {
		t.Fatalf("expected transfer escalation, got %+v", res)
	}
}

func TestReasonForcesReplyAfterToolRounds(t *testing.T) {
	loop := llm.Response{ToolCalls: []llm.ToolCall{{ID: "c", Name: "lookup_hours"}}}
	adapter := mock.NewLLMAdapter(mock.LLMConfig{
		Responses: []llm.Response{loop, loop, {Text: "We're open nine to five."}},
	})
	reg := NewFuncRegistry()
	reg.Register(llm.Tool{Name: "lookup_hours"}, func(ctx context.Context, tc llm.ToolContext, args map[string]any) (llm.ToolResult, error) {
		return llm.ToolResult{Success: true, Output: "9-5"}, nil
	})
	r := New(adapter, reg, Options{MaxToolRounds: 2, Retry: noSleep()})
	out, err := r.Reason(context.Background(), turnInput())
	if err != nil {
		t.Fatalf("reason: %v", err)
	}
	if out.Text != "We're open nine to five." {
		t.Fatalf("unexpected text %q", out.Text)
	}
	inputs := adapter.Inputs()
	if len(inputs) != 3 || len(inputs[2].Tools) != 0 {
		t.Fatalf("expected final call without tools, got %d calls", len(inputs))
	}
}

func TestReasonRetriesTransientErrors(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{
		Errors: []error{errors.New("connection reset")},
	})
	r := New(adapter, nil, Options{Retry: noSleep()})
	out, err := r.Reason(context.Background(), turnInput())
	if err != nil {
		t.Fatalf("reason: %v", err)
	}
	if out.Text != "mock response" || adapter.Calls() != 2 {
		t.Fatalf("expected retry to succeed, got %+v after %d calls", out, adapter.Calls())
	}
}

func TestReasonRateLimitIsTagged(t *testing.T) {
	rl := resilience.RateLimitError{Provider: "mock_llm", Message: "slow down"}
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Errors: []error{rl, rl, rl}})
	r := New(adapter, nil, Options{Retry: noSleep()})
	_, err := r.Reason(context.Background(), turnInput())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonLLMRateLimit) {
		t.Fatalf("expected rate limit reason, got %v", errorsx.Reason(err))
	}
	if adapter.Calls() != 1 {
		t.Fatalf("rate limits must not be retried, got %d calls", adapter.Calls())
	}
}

func TestFuncRegistryReplacesTool(t *testing.T) {
	reg := NewFuncRegistry()
	h := func(ctx context.Context, tc llm.ToolContext, args map[string]any) (llm.ToolResult, error) {
		return llm.ToolResult{Success: true}, nil
	}
	reg.Register(llm.Tool{Name: "a", Description: "old"}, h)
	reg.Register(llm.Tool{Name: "a", Description: "new"}, h)
	tools := reg.Tools()
	if len(tools) != 1 || tools[0].Description != "new" {
		t.Fatalf("unexpected tools %+v", tools)
	}
	if _, err := reg.HandleTool(context.Background(), llm.ToolContext{}, llm.ToolCall{Name: "missing"}); err == nil {
		t.Fatalf("expected unknown tool error")
	}
}
