package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/callcore/pkg/errorsx"
	"github.com/harunnryd/callcore/pkg/llm"
	"github.com/harunnryd/callcore/pkg/logging"
)

type Action string

const (
	ActionResponse Action = "response"
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
)

type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonUserRequestedTransfer Reason = "user_requested_transfer"
	ReasonAIFailure             Reason = "ai_failure"
	ReasonMaxRetriesExceeded    Reason = "max_retries_exceeded"
	ReasonUserRequestedHuman    Reason = "user_requested_human"
	ReasonCallerFrustrated      Reason = "caller_frustrated"
	ReasonRepeatedOffTopic      Reason = "repeated_off_topic"
)

// Input is one caller turn handed to the chain.
type Input struct {
	Utterance    string
	History      []llm.Message
	SystemPrompt string
	Tools        llm.ToolContext
}

// Reasoning is a successful reasoning outcome.
type Reasoning struct {
	Text        string
	ToolResults []llm.ToolResult
	Usage       llm.Usage
}

// Reasoner produces the agent's reply to a turn, executing tools as needed.
type Reasoner interface {
	Reason(ctx context.Context, in Input) (Reasoning, error)
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc func(ctx context.Context, in Input) (Reasoning, error)

func (f ReasonerFunc) Reason(ctx context.Context, in Input) (Reasoning, error) { return f(ctx, in) }

type Metrics struct {
	Latency          time.Duration
	RetryCount       int
	ReasoningInvoked bool
	Tokens           int
}

// Result is what the caller should hear next and whether to hand off.
type Result struct {
	Action      Action
	Text        string
	Reason      Reason
	ToolResults []llm.ToolResult
	Metrics     Metrics
	// Err is the reasoning failure behind a retry or failure escalation.
	Err error
}

type Options struct {
	MaxTotalRetries int
	Prompts         PromptPool
	// BookingTools complete the caller's primary task when they succeed.
	BookingTools []string
	// TransferTools request a human handoff when called.
	TransferTools []string
	// TransferNotice is spoken on escalation when nothing else was said.
	TransferNotice string
	// FailureNotice is spoken when repeated failures force a handoff.
	FailureNotice string
	Logger        *slog.Logger
}

// Chain wraps one reasoning call with retry, clarification and handoff policy.
type Chain struct {
	reasoner Reasoner
	policy   EscalationPolicy
	opts     Options
	booking  map[string]struct{}
	transfer map[string]struct{}
	log      *slog.Logger
}

func NewChain(reasoner Reasoner, policy EscalationPolicy, opts Options) *Chain {
	if policy == nil {
		policy = NewDefaultPolicy(PolicyConfig{})
	}
	if opts.MaxTotalRetries <= 0 {
		opts.MaxTotalRetries = 3
	}
	if opts.Prompts == nil {
		opts.Prompts = NewRandomPool(nil, 0)
	}
	if len(opts.BookingTools) == 0 {
		opts.BookingTools = []string{"create_booking"}
	}
	if len(opts.TransferTools) == 0 {
		opts.TransferTools = []string{"transfer_to_human"}
	}
	if opts.TransferNotice == "" {
		opts.TransferNotice = "Let me connect you with someone from our team. One moment please."
	}
	if opts.FailureNotice == "" {
		opts.FailureNotice = "I'm sorry, I'm having trouble helping with that. Let me connect you with someone from our team."
	}
	return &Chain{
		reasoner: reasoner,
		policy:   policy,
		opts:     opts,
		booking:  toSet(opts.BookingTools),
		transfer: toSet(opts.TransferTools),
		log:      logging.NewComponentLogger(opts.Logger, "fallback"),
	}
}

// Invoke runs one turn through the chain, mutating esc and retry.
func (c *Chain) Invoke(ctx context.Context, in Input, esc *EscalationState, retry *RetryState) Result {
	start := time.Now()
	res := c.invoke(ctx, in, esc, retry)
	res.Metrics.Latency = time.Since(start)
	res.Metrics.RetryCount = retry.TotalRetries
	c.log.Debug("fallback_invoked",
		"call_id", in.Tools.CallID,
		"action", string(res.Action),
		"reason", string(res.Reason),
		"latency", res.Metrics.Latency,
		"reasoning_invoked", res.Metrics.ReasoningInvoked,
		"total_retries", retry.TotalRetries,
	)
	return res
}

func (c *Chain) invoke(ctx context.Context, in Input, esc *EscalationState, retry *RetryState) Result {
	decision := c.policy.Evaluate(esc, in.Utterance)
	if decision.Escalate {
		text := decision.Deflection
		if text == "" {
			text = c.opts.TransferNotice
		}
		return Result{Action: ActionEscalate, Text: text, Reason: decision.Reason}
	}
	if decision.Deflection != "" {
		return Result{Action: ActionResponse, Text: decision.Deflection}
	}

	out, err := c.reason(ctx, in)
	res := Result{Metrics: Metrics{ReasoningInvoked: true, Tokens: out.Usage.TotalTokens}}
	if err != nil {
		return c.onFailure(res, in, err, esc, retry)
	}

	res.ToolResults = out.ToolResults
	transfer := false
	for _, tr := range out.ToolResults {
		if _, ok := c.booking[tr.Name]; ok && tr.Success {
			c.policy.MarkTaskCompleted(esc)
		}
		if _, ok := c.transfer[tr.Name]; ok {
			transfer = true
		}
	}
	if transfer {
		res.Action = ActionEscalate
		res.Reason = ReasonUserRequestedTransfer
		res.Text = out.Text
		if res.Text == "" {
			res.Text = c.opts.TransferNotice
		}
		return res
	}
	retry.ConsecutiveFailures = 0
	esc.ConsecutiveAIFailures = 0
	res.Action = ActionResponse
	res.Text = out.Text
	return res
}

func (c *Chain) onFailure(res Result, in Input, err error, esc *EscalationState, retry *RetryState) Result {
	retry.ConsecutiveFailures++
	retry.TotalRetries++
	retry.LastFailureReason = err.Error()
	esc.ConsecutiveAIFailures++
	res.Err = errorsx.Wrap(err, errorsx.ReasonReasoningFailed)
	c.log.Warn("reasoning_failed",
		"call_id", in.Tools.CallID,
		"consecutive_failures", retry.ConsecutiveFailures,
		"total_retries", retry.TotalRetries,
		"error", err,
	)

	if c.policy.ShouldEscalateOnFailures(esc, esc.ConsecutiveAIFailures) {
		res.Action = ActionEscalate
		res.Reason = ReasonAIFailure
		res.Text = c.opts.FailureNotice
		return res
	}
	if retry.TotalRetries < c.opts.MaxTotalRetries {
		res.Action = ActionRetry
		res.Text = c.opts.Prompts.Next()
		return res
	}
	res.Action = ActionEscalate
	res.Reason = ReasonMaxRetriesExceeded
	res.Text = c.opts.FailureNotice
	return res
}

// reason turns a reasoner panic or an empty reply into an error.
func (c *Chain) reason(ctx context.Context, in Input) (out Reasoning, err error) {
	if c.reasoner == nil {
		return Reasoning{}, errors.New("no reasoner configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reasoner panic: %v", r)
		}
	}()
	out, err = c.reasoner.Reason(ctx, in)
	if err != nil {
		return out, err
	}
	if out.Text == "" && len(out.ToolResults) == 0 {
		return out, errors.New("empty reasoning result")
	}
	return out, nil
}

func toSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}
