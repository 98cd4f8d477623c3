package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/callcore/pkg/llm"
)

type LLMConfig struct {
	// ResponseText is returned once Responses and Errors are exhausted.
	ResponseText string
	// Responses and Errors are consumed in order, one per Generate call;
	// a non-nil error at index i wins over the response at index i.
	Responses []llm.Response
	Errors    []error
}

// LLMAdapter is a scripted llm.LLMAdapter that records its inputs.
type LLMAdapter struct {
	cfg    LLMConfig
	mu     sync.Mutex
	calls  int
	inputs []llm.Context
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	a.mu.Lock()
	i := a.calls
	a.calls++
	a.inputs = append(a.inputs, input)
	a.mu.Unlock()

	if i < len(a.cfg.Errors) && a.cfg.Errors[i] != nil {
		return llm.Response{}, a.cfg.Errors[i]
	}
	if i < len(a.cfg.Responses) {
		return a.cfg.Responses[i], nil
	}
	return llm.Response{Text: a.cfg.ResponseText, FinishReason: "stop"}, nil
}

func (a *LLMAdapter) MapTools(tools []llm.Tool) (any, error) {
	return tools, nil
}

func (a *LLMAdapter) FromProviderFormat(raw any) (llm.Response, error) {
	if resp, ok := raw.(llm.Response); ok {
		return resp, nil
	}
	return llm.Response{Text: a.cfg.ResponseText}, nil
}

// Calls reports how many times Generate ran.
func (a *LLMAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Inputs returns every context passed to Generate.
func (a *LLMAdapter) Inputs() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.inputs...)
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
