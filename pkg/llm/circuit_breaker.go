package llm

import (
	"context"
	"time"

	"github.com/harunnryd/callcore/pkg/errorsx"
	"github.com/harunnryd/callcore/pkg/metrics"
	"github.com/harunnryd/callcore/pkg/resilience"
)

// CircuitBreakerAdapter fails fast while the provider is rate limiting so
// a caller hears a clarification instead of waiting out a doomed request.
type CircuitBreakerAdapter struct {
	inner   LLMAdapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
}

func NewCircuitBreakerAdapter(inner LLMAdapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

// Breaker exposes the breaker for health reporting.
func (a *CircuitBreakerAdapter) Breaker() *resilience.CircuitBreaker { return a.breaker }

func (a *CircuitBreakerAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	if !a.breaker.Allow() {
		a.record(metrics.EventBreakerDenied)
		return Response{}, errorsx.Wrap(
			resilience.RateLimitError{Provider: a.Name(), Message: "llm degraded"},
			errorsx.ReasonLLMRateLimit,
		)
	}
	before := a.breaker.State()
	resp, err := a.inner.Generate(ctx, input)
	if err != nil {
		if resilience.IsRateLimit(err) {
			a.record(metrics.EventRateLimit)
		}
		a.breaker.OnError(err)
	} else {
		a.breaker.OnSuccess()
	}
	switch after := a.breaker.State(); {
	case after == before:
	case after == resilience.BreakerOpen:
		a.record(metrics.EventBreakerOpen)
	case after == resilience.BreakerClosed:
		a.record(metrics.EventBreakerClose)
	}
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (a *CircuitBreakerAdapter) MapTools(tools []Tool) (any, error) {
	return a.inner.MapTools(tools)
}

func (a *CircuitBreakerAdapter) FromProviderFormat(raw any) (Response, error) {
	return a.inner.FromProviderFormat(raw)
}

func (a *CircuitBreakerAdapter) record(name string) {
	if a.obs == nil {
		return
	}
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: 1,
		Tags: map[string]string{
			"provider":      a.inner.Name(),
			"component":     "llm",
			"breaker_state": string(a.breaker.State()),
		},
	})
}
