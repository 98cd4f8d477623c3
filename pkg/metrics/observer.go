package metrics

import "time"

const (
	EventCallStart      = "call_start"
	EventCallEnd        = "call_end"
	EventTurnDispatched = "turn_dispatched"
	EventTurnDiscarded  = "turn_discarded"
	EventReasoningDone  = "reasoning_done"
	EventTTSFirstAudio  = "tts_first_audio"
	EventBargeIn        = "barge_in"
	EventEscalation     = "escalation"
	EventTenantLookup   = "tenant_lookup"

	EventRateLimit     = "rate_limit"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a shorthand for emitting a tagged event to a possibly nil observer.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  tags,
	})
}
