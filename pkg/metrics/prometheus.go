package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver folds call-core events into Prometheus collectors on
// a private registry.
type PrometheusObserver struct {
	registry *prometheus.Registry

	CallsActive      prometheus.Gauge
	CallsTotal       *prometheus.CounterVec
	TurnsTotal       *prometheus.CounterVec
	ReasoningLatency *prometheus.HistogramVec
	FirstAudio       prometheus.Histogram
	BargeInsTotal    prometheus.Counter
	EscalationsTotal *prometheus.CounterVec
	TenantLookups    *prometheus.CounterVec
	BreakerEvents    *prometheus.CounterVec
}

func NewPrometheusObserver(namespace string) *PrometheusObserver {
	if namespace == "" {
		namespace = "callcore"
	}
	registry := prometheus.NewRegistry()

	p := &PrometheusObserver{
		registry: registry,
		CallsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls currently attached",
		}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Calls ended, by end reason",
		}, []string{"reason"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Caller turns, by outcome",
		}, []string{"outcome"}),
		ReasoningLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reasoning_latency_seconds",
			Help:      "Fallback chain latency per turn",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
		}, []string{"action"}),
		FirstAudio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_audio_seconds",
			Help:      "Turn dispatch to first synthesized audio",
			Buckets:   []float64{0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5},
		}),
		BargeInsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Caller interruptions of agent playback",
		}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Human handoffs, by reason",
		}, []string{"reason"}),
		TenantLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_lookups_total",
			Help:      "Tenant lookups, by source",
		}, []string{"source"}),
		BreakerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_events_total",
			Help:      "Circuit breaker and rate limit events",
		}, []string{"event", "provider"}),
	}

	registry.MustRegister(
		p.CallsActive,
		p.CallsTotal,
		p.TurnsTotal,
		p.ReasoningLatency,
		p.FirstAudio,
		p.BargeInsTotal,
		p.EscalationsTotal,
		p.TenantLookups,
		p.BreakerEvents,
	)
	return p
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	tag := func(k string) string {
		if ev.Tags == nil {
			return ""
		}
		return ev.Tags[k]
	}
	switch ev.Name {
	case EventCallStart:
		p.CallsActive.Inc()
	case EventCallEnd:
		p.CallsActive.Dec()
		p.CallsTotal.WithLabelValues(tag("reason")).Inc()
	case EventTurnDispatched:
		p.TurnsTotal.WithLabelValues("dispatched").Inc()
	case EventTurnDiscarded:
		p.TurnsTotal.WithLabelValues("discarded").Inc()
	case EventReasoningDone:
		p.ReasoningLatency.WithLabelValues(tag("action")).Observe(ev.Value)
	case EventTTSFirstAudio:
		p.FirstAudio.Observe(ev.Value)
	case EventBargeIn:
		p.BargeInsTotal.Inc()
	case EventEscalation:
		p.EscalationsTotal.WithLabelValues(tag("reason")).Inc()
	case EventTenantLookup:
		p.TenantLookups.WithLabelValues(tag("source")).Inc()
	case EventRateLimit, EventBreakerOpen, EventBreakerClose, EventBreakerDenied:
		p.BreakerEvents.WithLabelValues(ev.Name, tag("provider")).Inc()
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (p *PrometheusObserver) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
