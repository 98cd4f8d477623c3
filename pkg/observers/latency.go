package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callcore/pkg/metrics"
)

// LatencyObserver logs per-turn latency: dispatch to reasoning done and
// dispatch to first synthesized audio.
type LatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*turnTrace
	log   *slog.Logger
}

type turnTrace struct {
	dispatched time.Time
	reasoned   time.Time
	action     string
	tenantID   string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns: make(map[string]*turnTrace),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ""
	if ev.Tags != nil {
		callID = ev.Tags["call_id"]
	}
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case metrics.EventTurnDispatched:
		o.turns[callID] = &turnTrace{dispatched: ev.Time, tenantID: ev.Tags["tenant_id"]}
	case metrics.EventReasoningDone:
		if t := o.turns[callID]; t != nil && t.reasoned.IsZero() {
			t.reasoned = ev.Time
			t.action = ev.Tags["action"]
		}
	case metrics.EventTTSFirstAudio:
		t := o.turns[callID]
		if t == nil {
			return
		}
		o.log.Info("turn_latency",
			"call_id", callID,
			"tenant_id", t.tenantID,
			"action", t.action,
			"reasoning_ms", durationMs(t.dispatched, t.reasoned),
			"first_audio_ms", durationMs(t.dispatched, ev.Time),
		)
		delete(o.turns, callID)
	case metrics.EventCallEnd:
		delete(o.turns, callID)
	}
}

// Pending reports calls with a dispatched turn still awaiting audio.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.turns)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
