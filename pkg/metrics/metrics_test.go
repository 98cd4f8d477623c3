package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPrometheusObserverCountsEvents(t *testing.T) {
	p := NewPrometheusObserver("test")
	Record(p, EventCallStart, 0, nil)
	Record(p, EventTurnDispatched, 0, map[string]string{"call_id": "c1"})
	Record(p, EventEscalation, 0, map[string]string{"reason": "max_retries_exceeded"})
	Record(p, EventReasoningDone, 0.42, map[string]string{"action": "response"})

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	for _, want := range []string{
		"test_calls_active 1",
		`test_turns_total{outcome="dispatched"} 1`,
		`test_escalations_total{reason="max_retries_exceeded"} 1`,
		`test_reasoning_latency_seconds_count{action="response"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, out)
		}
	}
}

func TestAsyncObserverDelivers(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 8)
	a.RecordEvent(MetricsEvent{Name: EventBargeIn, Time: time.Now()})
	a.Close()
	if mem.Count(EventBargeIn) != 1 {
		t.Fatalf("expected event flushed by close, got %d", mem.Count(EventBargeIn))
	}
	a.RecordEvent(MetricsEvent{Name: EventBargeIn})
	if a.Dropped() != 0 {
		t.Fatalf("expected closed observer to ignore events without counting drops")
	}
}

type blockingObserver struct {
	release chan struct{}
	mem     *MemoryObserver
}

func (b *blockingObserver) RecordEvent(ev MetricsEvent) {
	<-b.release
	b.mem.RecordEvent(ev)
}

func TestAsyncObserverDropsWhenFull(t *testing.T) {
	inner := &blockingObserver{release: make(chan struct{}), mem: NewMemoryObserver()}
	a := NewAsyncObserver(inner, 1)
	// One event is held by the worker and one fills the buffer; keep
	// sending until drops start.
	for i := 0; i < 10; i++ {
		a.RecordEvent(MetricsEvent{Name: EventTurnDispatched})
	}
	if a.Dropped() == 0 {
		t.Fatalf("expected drops with a full buffer")
	}
	close(inner.release)
	a.Close()
	if got := inner.mem.Count(EventTurnDispatched) + int(a.Dropped()); got != 10 {
		t.Fatalf("expected every event delivered or dropped, got %d", got)
	}
}

func TestRecordNilObserver(t *testing.T) {
	Record(nil, EventCallEnd, 0, nil)
}
