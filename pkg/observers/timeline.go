package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callcore/pkg/metrics"
	"github.com/harunnryd/callcore/pkg/redact"
)

// TimelineObserver appends every call-scoped event to <call_id>.jsonl.
// Entries carry a sequence number and the offset from the call's first
// event so a trace reads like a transcript of the call.
type TimelineObserver struct {
	dir    string
	mu     sync.Mutex
	traces map[string]*callTrace
}

type callTrace struct {
	f     *os.File
	start time.Time
	seq   int
}

type timelineEntry struct {
	Seq      int               `json:"seq"`
	Time     time.Time         `json:"time"`
	OffsetMS int64             `json:"offset_ms"`
	Event    string            `json:"event"`
	CallID   string            `json:"call_id"`
	TenantID string            `json:"tenant_id,omitempty"`
	Value    float64           `json:"value,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: strings.TrimSpace(dir), traces: make(map[string]*callTrace)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ev.Tags["call_id"]
	if o.dir == "" || callID == "" {
		return
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	tr := o.trace(callID, at)
	if tr == nil {
		return
	}
	tr.seq++
	line, err := json.Marshal(timelineEntry{
		Seq:      tr.seq,
		Time:     at.UTC(),
		OffsetMS: at.Sub(tr.start).Milliseconds(),
		Event:    ev.Name,
		CallID:   callID,
		TenantID: ev.Tags["tenant_id"],
		Value:    ev.Value,
		Tags:     withoutIdentity(ev.Tags),
		Fields:   redactFields(ev.Fields),
	})
	if err == nil {
		_, _ = tr.f.Write(append(line, '\n'))
	}
	if ev.Name == metrics.EventCallEnd {
		_ = tr.f.Close()
		delete(o.traces, sanitizeID(callID))
	}
}

// Close closes the traces of calls that never reported call_end.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for id, tr := range o.traces {
		err = errors.Join(err, tr.f.Close())
		delete(o.traces, id)
	}
	return err
}

// trace must be called with o.mu held.
func (o *TimelineObserver) trace(callID string, at time.Time) *callTrace {
	safe := sanitizeID(callID)
	if safe == "" {
		return nil
	}
	if tr := o.traces[safe]; tr != nil {
		return tr
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, safe+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	tr := &callTrace{f: f, start: at}
	o.traces[safe] = tr
	return tr
}

// sanitizeID keeps call ids usable as file names.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func withoutIdentity(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k == "call_id" || k == "tenant_id" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func redactFields(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			v = redact.Text(s)
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
