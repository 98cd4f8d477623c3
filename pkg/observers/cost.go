package observers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callcore/pkg/metrics"
)

// μ-law at 8kHz is one byte per sample.
const mulawBytesPerSecond = 8000

type CostSummary struct {
	CallID        string  `json:"call_id"`
	TenantID      string  `json:"tenant_id,omitempty"`
	STTAudioSec   float64 `json:"stt_audio_seconds"`
	TTSAudioSec   float64 `json:"tts_audio_seconds"`
	LLMTokenCount int     `json:"llm_tokens"`
	Turns         int     `json:"turns"`
	EndReason     string  `json:"end_reason,omitempty"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

// CostObserver accumulates billable usage per call and writes one
// <call_id>.cost.json summary when the call ends.
type CostObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*CostSummary
}

func NewCostObserver(dir string) *CostObserver {
	return &CostObserver{dir: dir, stats: make(map[string]*CostSummary)}
}

func (o *CostObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" || ev.Tags == nil {
		return
	}
	callID := ev.Tags["call_id"]
	if callID == "" {
		return
	}
	o.mu.Lock()
	stat := o.stats[callID]
	if stat == nil {
		stat = &CostSummary{CallID: callID}
		o.stats[callID] = stat
	}
	if tenantID := ev.Tags["tenant_id"]; tenantID != "" {
		stat.TenantID = tenantID
	}
	switch ev.Name {
	case metrics.EventTurnDispatched:
		stat.Turns++
	case metrics.EventReasoningDone:
		stat.LLMTokenCount += intField(ev.Fields, "tokens")
	case metrics.EventCallEnd:
		stat.STTAudioSec = float64(intField(ev.Fields, "inbound_audio_bytes")) / mulawBytesPerSecond
		stat.TTSAudioSec = float64(intField(ev.Fields, "outbound_audio_bytes")) / mulawBytesPerSecond
		stat.EndReason = ev.Tags["reason"]
		delete(o.stats, callID)
		o.mu.Unlock()
		_ = o.write(stat)
		return
	}
	o.mu.Unlock()
}

func (o *CostObserver) write(stat *CostSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.dir, sanitizeID(stat.CallID)+".cost.json"), b, 0o644)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

var _ metrics.Observer = (*CostObserver)(nil)
