package turn

import (
	"strings"
	"time"

	"github.com/harunnryd/callcore/pkg/llm"
)

// CallSession is the conversation state of one call. Only the call's
// Manager goroutine mutates it.
type CallSession struct {
	CallID      string
	TenantID    string
	CallerPhone string
	History     []llm.Message

	// Speaking means the caller is mid-utterance.
	Speaking bool
	// Playing means agent audio is being delivered.
	Playing         bool
	StreamConnected bool
	Interrupted     bool

	StartedAt    time.Time
	LastActivity time.Time
	EndedAt      time.Time
	EndReason    string
}

func NewCallSession(callID, tenantID, callerPhone string, now time.Time) *CallSession {
	return &CallSession{
		CallID:       callID,
		TenantID:     tenantID,
		CallerPhone:  callerPhone,
		StartedAt:    now,
		LastActivity: now,
	}
}

// Append records a conversation message.
func (s *CallSession) Append(role llm.Role, text string, at time.Time) {
	s.History = append(s.History, llm.Message{Role: role, Text: text, At: at})
	s.LastActivity = at
}

func (s *CallSession) Touch(at time.Time) {
	s.LastActivity = at
}

// Snapshot copies the history for use outside the owning goroutine.
func (s *CallSession) Snapshot() []llm.Message {
	out := make([]llm.Message, len(s.History))
	copy(out, s.History)
	return out
}

// End marks the session finished. Only the first call has effect.
func (s *CallSession) End(reason string, at time.Time) {
	if !s.EndedAt.IsZero() {
		return
	}
	s.EndedAt = at
	s.EndReason = reason
	s.StreamConnected = false
	s.Playing = false
	s.Speaking = false
}

// TurnState accumulates transcript for the turn being assembled. Final
// segments are committed; the latest interim segment replaces the last.
type TurnState struct {
	committed []string
	interim   string

	SilenceStarted bool
	// PendingAudio marks a turn completed while agent audio was playing.
	PendingAudio bool
}

func (t *TurnState) AddPartial(text string) {
	t.interim = text
	t.SilenceStarted = false
}

func (t *TurnState) AddFinal(text string) {
	t.committed = append(t.committed, text)
	t.interim = ""
	t.SilenceStarted = false
}

// Text is the accumulated transcript.
func (t *TurnState) Text() string {
	parts := t.committed
	if t.interim != "" {
		parts = append(parts[:len(parts):len(parts)], t.interim)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (t *TurnState) Reset() {
	*t = TurnState{}
}
