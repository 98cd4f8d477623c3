package turn

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callcore/pkg/adapters/stt"
	"github.com/harunnryd/callcore/pkg/logging"
)

// State is where a call is in its audio lifecycle.
type State int

const (
	StateIdle State = iota
	StateGreeting
	StateListening
	StateProcessing
	StateSpeaking
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateGreeting:
		return "GREETING"
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Speech-detection thresholds; higher means a stronger signal is needed.
const (
	VADThresholdListening  = 0.5
	VADThresholdProcessing = 0.7
	VADThresholdSpeaking   = 0.85
)

// VADPolicy is the speech-detection setting for a state.
type VADPolicy struct {
	Enabled   bool
	Threshold float64
}

// VADPolicyFor returns the policy of a state.
func VADPolicyFor(s State) VADPolicy {
	switch s {
	case StateIdle, StateGreeting:
		return VADPolicy{}
	case StateListening:
		return VADPolicy{Enabled: true, Threshold: VADThresholdListening}
	case StateProcessing:
		return VADPolicy{Enabled: true, Threshold: VADThresholdProcessing}
	case StateSpeaking:
		return VADPolicy{Enabled: true, Threshold: VADThresholdSpeaking}
	default:
		return VADPolicy{}
	}
}

func transitionValid(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateGreeting
	case StateGreeting:
		return to == StateListening
	case StateListening:
		return to == StateProcessing || to == StateSpeaking
	case StateProcessing:
		return to == StateSpeaking || to == StateListening
	case StateSpeaking:
		return to == StateListening || to == StateProcessing
	default:
		return false
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(ev StateChange) { f(ev) }

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

type FSMOptions struct {
	Logger *slog.Logger
	// Tuner receives the VAD policy of every state entered.
	Tuner stt.VADTuner
	Now   func() time.Time
}

// StateMachine gates VAD sensitivity and barge-in by call state and
// rejects transitions outside the allowed table.
type StateMachine struct {
	mu        sync.RWMutex
	current   State
	enteredAt time.Time
	history   []StateChange
	spent     map[State]time.Duration
	listeners []StateListener
	tuner     stt.VADTuner
	log       *slog.Logger
	now       func() time.Time
}

// NewStateMachine returns a machine in IDLE.
func NewStateMachine(opts FSMOptions) *StateMachine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &StateMachine{
		current:   StateIdle,
		enteredAt: opts.Now(),
		spent:     make(map[State]time.Duration),
		tuner:     opts.Tuner,
		log:       logging.NewComponentLogger(opts.Logger, "turn_fsm"),
		now:       opts.Now,
	}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// VADPolicy returns the policy of the current state.
func (m *StateMachine) VADPolicy() VADPolicy {
	return VADPolicyFor(m.State())
}

// CanBargeIn reports whether caller speech may interrupt the agent.
func (m *StateMachine) CanBargeIn() bool {
	return m.State() == StateSpeaking
}

// Transition moves to a new state with validation. A rejected transition
// leaves the state unchanged.
func (m *StateMachine) Transition(to State, reason string) error {
	m.mu.Lock()
	from := m.current
	if !transitionValid(from, to) {
		m.mu.Unlock()
		m.log.Error("invalid_state_transition",
			"from", from.String(),
			"to", to.String(),
			"reason", reason,
		)
		return &InvalidTransitionError{From: from, To: to}
	}
	now := m.now()
	m.spent[from] += now.Sub(m.enteredAt)
	m.enteredAt = now
	m.current = to
	event := StateChange{
		FromState: from,
		ToState:   to,
		Timestamp: now,
		Reason:    reason,
	}
	m.history = append(m.history, event)
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	tuner := m.tuner
	m.mu.Unlock()

	m.log.Debug("state_transition", "from", from.String(), "to", to.String(), "reason", reason)
	if tuner != nil {
		p := VADPolicyFor(to)
		tuner.SetVAD(p.Enabled, p.Threshold)
	}
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// History returns every accepted transition in order.
func (m *StateMachine) History() []StateChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StateChange, len(m.history))
	copy(out, m.history)
	return out
}

// TimeInState is the total time spent in s, including the open interval
// when s is current.
func (m *StateMachine) TimeInState(s State) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := m.spent[s]
	if m.current == s {
		d += m.now().Sub(m.enteredAt)
	}
	return d
}

// AddListener registers a listener for state change events.
func (m *StateMachine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}
