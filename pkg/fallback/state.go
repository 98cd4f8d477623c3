package fallback

import "sync"

// EscalationState accumulates handoff pressure over one call.
type EscalationState struct {
	ConsecutiveAIFailures int
	TaskCompleted         bool
	FrustrationSignals    int
	OffTopicCount         int
	HumanRequested        bool
}

// RetryState tracks reasoning failures over one call. TotalRetries only
// grows until the call's state is discarded.
type RetryState struct {
	ConsecutiveFailures int
	TotalRetries        int
	LastFailureReason   string
}

type callState struct {
	escalation *EscalationState
	retry      *RetryState
}

// Registry holds per-call fallback state until it is explicitly discarded.
type Registry struct {
	mu    sync.Mutex
	calls map[string]*callState
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*callState)}
}

// Get returns the state of callID, creating it on first use.
func (r *Registry) Get(callID string) (*EscalationState, *RetryState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := r.calls[callID]
	if cs == nil {
		cs = &callState{escalation: &EscalationState{}, retry: &RetryState{}}
		r.calls[callID] = cs
	}
	return cs.escalation, cs.retry
}

// Discard drops the state of callID. Unknown ids are ignored.
func (r *Registry) Discard(callID string) {
	r.mu.Lock()
	delete(r.calls, callID)
	r.mu.Unlock()
}

// Len is the number of calls with live state.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
