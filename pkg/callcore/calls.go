package callcore

import (
	"context"
	"sync"
	"time"
)

// EndReplaced ends a call whose media stream was re-attached.
const EndReplaced = "replaced"

// call is the subset of turn.Manager the registry drives.
type call interface {
	Close(reason string)
	Done() <-chan struct{}
}

// callRegistry keeps at most one live session per call id.
type callRegistry struct {
	mu    sync.Mutex
	calls map[string]call
}

func newCallRegistry() *callRegistry {
	return &callRegistry{calls: make(map[string]call)}
}

// add registers c, closing and returning any session it replaces.
func (r *callRegistry) add(callID string, c call) call {
	r.mu.Lock()
	old := r.calls[callID]
	r.calls[callID] = c
	r.mu.Unlock()
	if old != nil && old != c {
		old.Close(EndReplaced)
		return old
	}
	return nil
}

// remove drops callID only while it still maps to c.
func (r *callRegistry) remove(callID string, c call) {
	r.mu.Lock()
	if r.calls[callID] == c {
		delete(r.calls, callID)
	}
	r.mu.Unlock()
}

func (r *callRegistry) get(callID string) (call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	return c, ok
}

func (r *callRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *callRegistry) closeAll(reason string) {
	r.mu.Lock()
	list := make([]call, 0, len(r.calls))
	for _, c := range r.calls {
		list = append(list, c)
	}
	r.mu.Unlock()
	for _, c := range list {
		c.Close(reason)
	}
}

// waitForEmpty polls until every call has been removed or ctx expires.
func (r *callRegistry) waitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
