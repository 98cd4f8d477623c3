package mock

import (
	"sync"
	"sync/atomic"

	"github.com/harunnryd/callcore/pkg/transports"
)

// MediaStream is an in-memory media leg for local testing and integration.
// Inbound events are injected with Push helpers; outbound audio is recorded.
type MediaStream struct {
	events chan transports.MediaEvent
	closed atomic.Bool
	mu     sync.Mutex
	sent   [][]byte
	clears int
	notify chan struct{}
}

func New() *MediaStream {
	return &MediaStream{
		events: make(chan transports.MediaEvent, 256),
		notify: make(chan struct{}, 1),
	}
}

func (m *MediaStream) Events() <-chan transports.MediaEvent { return m.events }

func (m *MediaStream) SendAudio(chunk []byte) error {
	if m.closed.Load() {
		return nil
	}
	m.mu.Lock()
	m.sent = append(m.sent, append([]byte(nil), chunk...))
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *MediaStream) ClearAudio() error {
	m.mu.Lock()
	m.clears++
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *MediaStream) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.mu.Lock()
		close(m.events)
		m.mu.Unlock()
	}
	return nil
}

// PushAudio injects one inbound caller chunk.
func (m *MediaStream) PushAudio(chunk []byte) {
	m.push(transports.MediaEvent{Kind: transports.MediaAudio, Audio: chunk})
}

// PushStop signals that the carrier ended the stream.
func (m *MediaStream) PushStop() {
	m.push(transports.MediaEvent{Kind: transports.MediaStop})
}

// PushError signals a media-level failure.
func (m *MediaStream) PushError(err error) {
	m.push(transports.MediaEvent{Kind: transports.MediaError, Err: err})
}

func (m *MediaStream) push(ev transports.MediaEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}

// Frames returns copies of every outbound chunk sent so far.
func (m *MediaStream) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentBytes is the total outbound audio written.
func (m *MediaStream) SentBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.sent {
		n += len(c)
	}
	return n
}

// Clears reports how many times ClearAudio was called.
func (m *MediaStream) Clears() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

// Activity fires after outbound audio or a clear; tests wait on it.
func (m *MediaStream) Activity() <-chan struct{} { return m.notify }

func (m *MediaStream) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

var _ transports.MediaStream = (*MediaStream)(nil)
