package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/callcore/pkg/adapters/tts"
	"github.com/harunnryd/callcore/pkg/audio"
)

type TTSConfig struct {
	// Chunks of ChunkBytes μ-law silence are emitted per utterance.
	Chunks     int
	ChunkBytes int
	// Hold keeps each utterance playing until Release is called.
	Hold bool
	// ConnectErr makes Connect fail.
	ConnectErr error
}

// Synthesizer is a scriptable in-memory tts.Synthesizer.
type Synthesizer struct {
	cfg    TTSConfig
	out    chan tts.Event
	ctx    context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	conn   bool
	disc   bool
	spoken []string
	cancel int
	cur    context.CancelFunc
	prev   chan struct{}
	hold   chan struct{}
}

func NewTTS(cfg TTSConfig) *Synthesizer {
	if cfg.Chunks <= 0 {
		cfg.Chunks = 2
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 2 * audio.MuLawFrameBytes
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Synthesizer{
		cfg:  cfg,
		out:  make(chan tts.Event, 64),
		ctx:  ctx,
		stop: stop,
		hold: make(chan struct{}, 16),
	}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Connect(ctx context.Context) error {
	if s.cfg.ConnectErr != nil {
		return s.cfg.ConnectErr
	}
	s.mu.Lock()
	s.conn = true
	s.mu.Unlock()
	return nil
}

func (s *Synthesizer) Disconnect() error {
	s.mu.Lock()
	s.conn = false
	s.disc = true
	s.mu.Unlock()
	s.stop()
	return nil
}

func (s *Synthesizer) Speak(text string) error {
	s.mu.Lock()
	if !s.conn {
		s.mu.Unlock()
		return errNotStarted
	}
	s.spoken = append(s.spoken, text)
	ctx, cancel := context.WithCancel(s.ctx)
	s.cur = cancel
	prev := s.prev
	done := make(chan struct{})
	s.prev = done
	s.mu.Unlock()

	go s.play(ctx, prev, done)
	return nil
}

func (s *Synthesizer) play(ctx context.Context, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}
	for i := 0; i < s.cfg.Chunks; i++ {
		chunk := make([]byte, s.cfg.ChunkBytes)
		for j := range chunk {
			chunk[j] = audio.MuLawSilence
		}
		if !s.send(ctx, tts.Event{Kind: tts.EventAudio, Audio: chunk}) {
			return
		}
	}
	if s.cfg.Hold {
		select {
		case <-s.hold:
		case <-ctx.Done():
			return
		}
	}
	s.send(ctx, tts.Event{Kind: tts.EventDone})
}

func (s *Synthesizer) send(ctx context.Context, ev tts.Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case s.out <- ev:
		return true
	}
}

func (s *Synthesizer) Cancel() error {
	s.mu.Lock()
	s.cancel++
	if s.cur != nil {
		s.cur()
		s.cur = nil
	}
	s.mu.Unlock()
	return nil
}

func (s *Synthesizer) Events() <-chan tts.Event { return s.out }

// Release lets one held utterance finish.
func (s *Synthesizer) Release() {
	select {
	case s.hold <- struct{}{}:
	default:
	}
}

// Spoken returns every text passed to Speak in order.
func (s *Synthesizer) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

// Cancels reports how many times Cancel was called.
func (s *Synthesizer) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel
}

// Disconnected reports whether Disconnect was called.
func (s *Synthesizer) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disc
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
