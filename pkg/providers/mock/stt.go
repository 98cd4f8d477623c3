package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/callcore/pkg/adapters/stt"
)

var errNotStarted = errors.New("not started")

type STTConfig struct {
	// Transcript, when set, is emitted once after the first audio chunk:
	// speech started, an optional interim, the final and speech ended.
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	// StartErr makes Start fail.
	StartErr error
}

// Transcriber is a scriptable in-memory stt.Transcriber.
type Transcriber struct {
	cfg     STTConfig
	out     chan stt.Event
	mu      sync.Mutex
	started bool
	stopped bool
	emitted bool
	audio   int
	vad     []VADSetting
}

// VADSetting records one SetVAD call.
type VADSetting struct {
	Enabled   bool
	Threshold float64
}

func NewSTT(cfg STTConfig) *Transcriber {
	return &Transcriber{cfg: cfg, out: make(chan stt.Event, 64)}
}

func (s *Transcriber) Name() string { return "mock_stt" }

func (s *Transcriber) Start(ctx context.Context) error {
	if s.cfg.StartErr != nil {
		return s.cfg.StartErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *Transcriber) Stop() error {
	s.mu.Lock()
	s.started = false
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *Transcriber) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errNotStarted
	}
	s.audio += len(chunk)
	script := s.cfg.Transcript != "" && !s.emitted
	s.emitted = true
	s.mu.Unlock()

	if !script {
		return nil
	}
	s.SpeechStarted()
	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.Partial(interim)
	}
	s.Final(s.cfg.Transcript)
	s.SpeechEnded()
	return nil
}

func (s *Transcriber) Events() <-chan stt.Event { return s.out }

func (s *Transcriber) SetVAD(enabled bool, threshold float64) {
	s.mu.Lock()
	s.vad = append(s.vad, VADSetting{Enabled: enabled, Threshold: threshold})
	s.mu.Unlock()
}

// Partial injects an interim transcript.
func (s *Transcriber) Partial(text string) {
	s.emit(stt.Event{Kind: stt.EventTranscript, Text: text})
}

// Final injects a final transcript.
func (s *Transcriber) Final(text string) {
	s.emit(stt.Event{Kind: stt.EventTranscript, Text: text, IsFinal: true, Confidence: 0.98})
}

func (s *Transcriber) SpeechStarted() { s.emit(stt.Event{Kind: stt.EventSpeechStarted}) }

func (s *Transcriber) SpeechEnded() { s.emit(stt.Event{Kind: stt.EventSpeechEnded}) }

// Fail injects a transcriber error.
func (s *Transcriber) Fail(err error) { s.emit(stt.Event{Kind: stt.EventError, Err: err}) }

func (s *Transcriber) emit(ev stt.Event) {
	ev.At = time.Now()
	s.out <- ev
}

// Stopped reports whether Stop was called.
func (s *Transcriber) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// AudioBytes is the total caller audio received.
func (s *Transcriber) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// VADSettings returns every SetVAD call in order.
func (s *Transcriber) VADSettings() []VADSetting {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]VADSetting(nil), s.vad...)
}

var (
	_ stt.Transcriber = (*Transcriber)(nil)
	_ stt.VADTuner    = (*Transcriber)(nil)
)
