package stt

import (
	"context"
	"time"
)

type EventKind int

const (
	EventTranscript EventKind = iota
	EventSpeechStarted
	EventSpeechEnded
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechEnded:
		return "speech_ended"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one notification from a transcriber. Text and IsFinal are set
// for EventTranscript, Err for EventError.
type Event struct {
	Kind       EventKind
	Text       string
	IsFinal    bool
	Confidence float64
	Err        error
	At         time.Time
}

// Transcriber defines the contract for any streaming STT vendor.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens the vendor connection.
	Start(ctx context.Context) error
	// Stop closes the vendor connection. It is safe to call more than once.
	Stop() error
	// SendAudio forwards one chunk of caller audio.
	SendAudio(chunk []byte) error
	// Events delivers transcripts and VAD signals in arrival order.
	Events() <-chan Event
}

// VADTuner is implemented by transcribers whose speech detection
// sensitivity can change mid-call.
type VADTuner interface {
	SetVAD(enabled bool, threshold float64)
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	CallID     string
	TraceID    string
	SampleRate int
	Encoding   string
	Language   string
}
