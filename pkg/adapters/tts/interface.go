package tts

import "context"

type EventKind int

const (
	EventAudio EventKind = iota
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event carries synthesized audio (EventAudio), end of an utterance
// (EventDone) or a failure (EventError).
type Event struct {
	Kind  EventKind
	Audio []byte
	Err   error
}

// Synthesizer defines the contract for any streaming TTS vendor.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Connect opens the vendor connection.
	Connect(ctx context.Context) error
	// Disconnect closes the vendor connection. It is safe to call more than once.
	Disconnect() error
	// Speak queues text for synthesis; audio arrives on Events.
	Speak(text string) error
	// Cancel abandons the in-flight utterance. Audio already queued for it
	// must not be delivered after Cancel returns.
	Cancel() error
	// Events delivers audio chunks and completion signals.
	Events() <-chan Event
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	CallID       string
	VoiceID      string
	OutputFormat string
	SampleRate   int
}
