package transports

import "context"

type MediaEventKind int

const (
	MediaStart MediaEventKind = iota
	MediaAudio
	MediaStop
	MediaError
)

func (k MediaEventKind) String() string {
	switch k {
	case MediaStart:
		return "start"
	case MediaAudio:
		return "audio"
	case MediaStop:
		return "stop"
	case MediaError:
		return "error"
	default:
		return "unknown"
	}
}

// StartInfo identifies a media stream once the carrier announces it.
type StartInfo struct {
	CallID     string
	StreamID   string
	From       string
	To         string
	TenantID   string
	Parameters map[string]string
}

type MediaEvent struct {
	Kind  MediaEventKind
	Start StartInfo
	Audio []byte
	Err   error
}

// MediaStream is the bidirectional audio leg of one call.
type MediaStream interface {
	Events() <-chan MediaEvent
	// SendAudio writes one outbound μ-law chunk.
	SendAudio(chunk []byte) error
	// ClearAudio discards audio the carrier has buffered but not yet played.
	ClearAudio() error
	Close() error
}

// CallTransferrer redirects a live call to another number.
type CallTransferrer interface {
	Transfer(ctx context.Context, callID, phone string) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
