package twilio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/callcore/pkg/transports"
)

var errStreamClosed = errors.New("media stream closed")

// mediaStream adapts one Twilio media websocket to transports.MediaStream.
// Only the websocket read goroutine pushes events.
type mediaStream struct {
	callID   string
	streamID string
	sess     *session
	logger   *slog.Logger

	events    chan transports.MediaEvent
	done      chan struct{}
	closeOnce sync.Once
	dropped   int
}

func newMediaStream(info transports.StartInfo, sess *session, logger *slog.Logger) *mediaStream {
	return &mediaStream{
		callID:   info.CallID,
		streamID: info.StreamID,
		sess:     sess,
		logger:   logger.With("call_id", info.CallID, "stream_id", info.StreamID),
		events:   make(chan transports.MediaEvent, 512),
		done:     make(chan struct{}),
	}
}

func (m *mediaStream) Events() <-chan transports.MediaEvent { return m.events }

func (m *mediaStream) SendAudio(chunk []byte) error {
	if m.isClosed() {
		return errStreamClosed
	}
	return m.sess.enqueue(map[string]any{
		"event":     "media",
		"streamSid": m.streamID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(chunk),
		},
	})
}

func (m *mediaStream) ClearAudio() error {
	if m.isClosed() {
		return errStreamClosed
	}
	return m.sess.enqueue(map[string]any{
		"event":     "clear",
		"streamSid": m.streamID,
	})
}

// Close hangs up the media leg. It is safe to call more than once.
func (m *mediaStream) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return m.sess.close()
}

func (m *mediaStream) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// push delivers a control event unless the consumer has closed the stream.
func (m *mediaStream) push(ev transports.MediaEvent) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// pushAudio drops caller audio rather than stall the socket reader.
func (m *mediaStream) pushAudio(payload []byte) {
	select {
	case m.events <- transports.MediaEvent{Kind: transports.MediaAudio, Audio: payload}:
	default:
		m.dropped++
		if m.dropped == 1 || m.dropped%100 == 0 {
			m.logger.Warn("media_inbound_dropped", "dropped_total", m.dropped)
		}
	}
}

// finish closes the event channel after the reader's last push.
func (m *mediaStream) finish() {
	close(m.events)
}

// session serializes writes to one websocket.
type session struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	sendCh chan []byte
	closed bool
}

func newSession(conn *websocket.Conn) *session {
	return &session{conn: conn, sendCh: make(chan []byte, 256)}
}

func (s *session) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	select {
	case s.sendCh <- b:
		return nil
	default:
		return errors.New("media send queue full")
	}
}

func (s *session) loop() {
	for msg := range s.sendCh {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *session) close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.sendCh)
	}
	s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

type TwilioStart struct {
	CallSID          string            `json:"callSid"`
	StreamID         string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
}

type TwilioMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type TwilioStop struct {
	CallSID string `json:"callSid"`
}

type TwilioEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Start     *TwilioStart `json:"start,omitempty"`
	Media     *TwilioMedia `json:"media,omitempty"`
	Stop      *TwilioStop  `json:"stop,omitempty"`
}

var _ transports.MediaStream = (*mediaStream)(nil)
