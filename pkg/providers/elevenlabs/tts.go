package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/callcore/pkg/adapters/tts"
	"github.com/harunnryd/callcore/pkg/logging"
	"github.com/harunnryd/callcore/pkg/resilience"
)

const DefaultBaseURL = "wss://api.elevenlabs.io"

type Config struct {
	APIKey  string `mapstructure:"api_key"`
	VoiceID string `mapstructure:"voice_id"`
	ModelID string `mapstructure:"model_id"`
	// OutputFormat defaults to ulaw_8000, the telephony wire format.
	OutputFormat    string  `mapstructure:"output_format"`
	BaseURL         string  `mapstructure:"base_url"`
	Stability       float64 `mapstructure:"stability"`
	SimilarityBoost float64 `mapstructure:"similarity_boost"`
	CallID          string
	Logger          *slog.Logger
}

// Synthesizer speaks each utterance over its own stream-input websocket.
// The socket closes after the final audio chunk, which is reported as
// EventDone.
type Synthesizer struct {
	cfg    Config
	out    chan tts.Event
	logger *slog.Logger
	dialer websocket.Dialer

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	warm   *websocket.Conn
	conns  map[uint64]*websocket.Conn
	gen    uint64
	closed bool
	// stop is closed when the current generation ends. Terminal events
	// wait on it while the channel is full.
	stop chan struct{}
	// sendMu is held shared by a waiting terminal send. Cancel takes it
	// exclusively before purging.
	sendMu sync.RWMutex
}

type inbound struct {
	Audio   *string `json:"audio"`
	IsFinal *bool   `json:"isFinal"`
	Message string  `json:"message"`
	Error   string  `json:"error"`
}

func New(cfg Config) *Synthesizer {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "ulaw_8000"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.SimilarityBoost == 0 {
		cfg.SimilarityBoost = 0.8
	}
	return &Synthesizer{
		cfg:    cfg,
		out:    make(chan tts.Event, 256),
		logger: logging.NewComponentLogger(cfg.Logger, "elevenlabs_tts").With(slog.String("call_id", cfg.CallID)),
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		conns:  make(map[uint64]*websocket.Conn),
		stop:   make(chan struct{}),
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs_tts" }

// Connect validates the configuration and opens the socket the first
// utterance will use.
func (s *Synthesizer) Connect(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errors.New("missing elevenlabs config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.warm = conn
	s.closed = false
	s.mu.Unlock()
	s.logger.Info("elevenlabs_connected", slog.String("output_format", s.cfg.OutputFormat))
	return nil
}

func (s *Synthesizer) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.advance()
	conns := make([]*websocket.Conn, 0, len(s.conns)+1)
	for g, c := range s.conns {
		conns = append(conns, c)
		delete(s.conns, g)
	}
	if s.warm != nil {
		conns = append(conns, s.warm)
		s.warm = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	s.logger.Info("elevenlabs_disconnected")
	return nil
}

// Speak starts an utterance and returns without waiting on the network.
// Dial and send failures arrive as EventError.
func (s *Synthesizer) Speak(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty text")
	}
	s.mu.Lock()
	if s.closed || s.ctx == nil {
		s.mu.Unlock()
		return errors.New("not connected")
	}
	ctx := s.ctx
	conn := s.warm
	s.warm = nil
	s.advance()
	g := s.gen
	s.mu.Unlock()

	go s.stream(ctx, g, conn, text)
	return nil
}

// stream runs one utterance on its own socket until the final chunk.
func (s *Synthesizer) stream(ctx context.Context, g uint64, conn *websocket.Conn, text string) {
	if conn == nil {
		var err error
		if conn, err = s.dial(ctx); err != nil {
			s.deliver(g, tts.Event{Kind: tts.EventError, Err: err})
			return
		}
	}

	s.mu.Lock()
	if s.closed || g != s.gen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[g] = conn
	s.mu.Unlock()

	msgs := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        s.cfg.Stability,
				"similarity_boost": s.cfg.SimilarityBoost,
			},
			"generation_config": map[string]any{
				"chunk_length_schedule": []int{120, 160, 250, 290},
			},
		},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, m := range msgs {
		if err := conn.WriteJSON(m); err != nil {
			if s.current(g) {
				s.logger.Error("elevenlabs_send_failed", slog.String("error", err.Error()))
				s.deliver(g, tts.Event{Kind: tts.EventError, Err: fmt.Errorf("elevenlabs send: %w", err)})
			}
			s.drop(g)
			return
		}
	}
	s.logger.Debug("elevenlabs_speak", slog.Int("chars", len(text)))
	s.readLoop(conn, g)
}

// Cancel abandons the current utterance and purges audio already queued
// for it.
func (s *Synthesizer) Cancel() error {
	s.mu.Lock()
	g := s.gen
	conn := s.conns[g]
	delete(s.conns, g)
	s.advance()
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	// Wait out terminal sends of the abandoned generation.
	s.sendMu.Lock()
	s.sendMu.Unlock()
purge:
	for {
		select {
		case <-s.out:
		default:
			break purge
		}
	}
	s.logger.Info("elevenlabs_cancelled")
	return nil
}

func (s *Synthesizer) Events() <-chan tts.Event { return s.out }

func (s *Synthesizer) buildURL() (string, error) {
	base, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/"))
	if err != nil {
		return "", err
	}
	base.Path += "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (s *Synthesizer) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := s.buildURL()
	if err != nil {
		return nil, err
	}
	conn, resp, err := s.dialer.DialContext(ctx, u, http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Error("elevenlabs_rate_limited", slog.String("status", resp.Status))
			return nil, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		s.logger.Error("elevenlabs_connect_failed", slog.String("error", err.Error()))
		return nil, err
	}
	return conn, nil
}

func (s *Synthesizer) readLoop(conn *websocket.Conn, g uint64) {
	defer s.drop(g)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.current(g) {
				s.logger.Error("elevenlabs_read_error", slog.String("error", err.Error()))
				s.deliver(g, tts.Event{Kind: tts.EventError, Err: err})
			}
			return
		}
		if done := s.handleMessage(g, data); done {
			return
		}
	}
}

// handleMessage reports whether the utterance has finished.
func (s *Synthesizer) handleMessage(g uint64, data []byte) bool {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("elevenlabs_bad_message", slog.Int("bytes", len(data)))
		return false
	}
	if msg.Error != "" || (msg.Message != "" && msg.Audio == nil) {
		err := fmt.Errorf("elevenlabs: %s %s", msg.Error, msg.Message)
		s.deliver(g, tts.Event{Kind: tts.EventError, Err: err})
		return true
	}
	if msg.Audio != nil && *msg.Audio != "" {
		raw, err := base64.StdEncoding.DecodeString(*msg.Audio)
		if err != nil {
			s.logger.Error("elevenlabs_audio_decode_error", slog.String("error", err.Error()))
		} else if len(raw) > 0 {
			s.deliver(g, tts.Event{Kind: tts.EventAudio, Audio: raw})
		}
	}
	if msg.IsFinal != nil && *msg.IsFinal {
		s.deliver(g, tts.Event{Kind: tts.EventDone})
		return true
	}
	return false
}

func (s *Synthesizer) current(g uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && g == s.gen
}

// deliver holds the lock while queueing so nothing from a cancelled
// utterance is queued once Cancel has returned. Audio is dropped when the
// channel is full; Done and Error wait for room until the generation ends.
func (s *Synthesizer) deliver(g uint64, ev tts.Event) {
	s.mu.Lock()
	if s.closed || g != s.gen {
		s.mu.Unlock()
		return
	}
	select {
	case s.out <- ev:
		s.mu.Unlock()
		return
	default:
	}
	if ev.Kind == tts.EventAudio {
		s.mu.Unlock()
		s.logger.Warn("elevenlabs_out_channel_full", slog.String("kind", ev.Kind.String()))
		return
	}
	stop := s.stop
	s.sendMu.RLock()
	s.mu.Unlock()
	defer s.sendMu.RUnlock()
	select {
	case s.out <- ev:
	case <-stop:
	}
}

// advance ends the current generation. s.mu must be held.
func (s *Synthesizer) advance() {
	s.gen++
	close(s.stop)
	s.stop = make(chan struct{})
}

func (s *Synthesizer) drop(g uint64) {
	s.mu.Lock()
	conn := s.conns[g]
	delete(s.conns, g)
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
