package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callcore/pkg/adapters/stt"
	"github.com/harunnryd/callcore/pkg/logging"
	"github.com/harunnryd/callcore/pkg/redact"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Language   string `mapstructure:"language"`
	SampleRate int    `mapstructure:"sample_rate"`
	Encoding   string `mapstructure:"encoding"`
	Interim    bool   `mapstructure:"interim"`
	VADEvents  bool   `mapstructure:"vad_events"`
	// UtteranceEndMS enables Deepgram's utterance-end signal, reported as
	// speech ended.
	UtteranceEndMS int `mapstructure:"utterance_end_ms"`
	CallID         string
	TraceID        string
	Logger         *slog.Logger
}

// audioQueue is the caller audio held while the SDK's stream reader is
// behind, about five seconds of 20ms frames.
const audioQueue = 256

// Transcriber streams caller audio to Deepgram's live endpoint.
type Transcriber struct {
	cfg    Config
	out    chan stt.Event
	logger *slog.Logger

	mu         sync.Mutex
	dgClient   *client.WSCallback
	cancel     context.CancelFunc
	pipeWriter *io.PipeWriter
	audio      chan []byte
	dropped    int
	stopped    bool
	metaLogged bool

	vadEnabled   bool
	vadThreshold float64
}

func New(cfg Config) *Transcriber {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2-phonecall"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	logger := logging.NewComponentLogger(cfg.Logger, "deepgram_stt").With(
		slog.String("call_id", cfg.CallID),
	)
	return &Transcriber{
		cfg:        cfg,
		out:        make(chan stt.Event, 256),
		logger:     logger,
		vadEnabled: true,
	}
}

func (s *Transcriber) Name() string { return "deepgram_streaming" }

func (s *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("deepgram_connecting",
		slog.String("model", s.cfg.Model),
		slog.Bool("vad_events", s.cfg.VADEvents),
		slog.Int("sample_rate", s.cfg.SampleRate),
		slog.Int("utterance_end_ms", s.cfg.UtteranceEndMS))

	dgClient, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		cancel()
		s.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return err
	}
	if connected := dgClient.Connect(); !connected {
		cancel()
		s.logger.Error("deepgram_connect_failed")
		return fmt.Errorf("deepgram connection failed")
	}

	s.mu.Lock()
	s.dgClient = dgClient
	s.cancel = cancel
	s.pipeWriter = pw
	s.stopped = false
	s.mu.Unlock()
	s.startPump(ctx, pw)

	s.logger.Info("deepgram_connected", slog.String("model", s.cfg.Model))

	go func() {
		if err := dgClient.Stream(pr); err != nil && ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
			s.emit(stt.Event{Kind: stt.EventError, Err: err})
		}
	}()
	return nil
}

func (s *Transcriber) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, pw, dg := s.cancel, s.pipeWriter, s.dgClient
	s.pipeWriter = nil
	s.audio = nil
	s.mu.Unlock()

	s.logger.Info("deepgram_closing")
	if cancel != nil {
		cancel()
	}
	if pw != nil {
		_ = pw.Close()
	}
	if dg != nil {
		dg.Stop()
	}
	return nil
}

// SendAudio queues a chunk for the stream and never blocks. Chunks that do
// not fit the queue are dropped.
func (s *Transcriber) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		return fmt.Errorf("not started")
	}
	select {
	case s.audio <- chunk:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			s.logger.Warn("deepgram_audio_dropped", slog.Int("dropped_total", s.dropped))
		}
	}
	return nil
}

func (s *Transcriber) startPump(ctx context.Context, w io.Writer) {
	audio := make(chan []byte, audioQueue)
	s.mu.Lock()
	s.audio = audio
	s.dropped = 0
	s.mu.Unlock()
	go s.pump(ctx, w, audio)
}

// pump writes queued audio into the pipe the SDK streams from. It exits
// when the connection's context ends or the pipe is closed.
func (s *Transcriber) pump(ctx context.Context, w io.Writer, audio <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-audio:
			if _, err := w.Write(chunk); err != nil {
				if ctx.Err() == nil {
					s.logger.Error("deepgram_send_failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func (s *Transcriber) Events() <-chan stt.Event { return s.out }

// SetVAD gates speech-start signals and sets the confidence an interim
// transcript needs before it counts as caller speech. Deepgram's own
// endpointing is fixed for the connection.
func (s *Transcriber) SetVAD(enabled bool, threshold float64) {
	s.mu.Lock()
	s.vadEnabled = enabled
	s.vadThreshold = threshold
	s.mu.Unlock()
	s.logger.Debug("deepgram_vad_tuned", slog.Bool("enabled", enabled), slog.Float64("threshold", threshold))
}

func (s *Transcriber) vad() (bool, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vadEnabled, s.vadThreshold
}

func (s *Transcriber) emit(ev stt.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case s.out <- ev:
	default:
		s.logger.Warn("deepgram_out_channel_full", slog.String("kind", ev.Kind.String()))
	}
}

// handleTranscript applies VAD gating to one transcript result.
func (s *Transcriber) handleTranscript(text string, confidence float64, isFinal bool) {
	if text == "" {
		return
	}
	if !isFinal {
		if _, threshold := s.vad(); confidence < threshold {
			return
		}
	}
	s.logger.Debug("transcript_received",
		slog.String("transcript", redact.Text(text)),
		slog.Bool("is_final", isFinal),
		slog.Float64("confidence", confidence))
	s.emit(stt.Event{Kind: stt.EventTranscript, Text: text, IsFinal: isFinal, Confidence: confidence})
}

func (s *Transcriber) handleSpeechStarted() {
	if enabled, _ := s.vad(); !enabled {
		return
	}
	s.emit(stt.Event{Kind: stt.EventSpeechStarted})
}

type callback struct {
	parent *Transcriber
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	c.parent.handleTranscript(alt.Transcript, alt.Confidence, mr.IsFinal || mr.SpeechFinal)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.mu.Lock()
	first := !c.parent.metaLogged
	c.parent.metaLogged = true
	c.parent.mu.Unlock()
	if first {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.handleSpeechStarted()
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event")
	c.parent.emit(stt.Event{Kind: stt.EventSpeechEnded})
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	c.parent.emit(stt.Event{Kind: stt.EventClosed})
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.emit(stt.Event{Kind: stt.EventError, Err: fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg)})
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var (
	_ stt.Transcriber = (*Transcriber)(nil)
	_ stt.VADTuner    = (*Transcriber)(nil)
)
