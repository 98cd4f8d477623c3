package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/callcore/pkg/errorsx"
	"github.com/harunnryd/callcore/pkg/logging"
	"github.com/harunnryd/callcore/pkg/redact"
	"github.com/harunnryd/callcore/pkg/transports"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	UnknownNumberText  string   `mapstructure:"unknown_number_text"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

const defaultUnknownNumberText = "Sorry, this number is not currently in service. Goodbye."

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.UnknownNumberText == "" {
		c.UnknownNumberText = defaultUnknownNumberText
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// TenantLookup resolves the tenant answering a dialed number.
type TenantLookup func(ctx context.Context, dialed string) (tenantID string, ok bool)

// StreamHandler runs one call's media stream. It is invoked on its own
// goroutine once the stream's start message arrives.
type StreamHandler func(ctx context.Context, start transports.StartInfo, stream transports.MediaStream)

// CallEndHandler is told about calls the carrier reports as finished.
type CallEndHandler func(callID, reason string)

type Handlers struct {
	Lookup  TenantLookup
	Stream  StreamHandler
	CallEnd CallEndHandler
}

type Transport struct {
	cfg      Config
	handlers Handlers
	logger   *slog.Logger
	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader

	updateClient callUpdater

	mu       sync.Mutex
	sessions map[string]*session
	// callStreams maps call sid to its current stream sid.
	callStreams map[string]string

	draining atomic.Bool
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config, h Handlers, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:      cfg,
		handlers: h,
		logger:   logging.NewComponentLogger(logger, "twilio_transport"),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions:    make(map[string]*session),
		callStreams: make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	t.mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	t.mux.Handle(t.cfg.WebsocketPath, t)
	t.mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	return t
}

func (t *Transport) Name() string { return "twilio" }

// Handle registers an extra route on the transport's server. Call it
// before Start.
func (t *Transport) Handle(pattern string, h http.Handler) {
	t.mux.Handle(pattern, h)
}

// Handler exposes the routes for tests and embedding.
func (t *Transport) Handler() http.Handler { return t.mux }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
	}
}

// ActiveStreams is the number of connected media streams.
func (t *Transport) ActiveStreams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	t.logger.Info("twilio_transport_listening", "addr", t.cfg.ServerAddr)
	return nil
}

// Drain refuses new media streams; live ones keep running.
func (t *Transport) Drain() {
	t.draining.Store(true)
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*session)
	t.callStreams = make(map[string]string)
	t.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.close()
	}
	return nil
}

// ServeHTTP upgrades a Twilio media stream and pumps its messages into a
// MediaStream until the carrier stops it or the socket drops.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var stream *mediaStream
	defer func() {
		if stream != nil {
			t.detach(stream.streamID)
			stream.finish()
		}
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if stream != nil && !stream.isClosed() {
				stream.push(transports.MediaEvent{Kind: transports.MediaError, Err: err})
			}
			return
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "connected":
		case "start":
			if evt.Start == nil || stream != nil {
				continue
			}
			info := startInfo(evt)
			stream = t.attach(info, conn)
			t.logger.Info("media_stream_started",
				"call_id", info.CallID,
				"stream_id", info.StreamID,
				"tenant_id", info.TenantID,
				"from", redact.Phone(info.From))
			stream.push(transports.MediaEvent{Kind: transports.MediaStart, Start: info})
			if t.handlers.Stream != nil {
				ctx := context.WithoutCancel(r.Context())
				go t.handlers.Stream(ctx, info, stream)
			}
		case "media":
			if evt.Media == nil || stream == nil {
				continue
			}
			if evt.Media.Track != "" && evt.Media.Track != "inbound" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			stream.pushAudio(payload)
		case "stop":
			if stream != nil {
				t.logger.Info("media_stream_stopped", "call_id", stream.callID, "stream_id", stream.streamID)
				stream.push(transports.MediaEvent{Kind: transports.MediaStop})
			}
			return
		}
	}
}

// Transfer redirects a live call to phone with a <Dial>.
func (t *Transport) Transfer(ctx context.Context, callID, phone string) error {
	if strings.TrimSpace(callID) == "" {
		return errorsx.Errorf(errorsx.ReasonTransfer, "call sid required")
	}
	if strings.TrimSpace(phone) == "" {
		return errorsx.Errorf(errorsx.ReasonTransfer, "transfer number required")
	}
	updater := t.updateClient
	if updater == nil {
		if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
			return errorsx.Errorf(errorsx.ReasonTransfer, "missing twilio credentials")
		}
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(buildDialTwiml(phone))
	// UpdateCall takes no context, so the deadline is only honoured up to
	// the request.
	if err := ctx.Err(); err != nil {
		return errorsx.Errorf(errorsx.ReasonTransfer, "transfer %s: %w", callID, err)
	}
	if _, err := updater.UpdateCall(callID, params); err != nil {
		return errorsx.Errorf(errorsx.ReasonTransfer, "update call %s: %w", callID, err)
	}
	t.logger.Info("call_transferred", "call_id", callID, "to", redact.Phone(phone))
	return nil
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	callSID := r.FormValue("CallSid")
	from := r.FormValue("From")
	to := r.FormValue("To")

	var tenantID string
	ok := false
	if t.handlers.Lookup != nil {
		tenantID, ok = t.handlers.Lookup(r.Context(), to)
	}
	w.Header().Set("Content-Type", "text/xml")
	if !ok {
		t.logger.Warn("voice_unknown_number",
			"call_id", callSID,
			"to", redact.Phone(to),
			"reason_code", string(errorsx.ReasonTenantNotFound))
		_, _ = w.Write([]byte(buildRejectTwiml(t.cfg.UnknownNumberText)))
		return
	}
	t.logger.Info("voice_call_routed", "call_id", callSID, "tenant_id", tenantID, "from", redact.Phone(from))
	_, _ = w.Write([]byte(buildStreamTwiml(t.websocketURL(r), map[string]string{
		ParamTenantID: tenantID,
		ParamFrom:     from,
		ParamTo:       to,
	})))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.logger.Info("call_status_final", "call_id", callSID, "reason", reason)
	if t.handlers.CallEnd != nil {
		t.handlers.CallEnd(callSID, reason)
	}
	if streamID := t.streamForCall(callSID); streamID != "" {
		t.detach(streamID)
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	return t.publicURL(t.cfg.VoicePath)
}

func (t *Transport) statusCallbackURL() string {
	return t.publicURL(t.cfg.StatusCallbackPath)
}

func (t *Transport) publicURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

// attach registers a new stream, closing any older stream of the same call.
func (t *Transport) attach(info transports.StartInfo, conn *websocket.Conn) *mediaStream {
	sess := newSession(conn)
	stream := newMediaStream(info, sess, t.logger)
	var old *session
	t.mu.Lock()
	if info.CallID != "" {
		if existing := t.callStreams[info.CallID]; existing != "" && existing != info.StreamID {
			old = t.sessions[existing]
			delete(t.sessions, existing)
		}
		t.callStreams[info.CallID] = info.StreamID
	}
	t.sessions[info.StreamID] = sess
	t.mu.Unlock()
	if old != nil {
		t.logger.Info("media_stream_replaced", "call_id", info.CallID)
		_ = old.close()
	}
	go sess.loop()
	return stream
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	sess := t.sessions[streamID]
	delete(t.sessions, streamID)
	for call, s := range t.callStreams {
		if s == streamID {
			delete(t.callStreams, call)
		}
	}
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func startInfo(evt TwilioEvent) transports.StartInfo {
	params := evt.Start.CustomParameters
	if params == nil {
		params = map[string]string{}
	}
	streamID := evt.Start.StreamID
	if streamID == "" {
		streamID = evt.StreamSID
	}
	if streamID == "" {
		streamID = "stream-" + uuid.NewString()
	}
	return transports.StartInfo{
		CallID:     evt.Start.CallSID,
		StreamID:   streamID,
		From:       params[ParamFrom],
		To:         params[ParamTo],
		TenantID:   params[ParamTenantID],
		Parameters: params,
	}
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var _ transports.CallTransferrer = (*Transport)(nil)
var _ transports.ReadyReporter = (*Transport)(nil)
