package callcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/callcore/pkg/agent"
	"github.com/harunnryd/callcore/pkg/audio"
	"github.com/harunnryd/callcore/pkg/fallback"
	"github.com/harunnryd/callcore/pkg/llm"
	"github.com/harunnryd/callcore/pkg/logging"
	"github.com/harunnryd/callcore/pkg/metrics"
	"github.com/harunnryd/callcore/pkg/observers"
	"github.com/harunnryd/callcore/pkg/redact"
	"github.com/harunnryd/callcore/pkg/resilience"
	"github.com/harunnryd/callcore/pkg/tenant"
	"github.com/harunnryd/callcore/pkg/transports"
	"github.com/harunnryd/callcore/pkg/transports/twilio"
	"github.com/harunnryd/callcore/pkg/turn"
)

// EndShutdown ends calls still live when the engine drains.
const EndShutdown = "shutdown"

type Options struct {
	Config    Config
	Providers *ProviderRegistry
	// Store overrides the tenant_cache driver.
	Store tenant.Store
	// Tools are offered to the model; transfer_to_human is always available.
	Tools llm.ToolRegistry
	// Observers receive every call event next to the built-in ones.
	Observers []metrics.Observer
	Logger    *slog.Logger
}

// Engine wires the tenant cache, the Twilio transport and one turn manager
// per live call.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	providers *ProviderRegistry
	store     tenant.Store
	cache     *tenant.Cache
	transport *twilio.Transport
	chain     *fallback.Chain
	state     *fallback.Registry
	calls     *callRegistry
	breaker   *resilience.CircuitBreaker

	prom     *metrics.PrometheusObserver
	obs      *metrics.AsyncObserver
	timeline *observers.TimelineObserver
	sweeper  *observers.RetentionSweeper

	closeStore func()
	draining   atomic.Bool
}

func NewEngine(opts Options) (*Engine, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)
	log := logging.NewComponentLogger(opts.Logger, "engine")

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	adapter, err := providers.BuildLLM(cfg.Vendors.LLM)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		log:       log,
		providers: providers,
		store:     opts.Store,
		state:     fallback.NewRegistry(),
		calls:     newCallRegistry(),
	}
	if e.store == nil {
		if err := e.openStore(); err != nil {
			return nil, err
		}
	}

	e.prom = metrics.NewPrometheusObserver(cfg.Observability.Namespace)
	obsList := []metrics.Observer{
		e.prom,
		observers.NewLoggerObserver(opts.Logger),
		observers.NewLatencyObserver(opts.Logger),
	}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if days := cfg.Observability.RetentionDays; days > 0 {
			e.sweeper = observers.NewRetentionSweeper(dir, time.Duration(days)*24*time.Hour, 0, opts.Logger)
		}
		e.timeline = observers.NewTimelineObserver(dir)
		obsList = append(obsList, e.timeline, observers.NewCostObserver(dir))
	}
	obsList = append(obsList, opts.Observers...)
	e.obs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), cfg.Observability.EventBuffer)

	e.cache = tenant.NewCache(e.store, tenant.Options{
		RefreshInterval: cfg.TenantCache.RefreshInterval,
		Logger:          opts.Logger,
		Observer:        e.obs,
	})

	tools := opts.Tools
	if tools == nil {
		tools = agent.NewFuncRegistry()
	}
	e.breaker = resilience.NewCircuitBreaker(
		cfg.Agent.BreakerThreshold,
		time.Duration(cfg.Agent.BreakerCooldownMS)*time.Millisecond,
	)
	reasoner := agent.New(adapter, tools, agent.Options{
		MaxToolRounds: cfg.Agent.MaxToolRounds,
		MaxTokens:     cfg.Agent.MaxTokens,
		Retry:         llm.RetryConfig{MaxAttempts: cfg.Agent.RetryAttempts},
		Breaker:       e.breaker,
		Observer:      e.obs,
		Logger:        opts.Logger,
	})
	policy := fallback.NewDefaultPolicy(fallback.PolicyConfig{
		FrustrationThreshold: cfg.Fallback.FrustrationThreshold,
		OffTopicThreshold:    cfg.Fallback.OffTopicThreshold,
		AIFailureThreshold:   cfg.Fallback.AIFailureThreshold,
	})
	e.chain = fallback.NewChain(reasoner, policy, fallback.Options{
		MaxTotalRetries: cfg.Fallback.MaxTotalRetries,
		Prompts:         fallback.NewRandomPool(cfg.Fallback.ClarificationPrompts, time.Now().UnixNano()),
		BookingTools:    cfg.Fallback.BookingTools,
		TransferTools:   cfg.Fallback.TransferTools,
		TransferNotice:  cfg.Fallback.TransferNotice,
		FailureNotice:   cfg.Fallback.FailureNotice,
		Logger:          opts.Logger,
	})

	tcfg := cfg.Twilio
	if tcfg.ServerAddr == "" {
		tcfg.ServerAddr = cfg.Server.Addr
	}
	e.transport = twilio.New(tcfg, twilio.Handlers{
		Lookup:  e.lookupTenant,
		Stream:  e.handleStream,
		CallEnd: e.handleCallEnd,
	}, opts.Logger)
	metricsPath := cfg.Observability.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	healthPath := cfg.Server.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	e.transport.Handle(metricsPath, e.prom.Handler())
	e.transport.Handle(healthPath, http.HandlerFunc(e.handleHealth))

	log.Info("engine_init",
		"environment", cfg.Environment,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"tenant_driver", e.storeDriver(),
	)
	return e, nil
}

func (e *Engine) storeDriver() string {
	d := strings.ToLower(strings.TrimSpace(e.cfg.TenantCache.Driver))
	if d == "" {
		return "memory"
	}
	return d
}

func (e *Engine) openStore() error {
	switch e.storeDriver() {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := tenant.OpenPostgresStore(ctx, e.cfg.TenantCache.DSN)
		if err != nil {
			return fmt.Errorf("open tenant store: %w", err)
		}
		e.store = pg
		e.closeStore = pg.Close
	case "memory":
		e.store = tenant.NewMemoryStore(e.cfg.TenantCache.Tenants...)
	default:
		return fmt.Errorf("tenant_cache.driver %q is not supported", e.cfg.TenantCache.Driver)
	}
	return nil
}

// Start loads the tenant cache and begins serving webhooks and media. A
// failed initial tenant load is logged and the engine still starts.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cache.Initialize(ctx); err != nil {
		e.log.Warn("engine_started_with_empty_tenant_cache", "error", err)
	}
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	if e.sweeper != nil {
		e.sweeper.Start()
	}
	for k, v := range e.transport.ReadyFields() {
		e.log.Info("engine_ready", "field", k, "value", v)
	}
	return nil
}

// Drain refuses new calls, ends live ones and stops background work.
func (e *Engine) Drain(ctx context.Context) error {
	if !e.draining.CompareAndSwap(false, true) {
		return nil
	}
	e.transport.Drain()
	active := e.calls.count()
	e.log.Info("engine_draining", "active_calls", active)
	e.calls.closeAll(EndShutdown)
	var err error
	if !e.calls.waitForEmpty(ctx, 50*time.Millisecond) {
		err = fmt.Errorf("drain: %d calls still active", e.calls.count())
	}
	e.cache.Shutdown()
	_ = e.transport.Stop()
	if e.sweeper != nil {
		e.sweeper.Stop()
	}
	e.obs.Close()
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	if e.closeStore != nil {
		e.closeStore()
	}
	return err
}

// Handler exposes every HTTP route, mostly for tests.
func (e *Engine) Handler() http.Handler { return e.transport.Handler() }

func (e *Engine) Cache() *tenant.Cache { return e.cache }

func (e *Engine) ActiveCalls() int { return e.calls.count() }

func (e *Engine) lookupTenant(ctx context.Context, dialed string) (string, bool) {
	t, err := e.cache.LookupByPhoneWithFallback(ctx, dialed)
	if err != nil || t == nil {
		return "", false
	}
	return t.ID, true
}

func (e *Engine) resolveTenant(ctx context.Context, start transports.StartInfo) (tenant.Tenant, error) {
	if start.TenantID != "" {
		if t := e.cache.LookupByID(start.TenantID); t != nil {
			return *t, nil
		}
	}
	t, err := e.cache.LookupByPhoneWithFallback(ctx, start.To)
	if err != nil {
		return tenant.Tenant{}, err
	}
	return *t, nil
}

// handleStream runs one call from stream start to cleanup.
func (e *Engine) handleStream(ctx context.Context, start transports.StartInfo, media transports.MediaStream) {
	defer media.Close()
	log := e.log.With("call_id", start.CallID, "stream_id", start.StreamID)
	if e.draining.Load() {
		log.Warn("call_refused_draining")
		return
	}
	t, err := e.resolveTenant(ctx, start)
	if err != nil {
		log.Warn("call_tenant_unresolved", "to", redact.Phone(start.To), "error", err)
		return
	}
	info := CallInfo{
		CallID:  start.CallID,
		TraceID: uuid.NewString(),
		Tenant:  t,
		Logger:  e.log.With("call_id", start.CallID),
	}
	transcriber, err := e.providers.BuildSTT(e.cfg.Vendors.STT, info)
	if err != nil {
		log.Error("stt_build_failed", "error", err)
		return
	}
	synth, err := e.providers.BuildTTS(e.cfg.Vendors.TTS, info)
	if err != nil {
		log.Error("tts_build_failed", "error", err)
		return
	}

	callID := start.CallID
	mgr := turn.NewManager(turn.Deps{
		Start:  start,
		Tenant: t,
		Media:  media,
		STT:    transcriber,
		TTS:    synth,
		Chain:  e.chain,
		State:  e.state,
		Callbacks: turn.Callbacks{
			OnTransferRequested: func(phone string) {
				go e.transfer(callID, phone)
			},
		},
		Observer: e.obs,
		Logger:   info.Logger.With("trace_id", info.TraceID),
	}, e.turnOptions())

	if old := e.calls.add(callID, mgr); old != nil {
		log.Info("call_session_replaced")
		<-old.Done()
	}
	defer e.calls.remove(callID, mgr)
	if err := mgr.Run(ctx); err != nil {
		log.Warn("call_run_failed", "error", err)
	}
}

func (e *Engine) turnOptions() turn.Options {
	tc := e.cfg.Turn
	return turn.Options{
		SilenceTimeout:   time.Duration(tc.SilenceTimeoutMS) * time.Millisecond,
		MinTurnChars:     tc.MinTurnChars,
		ReasoningTimeout: time.Duration(tc.ReasoningTimeoutMS) * time.Millisecond,
		MaxCallDuration:  time.Duration(tc.MaxCallDurationSec) * time.Second,
		Jitter:           audio.JitterConfig{Target: tc.Jitter.TargetFrames, Max: tc.Jitter.MaxFrames},
		ApologyText:      tc.ApologyText,
		PromptTemplate:   tc.PromptTemplate,
		Reply:            turn.NewReplyShaper(tc.MaxReplySentences, tc.MaxReplyChars, tc.pronunciationMap()),
	}
}

func (e *Engine) transfer(callID, phone string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.transport.Transfer(ctx, callID, phone); err != nil {
		e.log.Error("call_transfer_failed", "call_id", callID, "to", redact.Phone(phone), "error", err)
	}
}

func (e *Engine) handleCallEnd(callID, reason string) {
	c, ok := e.calls.get(callID)
	if !ok {
		return
	}
	if reason == "completed" {
		reason = turn.EndCallerHangup
	}
	c.Close(reason)
}

type healthResponse struct {
	Status        string       `json:"status"`
	ActiveCalls   int          `json:"active_calls"`
	ActiveStreams int          `json:"active_streams"`
	TenantCache   tenant.Stats `json:"tenant_cache"`
	DroppedEvents int64        `json:"dropped_events"`
	LLMBreaker    string       `json:"llm_breaker"`
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		ActiveCalls:   e.calls.count(),
		ActiveStreams: e.transport.ActiveStreams(),
		TenantCache:   e.cache.Stats(),
		DroppedEvents: e.obs.Dropped(),
		LLMBreaker:    string(e.breaker.State()),
	}
	code := http.StatusOK
	if e.draining.Load() {
		resp.Status = "draining"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		e.log.Debug("health_write_failed", "error", err)
	}
}
