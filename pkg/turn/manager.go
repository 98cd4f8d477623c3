package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/callcore/pkg/adapters/stt"
	"github.com/harunnryd/callcore/pkg/adapters/tts"
	"github.com/harunnryd/callcore/pkg/audio"
	"github.com/harunnryd/callcore/pkg/errorsx"
	"github.com/harunnryd/callcore/pkg/fallback"
	"github.com/harunnryd/callcore/pkg/llm"
	"github.com/harunnryd/callcore/pkg/logging"
	"github.com/harunnryd/callcore/pkg/metrics"
	"github.com/harunnryd/callcore/pkg/redact"
	"github.com/harunnryd/callcore/pkg/tenant"
	"github.com/harunnryd/callcore/pkg/transports"
)

// End reasons reported to OnCallEnd.
const (
	EndCallerHangup  = "caller_hangup"
	EndMediaError    = "media_error"
	EndMediaClosed   = "media_closed"
	EndMaxDuration   = "max_duration"
	EndCancelled     = "context_cancelled"
	EndConnectFailed = "connect_failed"
)

const (
	DefaultSilenceTimeout   = 1200 * time.Millisecond
	DefaultMinTurnChars     = 3
	DefaultReasoningTimeout = 20 * time.Second
	DefaultApology          = "I'm sorry, I didn't quite get that. Could you say it one more time?"

	// sttQueue holds caller audio while the transcriber is behind.
	sttQueue = 256
)

// Invoker runs one turn through the fallback policy.
type Invoker interface {
	Invoke(ctx context.Context, in fallback.Input, esc *fallback.EscalationState, retry *fallback.RetryState) fallback.Result
}

// Callbacks report call lifecycle events to the manager's creator. They run
// on the manager goroutine and must not block.
type Callbacks struct {
	OnResponse          func(text string)
	OnTransferRequested func(phone string)
	OnCallEnd           func(reason string)
}

type Deps struct {
	Start     transports.StartInfo
	Tenant    tenant.Tenant
	Media     transports.MediaStream
	STT       stt.Transcriber
	TTS       tts.Synthesizer
	Chain     Invoker
	State     *fallback.Registry
	Callbacks Callbacks
	Observer  metrics.Observer
	Logger    *slog.Logger
}

type Options struct {
	SilenceTimeout   time.Duration
	MinTurnChars     int
	ReasoningTimeout time.Duration
	// MaxCallDuration ends the call when reached; zero disables it.
	MaxCallDuration time.Duration
	Jitter          audio.JitterConfig
	ApologyText     string
	PromptTemplate  string
	// Reply caps model responses before synthesis; nil uses the defaults.
	Reply *ReplyShaper
}

type reasoningResult struct {
	res fallback.Result
	at  time.Time
}

// Manager owns one call's conversation loop. All session and turn state
// is mutated on the goroutine running Run.
type Manager struct {
	deps Deps
	opts Options
	log  *slog.Logger
	fsm  *StateMachine

	session      *CallSession
	turn         TurnState
	systemPrompt string

	silence  *time.Timer
	silenceC <-chan time.Time

	processing   bool
	ttsActive    bool
	firstAudio   bool
	dispatchedAt time.Time
	transferTo   string
	transferSet  bool

	outBuf *audio.AudioBuffer
	jitter *audio.JitterBuffer

	inboundBytes  int
	outboundBytes int
	audioDropped  int
	sttAudio      chan []byte

	ctx     context.Context
	cancel  context.CancelFunc
	results chan reasoningResult
	closeCh chan string
	done    chan struct{}

	closeOnce sync.Once
	cleaned   bool
}

func NewManager(deps Deps, opts Options) *Manager {
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = DefaultSilenceTimeout
	}
	if opts.MinTurnChars <= 0 {
		opts.MinTurnChars = DefaultMinTurnChars
	}
	if opts.ReasoningTimeout <= 0 {
		opts.ReasoningTimeout = DefaultReasoningTimeout
	}
	if opts.ApologyText == "" {
		opts.ApologyText = DefaultApology
	}
	if opts.Reply == nil {
		opts.Reply = NewReplyShaper(0, 0, nil)
	}
	if deps.State == nil {
		deps.State = fallback.NewRegistry()
	}
	log := logging.NewComponentLogger(deps.Logger, "turn_manager").With(
		"call_id", deps.Start.CallID,
		"tenant_id", deps.Tenant.ID,
	)
	jcfg := opts.Jitter
	if jcfg.Logger == nil {
		jcfg.Logger = log
	}
	var tuner stt.VADTuner
	if t, ok := deps.STT.(stt.VADTuner); ok {
		tuner = t
	}
	return &Manager{
		deps:     deps,
		opts:     opts,
		log:      log,
		fsm:      NewStateMachine(FSMOptions{Logger: log, Tuner: tuner}),
		outBuf:   audio.NewAudioBuffer(audio.MuLawFrameBytes),
		jitter:   audio.NewJitterBuffer(jcfg),
		results:  make(chan reasoningResult, 1),
		closeCh:  make(chan string, 1),
		sttAudio: make(chan []byte, sttQueue),
		done:     make(chan struct{}),
	}
}

// State returns the pipeline state.
func (m *Manager) State() State { return m.fsm.State() }

// Session returns the call session. Read it only after Done is closed.
func (m *Manager) Session() *CallSession { return m.session }

// Done is closed once Run has returned.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Close ends the call from any goroutine. Only the first reason is used.
func (m *Manager) Close(reason string) {
	m.closeOnce.Do(func() {
		m.closeCh <- reason
	})
}

// Run attaches the call and processes its events until it ends. The
// returned error is non-nil only when the call could not be attached.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	m.ctx, m.cancel = context.WithCancel(ctx)
	defer m.cancel()

	if err := m.attach(m.ctx); err != nil {
		m.log.Error("call_attach_failed", "error", err)
		m.cleanup(EndConnectFailed)
		return err
	}

	var maxC <-chan time.Time
	if m.opts.MaxCallDuration > 0 {
		t := time.NewTimer(m.opts.MaxCallDuration)
		defer t.Stop()
		maxC = t.C
	}

	go m.forwardAudio(m.ctx)

	mediaEv := m.deps.Media.Events()
	sttEv := m.deps.STT.Events()
	ttsEv := m.deps.TTS.Events()
	for {
		select {
		case <-m.ctx.Done():
			m.cleanup(EndCancelled)
			return nil
		case reason := <-m.closeCh:
			m.cleanup(reason)
			return nil
		case <-maxC:
			m.log.Info("call_max_duration_reached", "max", m.opts.MaxCallDuration)
			m.cleanup(EndMaxDuration)
			return nil
		case ev, ok := <-mediaEv:
			if !ok {
				m.cleanup(EndMediaClosed)
				return nil
			}
			if reason, end := m.handleMedia(ev); end {
				m.cleanup(reason)
				return nil
			}
		case ev, ok := <-sttEv:
			if !ok {
				sttEv = nil
				continue
			}
			m.handleSTT(ev)
		case ev, ok := <-ttsEv:
			if !ok {
				ttsEv = nil
				continue
			}
			m.handleTTS(ev)
		case <-m.silenceC:
			m.silenceC = nil
			m.turn.SilenceStarted = true
			m.tryDispatch("silence")
		case r := <-m.results:
			m.onResult(r)
		}
	}
}

func (m *Manager) attach(ctx context.Context) error {
	now := time.Now()
	info := m.deps.Start
	m.session = NewCallSession(info.CallID, m.deps.Tenant.ID, info.From, now)
	m.systemPrompt = BuildSystemPrompt(m.deps.Tenant, m.opts.PromptTemplate)

	m.record(metrics.EventCallStart, 0, nil, nil)

	// Collaborator connections live for the whole call, so they get the
	// call context rather than a group-scoped one.
	var g errgroup.Group
	g.Go(func() error {
		if err := m.deps.STT.Start(ctx); err != nil {
			return errorsx.Wrap(fmt.Errorf("stt %s: %w", m.deps.STT.Name(), err), errorsx.ReasonSTTConnect)
		}
		return nil
	})
	g.Go(func() error {
		if err := m.deps.TTS.Connect(ctx); err != nil {
			return errorsx.Wrap(fmt.Errorf("tts %s: %w", m.deps.TTS.Name(), err), errorsx.ReasonTTSConnect)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	m.session.StreamConnected = true
	m.log.Info("call_attached",
		"caller", redact.Phone(info.From),
		"stt", m.deps.STT.Name(),
		"tts", m.deps.TTS.Name(),
	)

	_ = m.fsm.Transition(StateGreeting, "call attached")
	m.speak(Greeting(m.deps.Tenant))
	return nil
}

func (m *Manager) handleMedia(ev transports.MediaEvent) (string, bool) {
	switch ev.Kind {
	case transports.MediaAudio:
		m.inboundBytes += len(ev.Audio)
		select {
		case m.sttAudio <- ev.Audio:
		default:
			m.audioDropped++
			if m.audioDropped == 1 || m.audioDropped%100 == 0 {
				m.log.Warn("stt_audio_dropped", "dropped_total", m.audioDropped)
			}
		}
	case transports.MediaStart:
		m.log.Debug("media_start", "stream_id", ev.Start.StreamID)
	case transports.MediaStop:
		return EndCallerHangup, true
	case transports.MediaError:
		m.log.Warn("media_error", "error", ev.Err)
		return EndMediaError, true
	}
	return "", false
}

// forwardAudio feeds caller audio to the transcriber so a stalled vendor
// holds up only this goroutine, never the event loop.
func (m *Manager) forwardAudio(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-m.sttAudio:
			if err := m.deps.STT.SendAudio(chunk); err != nil {
				m.log.Debug("stt_send_failed", "error", errorsx.Wrap(err, errorsx.ReasonSTTSend))
			}
		}
	}
}

func (m *Manager) handleSTT(ev stt.Event) {
	now := time.Now()
	switch ev.Kind {
	case stt.EventTranscript:
		if ev.Text == "" {
			return
		}
		m.session.Touch(now)
		m.log.Debug("transcript", "final", ev.IsFinal, "text", redact.Text(ev.Text))
		if ev.IsFinal {
			m.turn.AddFinal(ev.Text)
			m.session.Speaking = false
			m.armSilence()
			return
		}
		m.turn.AddPartial(ev.Text)
		m.session.Speaking = true
		m.stopSilence()
	case stt.EventSpeechStarted:
		m.session.Speaking = true
		m.session.Touch(now)
		m.stopSilence()
		if m.session.Playing && m.fsm.CanBargeIn() {
			m.bargeIn()
		}
	case stt.EventSpeechEnded:
		m.session.Speaking = false
		if m.silenceC == nil {
			m.armSilence()
		}
	case stt.EventError:
		m.log.Warn("stt_error", "error", ev.Err)
	case stt.EventClosed:
		m.log.Info("stt_closed")
	}
}

func (m *Manager) handleTTS(ev tts.Event) {
	switch ev.Kind {
	case tts.EventAudio:
		if !m.ttsActive {
			return
		}
		if m.firstAudio {
			m.firstAudio = false
			m.record(metrics.EventTTSFirstAudio, time.Since(m.dispatchedAt).Seconds(), nil, nil)
		}
		m.outBuf.Add(ev.Audio)
		for m.outBuf.HasChunk() {
			m.jitter.Add(m.outBuf.GetChunk())
		}
		for frame := m.jitter.Get(); frame != nil; frame = m.jitter.Get() {
			m.send(frame)
		}
	case tts.EventDone:
		if !m.ttsActive {
			return
		}
		if rest := m.outBuf.Flush(); len(rest) > 0 {
			m.jitter.Add(rest)
		}
		for frame := m.jitter.GetImmediate(); frame != nil; frame = m.jitter.GetImmediate() {
			m.send(frame)
		}
		m.finishPlayback("playback complete")
	case tts.EventError:
		m.log.Error("tts_error", "error", ev.Err)
		if m.ttsActive {
			m.outBuf.Reset()
			m.jitter.Clear()
			m.finishPlayback("tts error")
		}
	}
}

func (m *Manager) send(frame []byte) {
	m.outboundBytes += len(frame)
	if err := m.deps.Media.SendAudio(frame); err != nil {
		m.log.Debug("media_send_failed", "error", errorsx.Wrap(err, errorsx.ReasonMediaSend))
	}
}

func (m *Manager) speak(text string) {
	m.session.Interrupted = false
	m.session.Playing = true
	m.ttsActive = true
	if err := m.deps.TTS.Speak(text); err != nil {
		m.log.Error("tts_speak_failed", "error", errorsx.Wrap(err, errorsx.ReasonTTSSend))
		m.finishPlayback("tts speak failed")
	}
}

func (m *Manager) finishPlayback(reason string) {
	m.ttsActive = false
	m.session.Playing = false
	switch m.fsm.State() {
	case StateGreeting, StateSpeaking:
		_ = m.fsm.Transition(StateListening, reason)
	}
	m.fireTransfer()
	if m.turn.Text() != "" && !m.session.Speaking {
		m.tryDispatch("after playback")
	}
}

func (m *Manager) bargeIn() {
	m.session.Interrupted = true
	if err := m.deps.TTS.Cancel(); err != nil {
		m.log.Warn("tts_cancel_failed", "error", err)
	}
	if err := m.deps.Media.ClearAudio(); err != nil {
		m.log.Warn("media_clear_failed", "error", err)
	}
	m.outBuf.Reset()
	m.jitter.Clear()
	m.ttsActive = false
	m.session.Playing = false
	_ = m.fsm.Transition(StateListening, "barge-in")
	m.record(metrics.EventBargeIn, 1, nil, nil)
	m.log.Info("barge_in")
	m.fireTransfer()
}

func (m *Manager) tryDispatch(trigger string) {
	text := m.turn.Text()
	if text == "" {
		return
	}
	if m.processing {
		m.log.Debug("turn_held_processing", "trigger", trigger)
		return
	}
	if len([]rune(text)) < m.opts.MinTurnChars {
		m.turn.Reset()
		m.record(metrics.EventTurnDiscarded, 1, nil, nil)
		m.log.Debug("turn_discarded", "chars", len([]rune(text)))
		return
	}
	if m.session.Playing {
		m.turn.PendingAudio = true
		m.log.Debug("turn_held_playing", "trigger", trigger)
		return
	}
	m.dispatch(text, trigger)
}

func (m *Manager) dispatch(text, trigger string) {
	now := time.Now()
	m.processing = true
	m.turn.Reset()
	m.stopSilence()
	m.session.Append(llm.RoleUser, text, now)
	_ = m.fsm.Transition(StateProcessing, "turn dispatched")
	m.dispatchedAt = now
	m.firstAudio = true
	m.record(metrics.EventTurnDispatched, 1, nil, nil)
	m.log.Info("turn_dispatched", "trigger", trigger, "text", redact.Text(text))

	esc, retry := m.deps.State.Get(m.session.CallID)
	in := fallback.Input{
		Utterance:    text,
		History:      m.session.Snapshot(),
		SystemPrompt: m.systemPrompt,
		Tools: llm.ToolContext{
			TenantID:        m.deps.Tenant.ID,
			CallID:          m.session.CallID,
			CallerPhone:     m.session.CallerPhone,
			EscalationPhone: m.deps.Tenant.EscalationPhone,
		},
	}
	ctx := m.ctx
	go func() {
		res := m.invoke(ctx, in, esc, retry)
		select {
		case m.results <- reasoningResult{res: res, at: time.Now()}:
		case <-ctx.Done():
		}
	}()
}

func (m *Manager) invoke(ctx context.Context, in fallback.Input, esc *fallback.EscalationState, retry *fallback.RetryState) (res fallback.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = fallback.Result{Action: fallback.ActionResponse, Err: fmt.Errorf("turn panic: %v", r)}
		}
	}()
	if m.deps.Chain == nil {
		return fallback.Result{Action: fallback.ActionResponse, Err: errors.New("no reasoning chain")}
	}
	rctx, cancel := context.WithTimeout(ctx, m.opts.ReasoningTimeout)
	defer cancel()
	return m.deps.Chain.Invoke(rctx, in, esc, retry)
}

func (m *Manager) onResult(r reasoningResult) {
	m.processing = false
	res := r.res
	m.record(metrics.EventReasoningDone, r.at.Sub(m.dispatchedAt).Seconds(),
		map[string]string{"action": string(res.Action), "reason": string(res.Reason)},
		map[string]any{"tokens": res.Metrics.Tokens},
	)
	text := res.Text
	if res.Action == fallback.ActionResponse {
		text = m.opts.Reply.Shape(text)
	}
	if text == "" {
		m.log.Warn("empty_turn_result", "action", string(res.Action), "error", res.Err)
		text = m.opts.ApologyText
	}
	m.session.Append(llm.RoleAssistant, text, r.at)
	if m.deps.Callbacks.OnResponse != nil {
		m.deps.Callbacks.OnResponse(text)
	}
	if res.Action == fallback.ActionEscalate {
		m.record(metrics.EventEscalation, 1, map[string]string{"reason": string(res.Reason)}, nil)
		m.log.Info("escalation", "reason", string(res.Reason))
		m.transferTo = m.deps.Tenant.EscalationPhone
		m.transferSet = true
	}
	_ = m.fsm.Transition(StateSpeaking, "response ready")
	m.speak(text)
}

// fireTransfer hands off once the transfer notice finished or was cut off.
func (m *Manager) fireTransfer() {
	if !m.transferSet {
		return
	}
	phone := m.transferTo
	m.transferSet = false
	m.transferTo = ""
	if phone == "" {
		m.log.Warn("escalation_phone_missing")
		return
	}
	m.log.Info("transfer_requested", "to", redact.Phone(phone))
	if m.deps.Callbacks.OnTransferRequested != nil {
		m.deps.Callbacks.OnTransferRequested(phone)
	}
}

func (m *Manager) armSilence() {
	if m.silence == nil {
		m.silence = time.NewTimer(m.opts.SilenceTimeout)
	} else {
		m.silence.Reset(m.opts.SilenceTimeout)
	}
	m.silenceC = m.silence.C
}

func (m *Manager) stopSilence() {
	if m.silence != nil {
		m.silence.Stop()
	}
	m.silenceC = nil
}

// cleanup tears the call down. Later calls are no-ops.
func (m *Manager) cleanup(reason string) {
	if m.cleaned {
		return
	}
	m.cleaned = true
	m.stopSilence()
	if m.cancel != nil {
		m.cancel()
	}

	var g errgroup.Group
	g.Go(func() error { return m.deps.STT.Stop() })
	g.Go(func() error { return m.deps.TTS.Disconnect() })
	if err := g.Wait(); err != nil {
		m.log.Warn("collaborator_disconnect_failed", "error", err)
	}

	callID := m.deps.Start.CallID
	if m.session != nil {
		m.session.End(reason, time.Now())
		callID = m.session.CallID
	}
	m.deps.State.Discard(callID)
	m.record(metrics.EventCallEnd, 1, map[string]string{"reason": reason}, map[string]any{
		"inbound_audio_bytes":   m.inboundBytes,
		"outbound_audio_bytes":  m.outboundBytes,
		"inbound_audio_dropped": m.audioDropped,
	})
	m.log.Info("call_ended", "reason", reason)
	if m.deps.Callbacks.OnCallEnd != nil {
		m.deps.Callbacks.OnCallEnd(reason)
	}
}

func (m *Manager) record(name string, value float64, tags map[string]string, fields map[string]any) {
	if m.deps.Observer == nil {
		return
	}
	all := map[string]string{
		"call_id":   m.deps.Start.CallID,
		"tenant_id": m.deps.Tenant.ID,
	}
	for k, v := range tags {
		all[k] = v
	}
	m.deps.Observer.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   all,
		Fields: fields,
	})
}
