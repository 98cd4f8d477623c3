package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/callcore/pkg/adapters/stt"
	"github.com/harunnryd/callcore/pkg/fallback"
	"github.com/harunnryd/callcore/pkg/llm"
	"github.com/harunnryd/callcore/pkg/metrics"
	"github.com/harunnryd/callcore/pkg/providers/mock"
	"github.com/harunnryd/callcore/pkg/tenant"
	"github.com/harunnryd/callcore/pkg/transports"
	mockmedia "github.com/harunnryd/callcore/pkg/transports/mock"
)

const testSilence = 20 * time.Millisecond

type callbackLog struct {
	mu        sync.Mutex
	responses []string
	transfers []string
	ends      []string
}

func (c *callbackLog) callbacks() Callbacks {
	return Callbacks{
		OnResponse: func(text string) {
			c.mu.Lock()
			c.responses = append(c.responses, text)
			c.mu.Unlock()
		},
		OnTransferRequested: func(phone string) {
			c.mu.Lock()
			c.transfers = append(c.transfers, phone)
			c.mu.Unlock()
		},
		OnCallEnd: func(reason string) {
			c.mu.Lock()
			c.ends = append(c.ends, reason)
			c.mu.Unlock()
		},
	}
}

func (c *callbackLog) snapshot() (responses, transfers, ends []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.responses...), append([]string(nil), c.transfers...), append([]string(nil), c.ends...)
}

type harness struct {
	t        *testing.T
	mgr      *Manager
	media    *mockmedia.MediaStream
	stt      *mock.Transcriber
	tts      *mock.Synthesizer
	state    *fallback.Registry
	obs      *metrics.MemoryObserver
	cb       *callbackLog
	runErr   chan error
	tenant   tenant.Tenant
	reasoner fallback.Reasoner
}

func testTenant() tenant.Tenant {
	return tenant.Tenant{
		ID:              "t1",
		BusinessName:    "Acme Plumbing",
		AgentName:       "Ava",
		Industry:        "plumbing",
		Greeting:        "Thanks for calling Acme Plumbing, this is Ava.",
		EscalationPhone: "+15550109999",
		Personality:     tenant.Personality{Tone: "friendly", Verbosity: "concise", Empathy: "high"},
		Active:          true,
	}
}

func newHarness(t *testing.T, reasoner fallback.Reasoner, ttsCfg mock.TTSConfig, opts Options) *harness {
	t.Helper()
	return newHarnessWithSTT(t, reasoner, ttsCfg, opts, nil)
}

// newHarnessWithSTT lets a test wrap the scripted transcriber the manager
// talks to.
func newHarnessWithSTT(t *testing.T, reasoner fallback.Reasoner, ttsCfg mock.TTSConfig, opts Options, wrap func(*mock.Transcriber) stt.Transcriber) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		media:    mockmedia.New(),
		stt:      mock.NewSTT(mock.STTConfig{}),
		tts:      mock.NewTTS(ttsCfg),
		state:    fallback.NewRegistry(),
		obs:      metrics.NewMemoryObserver(),
		cb:       &callbackLog{},
		runErr:   make(chan error, 1),
		tenant:   testTenant(),
		reasoner: reasoner,
	}
	if opts.SilenceTimeout == 0 {
		opts.SilenceTimeout = testSilence
	}
	chain := fallback.NewChain(reasoner, fallback.NewDefaultPolicy(fallback.PolicyConfig{}), fallback.Options{
		Prompts: fallback.NewFixedPool("Sorry, could you say that again?"),
	})
	var transcriber stt.Transcriber = h.stt
	if wrap != nil {
		transcriber = wrap(h.stt)
	}
	h.mgr = NewManager(Deps{
		Start:     transports.StartInfo{CallID: "CA100", StreamID: "MZ1", From: "+15550001111", TenantID: "t1"},
		Tenant:    h.tenant,
		Media:     h.media,
		STT:       transcriber,
		TTS:       h.tts,
		Chain:     chain,
		State:     h.state,
		Callbacks: h.cb.callbacks(),
		Observer:  h.obs,
	}, opts)
	return h
}

func (h *harness) start() {
	go func() { h.runErr <- h.mgr.Run(context.Background()) }()
}

func (h *harness) wait(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitListening() {
	h.t.Helper()
	h.wait("LISTENING", func() bool { return h.mgr.State() == StateListening })
}

func (h *harness) waitSpoken(n int) []string {
	h.t.Helper()
	h.wait("spoken lines", func() bool { return len(h.tts.Spoken()) >= n })
	return h.tts.Spoken()
}

func (h *harness) stop() {
	h.t.Helper()
	h.media.PushStop()
	select {
	case err := <-h.runErr:
		if err != nil {
			h.t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		h.t.Fatalf("manager did not stop")
	}
}

func TestManagerBookingConversation(t *testing.T) {
	var calls atomic.Int32
	reasoner := fallback.ReasonerFunc(func(ctx context.Context, in fallback.Input) (fallback.Reasoning, error) {
		switch calls.Add(1) {
		case 1:
			if !strings.Contains(in.SystemPrompt, "Ava") || !strings.Contains(in.SystemPrompt, "Acme Plumbing") {
				return fallback.Reasoning{}, errors.New("system prompt missing tenant details")
			}
			if in.Tools.EscalationPhone != "+15550109999" || in.Tools.CallID != "CA100" {
				return fallback.Reasoning{}, errors.New("tool context incomplete")
			}
			return fallback.Reasoning{Text: "I can do tomorrow at 10am. Shall I book it?"}, nil
		default:
			if len(in.History) != 3 {
				return fallback.Reasoning{}, errors.New("history not carried")
			}
			return fallback.Reasoning{
				Text:        "You're booked for tomorrow at 10am.",
				ToolResults: []llm.ToolResult{{Name: "create_booking", Success: true}},
			}, nil
		}
	})
	h := newHarness(t, reasoner, mock.TTSConfig{}, Options{})
	h.start()

	spoken := h.waitSpoken(1)
	if spoken[0] != h.tenant.Greeting {
		t.Fatalf("expected greeting first, got %q", spoken[0])
	}
	h.waitListening()

	h.stt.Partial("I'd like to book")
	h.stt.Final("I'd like to book a drain cleaning tomorrow")
	spoken = h.waitSpoken(2)
	if spoken[1] != "I can do tomorrow at 10am. Shall I book it?" {
		t.Fatalf("unexpected reply %q", spoken[1])
	}
	h.waitListening()

	h.stt.Final("yes please")
	spoken = h.waitSpoken(3)
	if spoken[2] != "You're booked for tomorrow at 10am." {
		t.Fatalf("unexpected confirmation %q", spoken[2])
	}
	h.waitListening()
	esc, _ := h.state.Get("CA100")
	if !esc.TaskCompleted {
		t.Fatalf("expected task completed after booking")
	}

	h.stop()
	responses, transfers, ends := h.cb.snapshot()
	if len(responses) != 2 || len(transfers) != 0 {
		t.Fatalf("unexpected callbacks responses=%v transfers=%v", responses, transfers)
	}
	if len(ends) != 1 || ends[0] != EndCallerHangup {
		t.Fatalf("unexpected end callbacks %v", ends)
	}
	sess := h.mgr.Session()
	if len(sess.History) != 4 || sess.History[0].Role != llm.RoleUser || sess.History[3].Role != llm.RoleAssistant {
		t.Fatalf("unexpected history %+v", sess.History)
	}
	if h.media.SentBytes() == 0 {
		t.Fatalf("expected audio delivered to media")
	}
	if !h.stt.Stopped() || !h.tts.Disconnected() || h.state.Len() != 0 {
		t.Fatalf("expected collaborators closed and state discarded")
	}
	if h.obs.Count(metrics.EventTurnDispatched) != 2 || h.obs.Count(metrics.EventTTSFirstAudio) != 2 {
		t.Fatalf("unexpected turn metrics %+v", h.obs.Events())
	}
}

func TestManagerEscalatesAfterRepeatedFailures(t *testing.T) {
	reasoner := fallback.ReasonerFunc(func(ctx context.Context, in fallback.Input) (fallback.Reasoning, error) {
		return fallback.Reasoning{}, errors.New("model unavailable")
	})
	h := newHarness(t, reasoner, mock.TTSConfig{}, Options{})
	h.start()
	h.waitSpoken(1)
	h.waitListening()

	for i := 0; i < 3; i++ {
		h.stt.Final("my water heater is leaking")
		h.waitSpoken(i + 2)
		h.waitListening()
	}
	spoken := h.tts.Spoken()
	if spoken[1] != "Sorry, could you say that again?" || spoken[2] != "Sorry, could you say that again?" {
		t.Fatalf("expected clarifications, got %v", spoken)
	}
	h.wait("transfer", func() bool {
		_, transfers, _ := h.cb.snapshot()
		return len(transfers) == 1
	})
	_, transfers, _ := h.cb.snapshot()
	if transfers[0] != "+15550109999" {
		t.Fatalf("unexpected transfer target %q", transfers[0])
	}
	found := false
	for _, ev := range h.obs.Events() {
		if ev.Name == metrics.EventEscalation && ev.Tags["reason"] == string(fallback.ReasonMaxRetriesExceeded) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected max_retries_exceeded escalation event")
	}
	h.stop()
}

func TestManagerSingleFlightDispatch(t *testing.T) {
	release := make(chan struct{})
	var inFlight, maxInFlight, calls atomic.Int32
	reasoner := fallback.ReasonerFunc(func(ctx context.Context, in fallback.Input) (fallback.Reasoning, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		if calls.Add(1) == 1 {
			<-release
		}
		return fallback.Reasoning{Text: "reply to " + in.Utterance}, nil
	})
	h := newHarness(t, reasoner, mock.TTSConfig{}, Options{})
	h.start()
	h.waitSpoken(1)
	h.waitListening()

	h.stt.Final("first question here")
	h.wait("first dispatch", func() bool { return calls.Load() == 1 })
	h.stt.Final("second question here")
	time.Sleep(5 * testSilence)
	if calls.Load() != 1 {
		t.Fatalf("second turn dispatched while first in flight")
	}

	close(release)
	spoken := h.waitSpoken(3)
	if spoken[1] != "reply to first question here" || spoken[2] != "reply to second question here" {
		t.Fatalf("unexpected replies %v", spoken)
	}
	if maxInFlight.Load() != 1 {
		t.Fatalf("expected at most one reasoning call in flight, saw %d", maxInFlight.Load())
	}
	h.stop()
}

func TestManagerDiscardsShortTurns(t *testing.T) {
	var calls atomic.Int32
	reasoner := fallback.ReasonerFunc(func(ctx context.Context, in fallback.Input) (fallback.Reasoning, error) {
		calls.Add(1)
		return fallback.Reasoning{Text: "ok"}, nil
	})
	h := newHarness(t, reasoner, mock.TTSConfig{}, Options{})
	h.start()
	h.waitSpoken(1)
	h.waitListening()

	h.stt.Final("uh")
	h.wait("discard", func() bool { return h.obs.Count(metrics.EventTurnDiscarded) == 1 })
	if calls.Load() != 0 {
		t.Fatalf("short turn must not reach reasoning")
	}
	h.stt.Final("hello there")
	h.waitSpoken(2)
	if calls.Load() != 1 {
		t.Fatalf("expected one dispatched turn, got %d", calls.Load())
	}
	h.stop()
}

func TestManagerBargeIn(t *testing.T) {
	reasoner := fallback.ReasonerFunc(func(ctx context.Context, in fallback.Input) (fallback.Reasoning, error) {
		return fallback.Reasoning{Text: "Our hours are eight to six on weekdays and nine to one on Saturdays."}, nil
	})
	h := newHarness(t, reasoner, mock.TTSConfig{Hold: true}, Options{})
	h.start()
	h.waitSpoken(1)

	h.stt.SpeechStarted()
	time.Sleep(5 * time.Millisecond)
	if h.tts.Cancels() != 0 || h.mgr.State() != StateGreeting {
		t.Fatalf("greeting must not be interruptible")
	}
	h.tts.Release()
	h.waitListening()

	h.stt.SpeechStarted()
	time.Sleep(5 * time.Millisecond)
	if h.tts.Cancels() != 0 || h.media.Clears() != 0 {
		t.Fatalf("speech start with nothing playing must be a no-op")
	}

	h.stt.Final("what are your hours")
	h.waitSpoken(2)
	h.wait("SPEAKING", func() bool { return h.mgr.State() == StateSpeaking })

	h.stt.SpeechStarted()
	h.wait("barge-in", func() bool { return h.obs.Count(metrics.EventBargeIn) == 1 })
	if h.tts.Cancels() != 1 || h.media.Clears() != 1 {
		t.Fatalf("expected tts cancelled and media cleared, got %d/%d", h.tts.Cancels(), h.media.Clears())
	}
	if h.mgr.State() != StateListening {
		t.Fatalf("expected LISTENING after barge-in, got %s", h.mgr.State())
	}
	h.stop()
}

func TestManagerCleanupIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	reasoner := fallback.ReasonerFunc(func(ctx context.Context, in fallback.Input) (fallback.Reasoning, error) {
		<-release
		return fallback.Reasoning{Text: "too late"}, nil
	})
	h := newHarness(t, reasoner, mock.TTSConfig{}, Options{})
	h.start()
	h.waitSpoken(1)
	h.waitListening()

	h.stt.Final("is anyone there")
	h.wait("dispatch", func() bool { return h.obs.Count(metrics.EventTurnDispatched) == 1 })

	h.mgr.Close("operator_hangup")
	h.mgr.Close("second_close")
	select {
	case <-h.mgr.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("manager did not stop")
	}
	close(release)
	h.mgr.cleanup("again")
	time.Sleep(10 * time.Millisecond)

	_, _, ends := h.cb.snapshot()
	if len(ends) != 1 || ends[0] != "operator_hangup" {
		t.Fatalf("expected a single end callback, got %v", ends)
	}
	for _, s := range h.tts.Spoken() {
		if s == "too late" {
			t.Fatalf("result arriving after cleanup must be dropped")
		}
	}
	if h.obs.Count(metrics.EventCallEnd) != 1 {
		t.Fatalf("expected one call_end event")
	}
	if h.mgr.Session().EndReason != "operator_hangup" {
		t.Fatalf("unexpected end reason %q", h.mgr.Session().EndReason)
	}
}

func TestManagerMaxCallDuration(t *testing.T) {
	reasoner := fallback.ReasonerFunc(func(ctx context.Context, in fallback.Input) (fallback.Reasoning, error) {
		return fallback.Reasoning{Text: "ok"}, nil
	})
	h := newHarness(t, reasoner, mock.TTSConfig{}, Options{MaxCallDuration: 30 * time.Millisecond})
	h.start()
	select {
	case <-h.mgr.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("call was not ended")
	}
	_, _, ends := h.cb.snapshot()
	if len(ends) != 1 || ends[0] != EndMaxDuration {
		t.Fatalf("unexpected end reasons %v", ends)
	}
}

func TestManagerConnectFailure(t *testing.T) {
	h := newHarness(t, nil, mock.TTSConfig{ConnectErr: errors.New("401 unauthorized")}, Options{})
	err := h.mgr.Run(context.Background())
	if err == nil {
		t.Fatalf("expected attach error")
	}
	_, _, ends := h.cb.snapshot()
	if len(ends) != 1 || ends[0] != EndConnectFailed {
		t.Fatalf("unexpected end reasons %v", ends)
	}
	if len(h.tts.Spoken()) != 0 {
		t.Fatalf("nothing may be spoken without a connection")
	}
}

// stalledSTT never returns from SendAudio until released.
type stalledSTT struct {
	*mock.Transcriber
	entered chan struct{}
	release chan struct{}
}

func (s *stalledSTT) SendAudio(chunk []byte) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return nil
}

func TestManagerCloseWithStalledTranscriber(t *testing.T) {
	reasoner := fallback.ReasonerFunc(func(ctx context.Context, in fallback.Input) (fallback.Reasoning, error) {
		return fallback.Reasoning{Text: "We open at eight."}, nil
	})
	stalled := &stalledSTT{entered: make(chan struct{}, 1), release: make(chan struct{})}
	defer close(stalled.release)
	h := newHarnessWithSTT(t, reasoner, mock.TTSConfig{}, Options{}, func(s *mock.Transcriber) stt.Transcriber {
		stalled.Transcriber = s
		return stalled
	})
	h.start()
	h.waitSpoken(1)
	h.waitListening()

	h.media.PushAudio(make([]byte, 160))
	select {
	case <-stalled.entered:
	case <-time.After(time.Second):
		t.Fatalf("audio never reached the transcriber")
	}
	for i := 0; i < sttQueue+20; i++ {
		h.media.PushAudio(make([]byte, 160))
	}

	h.stt.Final("when do you open")
	spoken := h.waitSpoken(2)
	if spoken[1] != "We open at eight." {
		t.Fatalf("unexpected reply %q", spoken[1])
	}

	h.mgr.Close("operator_hangup")
	select {
	case <-h.mgr.Done():
	case <-time.After(time.Second):
		t.Fatalf("Close did not end the call while the transcriber was stalled")
	}
	_, _, ends := h.cb.snapshot()
	if len(ends) != 1 || ends[0] != "operator_hangup" {
		t.Fatalf("unexpected end reasons %v", ends)
	}
	if !h.stt.Stopped() {
		t.Fatalf("expected transcriber stopped")
	}
}

func TestManagerSpeechEndedCompletesTurn(t *testing.T) {
	utterances := make(chan string, 1)
	reasoner := fallback.ReasonerFunc(func(ctx context.Context, in fallback.Input) (fallback.Reasoning, error) {
		utterances <- in.Utterance
		return fallback.Reasoning{Text: "I can send someone this afternoon."}, nil
	})
	h := newHarness(t, reasoner, mock.TTSConfig{}, Options{})
	h.start()
	h.waitSpoken(1)
	h.waitListening()

	h.stt.SpeechStarted()
	h.stt.Partial("my kitchen sink is blocked")
	h.stt.SpeechEnded()

	select {
	case got := <-utterances:
		if got != "my kitchen sink is blocked" {
			t.Fatalf("unexpected utterance %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("speech ended without a final never completed the turn")
	}
	spoken := h.waitSpoken(2)
	if spoken[1] != "I can send someone this afternoon." {
		t.Fatalf("unexpected reply %q", spoken[1])
	}
	h.stop()
}

func TestManagerHoldsTurnUntilGreetingFinishes(t *testing.T) {
	var calls atomic.Int32
	reasoner := fallback.ReasonerFunc(func(ctx context.Context, in fallback.Input) (fallback.Reasoning, error) {
		calls.Add(1)
		return fallback.Reasoning{Text: "Yes, we work Saturdays."}, nil
	})
	h := newHarness(t, reasoner, mock.TTSConfig{Hold: true}, Options{})
	h.start()
	h.waitSpoken(1)

	h.stt.Final("do you work weekends")
	time.Sleep(5 * testSilence)
	if calls.Load() != 0 || h.obs.Count(metrics.EventTurnDispatched) != 0 {
		t.Fatalf("turn dispatched while the greeting was playing")
	}
	if h.mgr.State() != StateGreeting {
		t.Fatalf("expected GREETING, got %s", h.mgr.State())
	}

	h.tts.Release()
	spoken := h.waitSpoken(2)
	if spoken[1] != "Yes, we work Saturdays." {
		t.Fatalf("unexpected reply %q", spoken[1])
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one dispatched turn, got %d", calls.Load())
	}
	h.tts.Release()
	h.waitListening()
	h.stop()
}

func TestManagerTransferToolRequestsTransfer(t *testing.T) {
	reasoner := fallback.ReasonerFunc(func(ctx context.Context, in fallback.Input) (fallback.Reasoning, error) {
		return fallback.Reasoning{
			Text:        "Let me connect you with the owner now.",
			ToolResults: []llm.ToolResult{{Name: "transfer_to_human", Success: true}},
		}, nil
	})
	h := newHarness(t, reasoner, mock.TTSConfig{}, Options{})
	h.start()
	h.waitSpoken(1)
	h.waitListening()

	h.stt.Final("can the owner call me about the quote")
	spoken := h.waitSpoken(2)
	if spoken[1] != "Let me connect you with the owner now." {
		t.Fatalf("expected the transfer notice spoken, got %q", spoken[1])
	}
	h.wait("transfer", func() bool {
		_, transfers, _ := h.cb.snapshot()
		return len(transfers) == 1
	})
	_, transfers, _ := h.cb.snapshot()
	if transfers[0] != h.tenant.EscalationPhone {
		t.Fatalf("unexpected transfer target %q", transfers[0])
	}
	found := false
	for _, ev := range h.obs.Events() {
		if ev.Name == metrics.EventEscalation && ev.Tags["reason"] == string(fallback.ReasonUserRequestedTransfer) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected user_requested_transfer escalation event")
	}
	h.stop()
}

func TestTurnStateAccumulates(t *testing.T) {
	var ts TurnState
	ts.AddPartial("I need")
	if ts.Text() != "I need" {
		t.Fatalf("unexpected text %q", ts.Text())
	}
	ts.AddFinal("I need a plumber")
	ts.AddPartial("for")
	ts.AddPartial("for my kitchen")
	if got := ts.Text(); got != "I need a plumber for my kitchen" {
		t.Fatalf("unexpected text %q", got)
	}
	ts.Reset()
	if ts.Text() != "" || ts.PendingAudio {
		t.Fatalf("expected reset state")
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	p := BuildSystemPrompt(testTenant(), "")
	for _, want := range []string{"Ava", "Acme Plumbing", "plumbing", "warm, friendly", "one or two short sentences", "feelings"} {
		if !strings.Contains(p, want) {
			t.Fatalf("expected %q in prompt:\n%s", want, p)
		}
	}
	if strings.Contains(p, "{{") {
		t.Fatalf("unreplaced placeholder in prompt:\n%s", p)
	}
	custom := BuildSystemPrompt(tenant.Tenant{BusinessName: "Bright Dental"}, "Answer for {{business_name}} in a {{tone}}")
	if !strings.HasPrefix(custom, "Answer for Bright Dental") {
		t.Fatalf("unexpected custom prompt %q", custom)
	}
}
