package callcore

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/callcore/pkg/adapters/stt"
	"github.com/harunnryd/callcore/pkg/adapters/tts"
	"github.com/harunnryd/callcore/pkg/configutil"
	"github.com/harunnryd/callcore/pkg/llm"
	"github.com/harunnryd/callcore/pkg/providers/deepgram"
	"github.com/harunnryd/callcore/pkg/providers/elevenlabs"
	"github.com/harunnryd/callcore/pkg/providers/mock"
	"github.com/harunnryd/callcore/pkg/providers/openai"
	"github.com/harunnryd/callcore/pkg/tenant"
)

// CallInfo is what per-call provider builders know about the call.
type CallInfo struct {
	CallID  string
	TraceID string
	Tenant  tenant.Tenant
	Logger  *slog.Logger
}

type STTBuilder func(cfg VendorConfig, call CallInfo) (stt.Transcriber, error)
type TTSBuilder func(cfg VendorConfig, call CallInfo) (tts.Synthesizer, error)
type LLMBuilder func(cfg VendorConfig) (llm.LLMAdapter, error)

type ProviderRegistry struct {
	stt map[string]STTBuilder
	tts map[string]TTSBuilder
	llm map[string]LLMBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTBuilder),
		tts: make(map[string]TTSBuilder),
		llm: make(map[string]LLMBuilder),
	}
}

// DefaultProviders registers the built-in deepgram, elevenlabs, openai and
// mock providers.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", buildDeepgram)
	r.RegisterSTT("mock", buildMockSTT)
	r.RegisterTTS("elevenlabs", buildElevenLabs)
	r.RegisterTTS("mock", buildMockTTS)
	r.RegisterLLM("openai", buildOpenAI)
	r.RegisterLLM("mock", buildMockLLM)
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, b STTBuilder) {
	r.stt[providerKey(name)] = b
}

func (r *ProviderRegistry) RegisterTTS(name string, b TTSBuilder) {
	r.tts[providerKey(name)] = b
}

func (r *ProviderRegistry) RegisterLLM(name string, b LLMBuilder) {
	r.llm[providerKey(name)] = b
}

func (r *ProviderRegistry) BuildSTT(cfg VendorConfig, call CallInfo) (stt.Transcriber, error) {
	b := r.stt[providerKey(cfg.Provider)]
	if b == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", cfg.Provider)
	}
	return b(cfg, call)
}

func (r *ProviderRegistry) BuildTTS(cfg VendorConfig, call CallInfo) (tts.Synthesizer, error) {
	b := r.tts[providerKey(cfg.Provider)]
	if b == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", cfg.Provider)
	}
	return b(cfg, call)
}

func (r *ProviderRegistry) BuildLLM(cfg VendorConfig) (llm.LLMAdapter, error) {
	b := r.llm[providerKey(cfg.Provider)]
	if b == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.Provider)
	}
	return b(cfg)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

var deepgramSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "language", "sample_rate", "encoding", "interim", "vad_events", "utterance_end_ms"},
}

func buildDeepgram(cfg VendorConfig, call CallInfo) (stt.Transcriber, error) {
	dc := deepgram.Config{Interim: true, VADEvents: true, UtteranceEndMS: 1000}
	if err := configutil.LoadSection("vendors.stt.settings", cfg.Settings, deepgramSchema, &dc); err != nil {
		return nil, err
	}
	dc.CallID = call.CallID
	dc.TraceID = call.TraceID
	dc.Logger = call.Logger
	return deepgram.New(dc), nil
}

var elevenLabsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"voice_id", "model_id", "output_format", "base_url", "stability", "similarity_boost"},
}

func buildElevenLabs(cfg VendorConfig, call CallInfo) (tts.Synthesizer, error) {
	var ec elevenlabs.Config
	if err := configutil.LoadSection("vendors.tts.settings", cfg.Settings, elevenLabsSchema, &ec); err != nil {
		return nil, err
	}
	// A tenant's voice wins over the deployment default.
	if v := strings.TrimSpace(call.Tenant.VoiceID); v != "" {
		ec.VoiceID = v
	}
	if err := configutil.RequireString(ec.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
		return nil, err
	}
	ec.CallID = call.CallID
	ec.Logger = call.Logger
	return elevenlabs.New(ec), nil
}

var openAISchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "base_url", "max_tokens", "temperature", "timeout"},
}

func buildOpenAI(cfg VendorConfig) (llm.LLMAdapter, error) {
	var oc openai.Config
	if err := configutil.LoadSection("vendors.llm.settings", cfg.Settings, openAISchema, &oc); err != nil {
		return nil, err
	}
	return openai.NewAdapter(oc), nil
}

func buildMockSTT(cfg VendorConfig, _ CallInfo) (stt.Transcriber, error) {
	var mc mock.STTConfig
	if err := configutil.DecodeSettings(cfg.Settings, &mc); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	return mock.NewSTT(mc), nil
}

func buildMockTTS(cfg VendorConfig, _ CallInfo) (tts.Synthesizer, error) {
	var mc mock.TTSConfig
	if err := configutil.DecodeSettings(cfg.Settings, &mc); err != nil {
		return nil, fmt.Errorf("vendors.tts.settings: %w", err)
	}
	return mock.NewTTS(mc), nil
}

func buildMockLLM(cfg VendorConfig) (llm.LLMAdapter, error) {
	var mc mock.LLMConfig
	if err := configutil.DecodeSettings(cfg.Settings, &mc); err != nil {
		return nil, fmt.Errorf("vendors.llm.settings: %w", err)
	}
	return mock.NewLLMAdapter(mc), nil
}
