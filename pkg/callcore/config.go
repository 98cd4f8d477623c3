package callcore

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/callcore/pkg/tenant"
	"github.com/harunnryd/callcore/pkg/transports/twilio"
	"github.com/harunnryd/callcore/pkg/turn"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Twilio        twilio.Config       `mapstructure:"twilio"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Turn          TurnConfig          `mapstructure:"turn"`
	Fallback      FallbackConfig      `mapstructure:"fallback"`
	Agent         AgentConfig         `mapstructure:"agent"`
	TenantCache   TenantCacheConfig   `mapstructure:"tenant_cache"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	HealthPath     string `mapstructure:"health_path"`
	DrainTimeoutMS int    `mapstructure:"drain_timeout_ms"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TurnConfig struct {
	SilenceTimeoutMS   int    `mapstructure:"silence_timeout_ms"`
	MinTurnChars       int    `mapstructure:"min_turn_chars"`
	ReasoningTimeoutMS int    `mapstructure:"reasoning_timeout_ms"`
	MaxCallDurationSec int    `mapstructure:"max_call_duration_sec"`
	ApologyText        string `mapstructure:"apology_text"`
	PromptTemplate     string `mapstructure:"prompt_template"`
	MaxReplySentences  int    `mapstructure:"max_reply_sentences"`
	MaxReplyChars      int    `mapstructure:"max_reply_chars"`
	// Pronunciations rewrite phrases in replies before synthesis. A list
	// keeps the case of each phrase, which viper map keys would not.
	Pronunciations []Pronunciation `mapstructure:"pronunciations"`
	Jitter         struct {
		TargetFrames int `mapstructure:"target_frames"`
		MaxFrames    int `mapstructure:"max_frames"`
	} `mapstructure:"jitter"`
}

type Pronunciation struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

func (tc TurnConfig) pronunciationMap() map[string]string {
	out := make(map[string]string, len(tc.Pronunciations))
	for _, p := range tc.Pronunciations {
		out[p.From] = p.To
	}
	return out
}

type FallbackConfig struct {
	MaxTotalRetries      int      `mapstructure:"max_total_retries"`
	ClarificationPrompts []string `mapstructure:"clarification_prompts"`
	BookingTools         []string `mapstructure:"booking_tools"`
	TransferTools        []string `mapstructure:"transfer_tools"`
	TransferNotice       string   `mapstructure:"transfer_notice"`
	FailureNotice        string   `mapstructure:"failure_notice"`
	FrustrationThreshold int      `mapstructure:"frustration_threshold"`
	OffTopicThreshold    int      `mapstructure:"off_topic_threshold"`
	AIFailureThreshold   int      `mapstructure:"ai_failure_threshold"`
}

type AgentConfig struct {
	MaxToolRounds int `mapstructure:"max_tool_rounds"`
	RetryAttempts int `mapstructure:"retry_attempts"`
	// MaxTokens caps each completion; spoken replies rarely need more.
	MaxTokens int `mapstructure:"max_tokens"`

	// BreakerThreshold consecutive rate limits open the LLM circuit.
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

type TenantCacheConfig struct {
	// Driver is "memory" or "postgres".
	Driver          string          `mapstructure:"driver"`
	DSN             string          `mapstructure:"dsn"`
	RefreshInterval time.Duration   `mapstructure:"refresh_interval"`
	Tenants         []tenant.Tenant `mapstructure:"tenants"`
}

type ObservabilityConfig struct {
	MetricsPath   string `mapstructure:"metrics_path"`
	Namespace     string `mapstructure:"namespace"`
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	EventBuffer   int    `mapstructure:"event_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.health_path", "/health")
	v.SetDefault("server.drain_timeout_ms", 30000)
	v.SetDefault("twilio.voice_path", "/voice")
	v.SetDefault("twilio.ws_path", "/ws")
	v.SetDefault("twilio.status_callback_path", "/status")
	v.SetDefault("turn.silence_timeout_ms", 1200)
	v.SetDefault("turn.min_turn_chars", 3)
	v.SetDefault("turn.max_reply_sentences", turn.DefaultMaxReplySentences)
	v.SetDefault("turn.max_reply_chars", turn.DefaultMaxReplyChars)
	v.SetDefault("turn.reasoning_timeout_ms", 20000)
	v.SetDefault("turn.max_call_duration_sec", 0)
	v.SetDefault("turn.jitter.target_frames", 3)
	v.SetDefault("turn.jitter.max_frames", 50)
	v.SetDefault("fallback.max_total_retries", 3)
	v.SetDefault("fallback.booking_tools", []string{"create_booking"})
	v.SetDefault("fallback.transfer_tools", []string{"transfer_to_human"})
	v.SetDefault("fallback.ai_failure_threshold", 4)
	v.SetDefault("agent.max_tool_rounds", 3)
	v.SetDefault("agent.retry_attempts", 3)
	v.SetDefault("agent.max_tokens", 200)
	v.SetDefault("agent.breaker_threshold", 3)
	v.SetDefault("agent.breaker_cooldown_ms", 30000)
	v.SetDefault("tenant_cache.driver", "memory")
	v.SetDefault("tenant_cache.refresh_interval", "5m")
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.namespace", "callcore")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.event_buffer", 2048)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.TenantCache.Driver)) {
	case "", "memory":
	case "postgres":
		if strings.TrimSpace(c.TenantCache.DSN) == "" {
			return fmt.Errorf("tenant_cache.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("tenant_cache.driver %q is not supported", c.TenantCache.Driver)
	}
	if c.Fallback.AIFailureThreshold > 0 && c.Fallback.AIFailureThreshold <= c.Fallback.MaxTotalRetries {
		return fmt.Errorf("fallback.ai_failure_threshold must exceed fallback.max_total_retries")
	}
	return nil
}

// DrainTimeout is how long shutdown waits for live calls.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Server.DrainTimeoutMS) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
