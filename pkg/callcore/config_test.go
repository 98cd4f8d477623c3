package callcore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
server:
  addr: ":9090"
twilio:
  public_url: "https://calls.example.com"
  auth_token: "${TEST_TWILIO_TOKEN}"
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: "${TEST_DEEPGRAM_KEY}"
      model: nova-2-phonecall
  tts:
    provider: elevenlabs
    settings:
      api_key: el-key
      voice_id: voice-1
  llm:
    provider: openai
    settings:
      api_key: sk-test
turn:
  silence_timeout_ms: 900
  pronunciations:
    - from: "Dr."
      to: Doctor
tenant_cache:
  refresh_interval: 90s
  tenants:
    - id: clinic-1
      business_name: Bright Smile Dental
      phone_number: "+15550001111"
      active: true
      personality:
        tone: professional
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callcore.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("TEST_TWILIO_TOKEN", "tw-token")
	t.Setenv("TEST_DEEPGRAM_KEY", "dg-key")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Twilio.AuthToken != "tw-token" {
		t.Fatalf("expected env expansion in struct field, got %q", cfg.Twilio.AuthToken)
	}
	if cfg.Vendors.STT.Settings["api_key"] != "dg-key" {
		t.Fatalf("expected env expansion in settings, got %v", cfg.Vendors.STT.Settings)
	}
	if cfg.Server.Addr != ":9090" || cfg.Twilio.WebsocketPath != "/ws" {
		t.Fatalf("unexpected server config %+v %+v", cfg.Server, cfg.Twilio)
	}
	if cfg.Turn.SilenceTimeoutMS != 900 || cfg.Turn.MinTurnChars != 3 {
		t.Fatalf("unexpected turn config %+v", cfg.Turn)
	}
	if cfg.Turn.MaxReplySentences != 3 || cfg.Turn.MaxReplyChars != 420 || cfg.Agent.MaxTokens != 200 {
		t.Fatalf("unexpected reply limits %+v %+v", cfg.Turn, cfg.Agent)
	}
	if got := cfg.Turn.pronunciationMap(); got["Dr."] != "Doctor" {
		t.Fatalf("expected case-preserving pronunciations, got %v", got)
	}
	if cfg.TenantCache.RefreshInterval != 90*time.Second || cfg.TenantCache.Driver != "memory" {
		t.Fatalf("unexpected tenant cache config %+v", cfg.TenantCache)
	}
	if len(cfg.TenantCache.Tenants) != 1 || cfg.TenantCache.Tenants[0].Personality.Tone != "professional" {
		t.Fatalf("unexpected tenants %+v", cfg.TenantCache.Tenants)
	}
	if cfg.Fallback.MaxTotalRetries != 3 || cfg.Fallback.AIFailureThreshold != 4 {
		t.Fatalf("unexpected fallback defaults %+v", cfg.Fallback)
	}
	if cfg.DrainTimeout() != 30*time.Second || !cfg.Privacy.RedactPII {
		t.Fatalf("unexpected drain/privacy defaults")
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "mock"},
			TTS: VendorConfig{Provider: "mock"},
			LLM: VendorConfig{Provider: "mock"},
		}}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing stt", func(c *Config) { c.Vendors.STT.Provider = "" }, "vendors.stt.provider"},
		{"postgres without dsn", func(c *Config) { c.TenantCache.Driver = "postgres" }, "tenant_cache.dsn"},
		{"unknown driver", func(c *Config) { c.TenantCache.Driver = "redis" }, "not supported"},
		{"failure threshold at retry ceiling", func(c *Config) {
			c.Fallback.MaxTotalRetries = 3
			c.Fallback.AIFailureThreshold = 3
		}, "ai_failure_threshold"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
	cfg := base()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
