package config

import (
	"strings"
	"testing"
)

func TestLoadFromReader_FullConfig(t *testing.T) {
	yml := `
server:
  listen_addr: ":9090"
  public_host: bridge.example.com
  log_level: debug
inference:
  api_key: sk-test
  realtime_model: gpt-4o-realtime-preview
  voice: sage
  instructions: "You are a phone agent."
carrier:
  api_key: key-test
  connection_id: conn-1
  phone_number: "+15550001111"
database:
  dsn: postgres://localhost/voxbridge
  transcript_retention_days: 7
bridge:
  audio_bridge_url: wss://bridge.example.com
  cron_secret: hush
recap:
  provider: openai
  model: gpt-4o-mini
`
	cfg, err := LoadFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Inference.Voice != "sage" {
		t.Errorf("Voice = %q, want sage", cfg.Inference.Voice)
	}
	if cfg.Database.TranscriptRetentionDays != 7 {
		t.Errorf("TranscriptRetentionDays = %d, want 7", cfg.Database.TranscriptRetentionDays)
	}
	if cfg.Carrier.PhoneNumber != "+15550001111" {
		t.Errorf("PhoneNumber = %q", cfg.Carrier.PhoneNumber)
	}
}

func TestLoadFromReader_DefaultsApply(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`inference: {api_key: sk}`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr default = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Inference.RealtimeModel != "gpt-4o-realtime-preview" {
		t.Errorf("RealtimeModel default = %q", cfg.Inference.RealtimeModel)
	}
	if cfg.Database.TranscriptRetentionDays != 30 {
		t.Errorf("TranscriptRetentionDays default = %d, want 30", cfg.Database.TranscriptRetentionDays)
	}
	if cfg.Recap.Provider != "openai" {
		t.Errorf("Recap.Provider default = %q, want openai", cfg.Recap.Provider)
	}
}

func TestLoadFromReader_TraceSampleRatio(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("server: {trace_sample_ratio: 0.1}\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.TraceSampleRatio != 0.1 {
		t.Errorf("TraceSampleRatio = %v, want 0.1", cfg.Server.TraceSampleRatio)
	}
}

func TestValidate_TraceSampleRatioOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Server.TraceSampleRatio = 1.5
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "trace_sample_ratio") {
		t.Errorf("error = %v, want mention of trace_sample_ratio", err)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("serverr: {}\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Server.LogLevel = "verbose"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error = %v, want mention of log_level", err)
	}
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.LogLevel = "verbose"
	cfg.Server.ListenAddr = ""
	cfg.Database.TranscriptRetentionDays = -1
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"log_level", "listen_addr", "transcript_retention_days"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	env := map[string]string{
		"PORT":                     "9999",
		"BRIDGE_HOST":              "calls.example.com",
		"OPENAI_API_KEY":           "sk-env",
		"OPENAI_VOICE":             "coral",
		"VOICE_AGENT_INSTRUCTIONS": "Be brief.",
		"SUPABASE_URL":             "postgres://env/db",
		"TELNYX_API_KEY":           "tk-env",
		"TELNYX_CONNECTION_ID":     "conn-env",
		"TELNYX_PHONE_NUMBER":      "+15559998888",
		"AUDIO_BRIDGE_URL":         "wss://calls.example.com",
		"AUDIO_RELAY_URL":          "wss://relay.example.com",
		"TRACE_SAMPLE_RATIO":       "0.25",
		"CRON_SECRET":              "s3cret",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	ApplyEnv(cfg, lookup)

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.Server.ListenAddr)
	}
	if cfg.Server.PublicHost != "calls.example.com" {
		t.Errorf("PublicHost = %q", cfg.Server.PublicHost)
	}
	if cfg.Inference.APIKey != "sk-env" {
		t.Errorf("Inference.APIKey = %q", cfg.Inference.APIKey)
	}
	if cfg.Inference.Voice != "coral" {
		t.Errorf("Voice = %q", cfg.Inference.Voice)
	}
	if cfg.Database.DSN != "postgres://env/db" {
		t.Errorf("DSN = %q", cfg.Database.DSN)
	}
	if cfg.Carrier.ConnectionID != "conn-env" {
		t.Errorf("ConnectionID = %q", cfg.Carrier.ConnectionID)
	}
	if cfg.Bridge.CronSecret != "s3cret" {
		t.Errorf("CronSecret = %q", cfg.Bridge.CronSecret)
	}
	if cfg.Server.TraceSampleRatio != 0.25 {
		t.Errorf("TraceSampleRatio = %v, want 0.25", cfg.Server.TraceSampleRatio)
	}
}

func TestApplyEnv_UnsetLeavesDefaults(t *testing.T) {
	cfg := Default()
	ApplyEnv(cfg, func(string) (string, bool) { return "", false })

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Inference.Voice != "alloy" {
		t.Errorf("Voice = %q, want alloy", cfg.Inference.Voice)
	}
}
