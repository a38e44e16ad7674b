// Package config provides the configuration schema and loader for the
// VoxBridge call server.
package config

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader], then overlaid with environment
// variables via [ApplyEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Inference InferenceConfig `yaml:"inference"`
	Carrier   CarrierConfig   `yaml:"carrier"`
	Database  DatabaseConfig  `yaml:"database"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Recap     RecapConfig     `yaml:"recap"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// PublicHost is the externally reachable host used when constructing the
	// carrier media stream URL (wss://<host>/telnyx-stream).
	PublicHost string `yaml:"public_host"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TraceSampleRatio is the fraction of root traces to keep, in [0, 1].
	// Zero samples everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// InferenceConfig configures the realtime voice service and the recap
// summarizer models.
type InferenceConfig struct {
	// APIKey authenticates against the inference service.
	APIKey string `yaml:"api_key"`

	// RealtimeModel is the speech-to-speech model for live calls.
	RealtimeModel string `yaml:"realtime_model"`

	// Voice is the agent voice for live calls.
	Voice string `yaml:"voice"`

	// Instructions is the base system prompt for the voice agent.
	Instructions string `yaml:"instructions"`

	// TranscriptionModel transcribes the remote party server-side.
	TranscriptionModel string `yaml:"transcription_model"`

	// BaseURL overrides the realtime WebSocket endpoint. Empty uses the
	// service default.
	BaseURL string `yaml:"base_url"`
}

// CarrierConfig configures the telephony carrier control API.
type CarrierConfig struct {
	// APIKey is the bearer token for the carrier REST API.
	APIKey string `yaml:"api_key"`

	// ConnectionID selects the carrier voice application.
	ConnectionID string `yaml:"connection_id"`

	// PhoneNumber is the caller ID for outbound calls (E.164).
	PhoneNumber string `yaml:"phone_number"`

	// BaseURL overrides the carrier API endpoint. Empty uses the Telnyx
	// production endpoint.
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig configures the Postgres datastore.
type DatabaseConfig struct {
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`

	// TranscriptRetentionDays is how long raw transcriptions are kept before
	// the cleanup endpoint purges them. Zero uses the default of 30.
	TranscriptRetentionDays int `yaml:"transcript_retention_days"`
}

// BridgeConfig holds the audio-path mode switches and the cleanup secret.
type BridgeConfig struct {
	// AudioBridgeURL, when set, selects the realtime bridge path for new
	// calls.
	AudioBridgeURL string `yaml:"audio_bridge_url"`

	// AudioRelayURL is the legacy streaming target for UI listen-in.
	AudioRelayURL string `yaml:"audio_relay_url"`

	// AgentURL is the legacy turn-based agent endpoint used when the
	// realtime path is unavailable.
	AgentURL string `yaml:"agent_url"`

	// CronSecret guards the internal cleanup endpoint.
	CronSecret string `yaml:"cron_secret"`
}

// RecapConfig configures the post-call summarizer.
type RecapConfig struct {
	// Provider selects the completion backend: "openai" (default) or any
	// name supported by the any-llm wrapper ("anthropic", "ollama", ...).
	Provider string `yaml:"provider"`

	// Model is the summarizer model name.
	Model string `yaml:"model"`

	// APIKey authenticates the summarizer backend. Empty falls back to the
	// inference API key for the "openai" provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the summarizer API endpoint.
	BaseURL string `yaml:"base_url"`
}

// Default returns a Config populated with defaults. Loading a YAML file or
// applying the environment overlays on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Inference: InferenceConfig{
			RealtimeModel:      "gpt-4o-realtime-preview",
			Voice:              "alloy",
			TranscriptionModel: "whisper-1",
		},
		Database: DatabaseConfig{
			TranscriptRetentionDays: 30,
		},
		Recap: RecapConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
	}
}
