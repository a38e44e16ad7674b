package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. An empty path returns the defaults unvalidated against any file.
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides maps deployment environment variables onto config fields.
var envOverrides = map[string]func(*Config, string){
	"PORT":                     func(c *Config, v string) { c.Server.ListenAddr = ":" + v },
	"BRIDGE_HOST":              func(c *Config, v string) { c.Server.PublicHost = v },
	"OPENAI_API_KEY":           func(c *Config, v string) { c.Inference.APIKey = v },
	"OPENAI_REALTIME_MODEL":    func(c *Config, v string) { c.Inference.RealtimeModel = v },
	"OPENAI_VOICE":             func(c *Config, v string) { c.Inference.Voice = v },
	"VOICE_AGENT_INSTRUCTIONS": func(c *Config, v string) { c.Inference.Instructions = v },
	"SUPABASE_URL":             func(c *Config, v string) { c.Database.DSN = v },
	"TELNYX_API_KEY":           func(c *Config, v string) { c.Carrier.APIKey = v },
	"TELNYX_CONNECTION_ID":     func(c *Config, v string) { c.Carrier.ConnectionID = v },
	"TELNYX_PHONE_NUMBER":      func(c *Config, v string) { c.Carrier.PhoneNumber = v },
	"AUDIO_BRIDGE_URL":         func(c *Config, v string) { c.Bridge.AudioBridgeURL = v },
	"TRACE_SAMPLE_RATIO": func(c *Config, v string) {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Server.TraceSampleRatio = f
		} else {
			slog.Warn("TRACE_SAMPLE_RATIO is not numeric, ignoring", "value", v)
		}
	},
	"AUDIO_RELAY_URL":          func(c *Config, v string) { c.Bridge.AudioRelayURL = v },
	"CRON_SECRET":              func(c *Config, v string) { c.Bridge.CronSecret = v },
}

// ApplyEnv overlays the deployment environment variables onto cfg using
// lookup (usually [os.LookupEnv]). Unset variables leave the config value
// untouched.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for name, apply := range envOverrides {
		if v, ok := lookup(name); ok && v != "" {
			apply(cfg, v)
		}
	}
	if v, ok := lookup("PORT"); ok {
		if _, err := strconv.Atoi(v); err != nil {
			slog.Warn("PORT is not numeric, using as-is", "port", v)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be in [0, 1]", r))
	}
	if cfg.Database.TranscriptRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("database.transcript_retention_days %d must not be negative", cfg.Database.TranscriptRetentionDays))
	}
	if cfg.Recap.Provider == "" {
		errs = append(errs, errors.New("recap.provider is required"))
	}

	// Missing credentials degrade features rather than failing startup; the
	// affected subsystems log and fall back at runtime.
	if cfg.Inference.APIKey == "" {
		slog.Warn("inference.api_key is empty; realtime sessions will fail to connect")
	}
	if cfg.Carrier.APIKey == "" {
		slog.Warn("carrier.api_key is empty; carrier control actions will fail")
	}
	if cfg.Database.DSN == "" {
		slog.Warn("database.dsn is empty; call state will not be persisted")
	}
	if cfg.Bridge.CronSecret == "" {
		slog.Warn("bridge.cron_secret is empty; the cleanup endpoint is disabled")
	}

	return errors.Join(errs...)
}

// SlogLevel converts the configured level to a slog.Level, defaulting to
// Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
