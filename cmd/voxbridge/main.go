// Command voxbridge is the VoxBridge call server: the carrier webhook
// endpoint, the realtime audio bridge and the post-call recap pipeline in
// one process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/recap"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/internal/telnyx"
	"github.com/voxbridge/voxbridge/internal/webhook"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/provider/llm/anyllm"
	llmopenai "github.com/voxbridge/voxbridge/pkg/provider/llm/openai"
	"github.com/voxbridge/voxbridge/pkg/realtime"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		return 1
	}
	config.ApplyEnv(cfg, os.LookupEnv)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge: invalid configuration: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("voxbridge starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Datastore ─────────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("database connect failed", "err", err)
		return 1
	}
	defer pool.Close()

	db := store.New(pool)
	if err := db.Migrate(ctx); err != nil {
		slog.Error("database migration failed", "err", err)
		return 1
	}

	// ── Carrier and inference clients ─────────────────────────────────────────
	carrierOpts := []telnyx.Option{telnyx.WithMetrics(metrics)}
	if cfg.Carrier.BaseURL != "" {
		carrierOpts = append(carrierOpts, telnyx.WithBaseURL(cfg.Carrier.BaseURL))
	}
	carrier := telnyx.NewClient(cfg.Carrier.APIKey, cfg.Carrier.ConnectionID, cfg.Carrier.PhoneNumber, carrierOpts...)

	inferenceOpts := []realtime.Option{
		realtime.WithModel(cfg.Inference.RealtimeModel),
		realtime.WithVoice(cfg.Inference.Voice),
	}
	if cfg.Inference.BaseURL != "" {
		inferenceOpts = append(inferenceOpts, realtime.WithBaseURL(cfg.Inference.BaseURL))
	}
	inference := realtime.NewClient(cfg.Inference.APIKey, inferenceOpts...)

	// ── Recap pipeline ────────────────────────────────────────────────────────
	provider, err := buildSummarizerProvider(cfg)
	if err != nil {
		slog.Error("summarizer provider init failed", "provider", cfg.Recap.Provider, "err", err)
		return 1
	}
	pipeline := recap.New(db, recap.NewLLMSummarizer(provider), metrics)

	// ── HTTP surface ──────────────────────────────────────────────────────────
	bridgeSrv := bridge.NewServer(bridge.ServerConfig{
		DefaultInstructions:     cfg.Inference.Instructions,
		PublicURL:               bridgePublicURL(cfg),
		CronSecret:              cfg.Bridge.CronSecret,
		TranscriptRetentionDays: cfg.Database.TranscriptRetentionDays,
	}, inference, db, metrics)

	var agent webhook.AgentTrigger = webhook.NopAgent{}
	if cfg.Bridge.AgentURL != "" {
		agent = webhook.NewHTTPAgent(cfg.Bridge.AgentURL)
	}
	// AUDIO_BRIDGE_URL alone selects the realtime path; a public host only
	// shapes the reported stream URL and must not flip the webhook mode.
	hooks := webhook.New(db, carrier, agent, webhook.Config{
		AudioBridgeURL: cfg.Bridge.AudioBridgeURL,
	}, metrics)

	mux := http.NewServeMux()
	bridgeSrv.Register(mux)
	hooks.Register(mux)
	health.New(
		health.Database(pool),
		health.Carrier(carrier.BreakerState),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /call-recap", recapHandler(pipeline))

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	slog.Info("server ready", "addr", cfg.Server.ListenAddr)

	select {
	case err := <-serveErr:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	bridgeSrv.Registry().EndAll("server shutdown")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// bridgePublicURL is the externally reachable bridge base URL reported to
// /start-session callers.
func bridgePublicURL(cfg *config.Config) string {
	if cfg.Bridge.AudioBridgeURL != "" {
		return cfg.Bridge.AudioBridgeURL
	}
	if cfg.Server.PublicHost != "" {
		return "wss://" + cfg.Server.PublicHost
	}
	return ""
}

// buildSummarizerProvider instantiates the recap completion backend named in
// the config: the native openai-go client, or any backend the any-llm
// wrapper supports.
func buildSummarizerProvider(cfg *config.Config) (llm.Provider, error) {
	name := cfg.Recap.Provider
	apiKey := cfg.Recap.APIKey

	switch name {
	case "", "openai":
		if apiKey == "" {
			apiKey = cfg.Inference.APIKey
		}
		var opts []llmopenai.Option
		if cfg.Recap.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(cfg.Recap.BaseURL))
		}
		return llmopenai.New(apiKey, cfg.Recap.Model, opts...)
	default:
		var opts []anyllmlib.Option
		if apiKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(apiKey))
		}
		if cfg.Recap.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.Recap.BaseURL))
		}
		return anyllm.New(name, cfg.Recap.Model, opts...)
	}
}

// recapHandler runs the recap pipeline on demand. The UI calls it after a
// call ends, and again with is_retry for transient failures.
func recapHandler(pipeline *recap.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CallID    string `json:"call_id"`
			FetchOnly bool   `json:"fetch_only"`
			IsRetry   bool   `json:"is_retry"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "call_id is required"})
			return
		}

		card, err := pipeline.Run(r.Context(), recap.Request{
			CallID:    req.CallID,
			FetchOnly: req.FetchOnly,
			IsRetry:   req.IsRetry,
		})
		if err != nil {
			var rerr *recap.Error
			if errors.As(err, &rerr) {
				status := http.StatusBadGateway
				if rerr.Code == recap.CodeCallNotFound {
					status = http.StatusNotFound
				}
				writeJSON(w, status, map[string]any{
					"error":     rerr.Code,
					"permanent": rerr.Permanent,
				})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "recap failed"})
			return
		}
		writeJSON(w, http.StatusOK, card)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "err", err)
	}
}
