package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/pkg/realtime"
)

// Datastore is the slice of the call datastore the bridge needs.
type Datastore interface {
	InsertTranscription(ctx context.Context, t *store.Transcription) error
	MergeInboundAudioHealth(ctx context.Context, callID string, counters map[string]int64) error
	UpsertCheckpoint(ctx context.Context, callID, name string, ts time.Time) (bool, error)
	ListCallsWithExpiredTranscripts(ctx context.Context, retentionDays int) ([]string, error)
	DeleteTranscriptions(ctx context.Context, callID string) (int64, error)
}

// InferenceDialer establishes realtime sessions. Satisfied by
// [realtime.Client].
type InferenceDialer interface {
	Connect(ctx context.Context, cfg realtime.SessionConfig) (*realtime.Session, error)
}

// ServerConfig holds the bridge server's settings.
type ServerConfig struct {
	// DefaultInstructions is the system prompt used when no per-call
	// instructions were registered via /start-session.
	DefaultInstructions string

	// PublicURL is the externally reachable base URL of this server
	// (e.g. "wss://bridge.example.com"), used to report the media stream
	// URL to callers of /start-session.
	PublicURL string

	// CronSecret authorises the internal cleanup endpoint. Empty disables it.
	CronSecret string

	// TranscriptRetentionDays bounds how long transcripts survive cleanup.
	TranscriptRetentionDays int
}

// sessionParams are per-call overrides registered before the media stream
// connects.
type sessionParams struct {
	Instructions string
	Context      string
}

// Server hosts the carrier media endpoint, the frontend listen-in endpoint
// and the bridge control surface.
type Server struct {
	cfg      ServerConfig
	dialer   InferenceDialer
	db       Datastore
	registry *Registry
	metrics  *observe.Metrics

	mu        sync.Mutex
	pending   map[string]sessionParams
	listeners map[string]map[*websocket.Conn]struct{}
}

// NewServer creates the bridge server.
func NewServer(cfg ServerConfig, dialer InferenceDialer, db Datastore, metrics *observe.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		dialer:    dialer,
		db:        db,
		registry:  NewRegistry(),
		metrics:   metrics,
		pending:   make(map[string]sessionParams),
		listeners: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Registry exposes the live session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Register adds the bridge routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/telnyx-stream", s.handleCarrierStream)
	mux.HandleFunc("/frontend", s.handleFrontend)
	mux.HandleFunc("POST /start-session", s.handleStartSession)
	mux.HandleFunc("POST /internal/cleanup", s.handleCleanup)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"activeSessions": s.registry.Len(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStartSession registers per-call instructions ahead of the media
// stream connecting, so the inference session starts with full context.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallID       string `json:"call_id"`
		Instructions string `json:"instructions"`
		CallContext  string `json:"call_context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "call_id is required"})
		return
	}

	s.mu.Lock()
	s.pending[req.CallID] = sessionParams{Instructions: req.Instructions, Context: req.CallContext}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"stream_url": s.cfg.PublicURL + "/telnyx-stream?call_id=" + req.CallID,
	})
}

// handleCarrierStream accepts the carrier's media WebSocket and runs a
// bridge session for the call.
func (s *Server) handleCarrierStream(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		writeJSON(w, http.StatusUpgradeRequired, map[string]string{"error": "websocket upgrade required"})
		return
	}
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "call_id is required"})
		return
	}

	params := s.takePending(callID)
	instructions := params.Instructions
	if instructions == "" {
		instructions = s.cfg.DefaultInstructions
	}

	log := slog.With("call_id", callID)

	connectStart := time.Now()
	inference, err := s.dialer.Connect(r.Context(), realtime.SessionConfig{Instructions: instructions})
	if err != nil {
		log.Error("inference connect failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "inference service unreachable"})
		return
	}
	s.metrics.InferenceConnectDuration.Record(r.Context(), time.Since(connectStart).Seconds())

	carrier, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error("carrier accept failed", "error", err)
		inference.Close()
		return
	}

	if params.Context != "" {
		if err := inference.InjectContext(params.Context); err != nil {
			log.Warn("context injection failed", "error", err)
		}
	}

	// The agent greets first. With server VAD the model otherwise waits
	// for the callee to speak, and the call opens in silence.
	if err := inference.CreateResponse(); err != nil {
		log.Warn("opening response request failed", "error", err)
	}

	session := NewSession(callID, carrier, inference, Callbacks{
		OnTranscript: func(entry realtime.TranscriptEntry) {
			s.persistTranscript(callID, entry)
			s.broadcastTranscript(callID, entry)
		},
		OnEnd: func(reason string, health map[string]int64) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.db.MergeInboundAudioHealth(ctx, callID, health); err != nil {
				log.Warn("audio health flush failed", "error", err)
			}
			if _, err := s.db.UpsertCheckpoint(ctx, callID, "bridge_session_ended", time.Now().UTC()); err != nil {
				log.Warn("checkpoint write failed", "error", err)
			}
		},
		OnError: func(err error) {
			log.Error("bridge session error", "error", err)
		},
	}, s.metrics)

	if !s.registry.Add(session) {
		log.Warn("duplicate media stream for call")
		session.End("duplicate stream")
		return
	}
	defer s.registry.Remove(callID)

	if _, err := s.db.UpsertCheckpoint(r.Context(), callID, "bridge_session_started", time.Now().UTC()); err != nil {
		log.Warn("checkpoint write failed", "error", err)
	}

	log.Info("bridge session started")
	session.Run(r.Context())
}

func (s *Server) takePending(callID string) sessionParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[callID]
	delete(s.pending, callID)
	return p
}

func (s *Server) persistTranscript(callID string, entry realtime.TranscriptEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t := &store.Transcription{
		CallID:  callID,
		Speaker: store.Speaker(entry.Speaker),
		Text:    entry.Text,
	}
	if err := s.db.InsertTranscription(ctx, t); err != nil {
		slog.Warn("transcript persist failed", "call_id", callID, "error", err)
	}
}

// ── Frontend listen-in ──────────────────────────────────────────────────────

// transcriptEvent is the frontend wire format for live transcript lines.
type transcriptEvent struct {
	Event     string    `json:"event"`
	CallID    string    `json:"call_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// handleFrontend attaches a UI client that receives live transcript events
// for one call.
func (s *Server) handleFrontend(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		writeJSON(w, http.StatusUpgradeRequired, map[string]string{"error": "websocket upgrade required"})
		return
	}
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "call_id is required"})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.addListener(callID, conn)
	defer s.removeListener(callID, conn)

	// Block reading until the client disconnects; frontends only receive.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (s *Server) addListener(callID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners[callID] == nil {
		s.listeners[callID] = make(map[*websocket.Conn]struct{})
	}
	s.listeners[callID][conn] = struct{}{}
}

func (s *Server) removeListener(callID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners[callID], conn)
	if len(s.listeners[callID]) == 0 {
		delete(s.listeners, callID)
	}
	conn.Close(websocket.StatusNormalClosure, "done")
}

func (s *Server) broadcastTranscript(callID string, entry realtime.TranscriptEntry) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.listeners[callID]))
	for c := range s.listeners[callID] {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(transcriptEvent{
		Event:     "transcript",
		CallID:    callID,
		Speaker:   entry.Speaker,
		Text:      entry.Text,
		Timestamp: entry.Timestamp,
	})
	if err != nil {
		return
	}
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("frontend write failed", "call_id", callID, "error", err)
		}
		cancel()
	}
}

// ── Transcript retention cleanup ────────────────────────────────────────────

// handleCleanup purges expired transcripts. Invoked by a scheduler with the
// shared bearer secret.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cleanup disabled"})
		return
	}
	auth := r.Header.Get("Authorization")
	want := "Bearer " + s.cfg.CronSecret
	if subtle.ConstantTimeCompare([]byte(auth), []byte(want)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	callIDs, err := s.db.ListCallsWithExpiredTranscripts(r.Context(), s.cfg.TranscriptRetentionDays)
	if err != nil {
		slog.Error("cleanup listing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing failed"})
		return
	}

	var deleted int64
	for _, id := range callIDs {
		n, err := s.db.DeleteTranscriptions(r.Context(), id)
		if err != nil {
			slog.Warn("cleanup delete failed", "call_id", id, "error", err)
			continue
		}
		deleted += n
	}

	slog.Info("transcript cleanup complete", "calls", len(callIDs), "deleted", deleted)
	writeJSON(w, http.StatusOK, map[string]any{"calls": len(callIDs), "deleted": deleted})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
