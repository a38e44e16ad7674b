// Package webhook receives carrier lifecycle events and drives the call
// state machine: status transitions, the closing protocol, the silence
// watchdog, answering-machine handling and IVR auto-navigation.
//
// Handlers never surface errors to the carrier. Any failure is logged and
// recorded as a call event, and the HTTP layer answers 200 so the carrier
// does not retry and duplicate side effects.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/internal/telnyx"
)

// Datastore is the slice of the call datastore the webhook layer needs.
type Datastore interface {
	GetCall(ctx context.Context, id string) (*store.Call, error)
	GetCallByTelnyxID(ctx context.Context, telnyxID string) (*store.Call, error)
	UpdateCallFields(ctx context.Context, id string, patch map[string]any) error
	InsertCallEvent(ctx context.Context, e *store.CallEvent) error
	InsertTranscription(ctx context.Context, t *store.Transcription) error
	UpsertCheckpoint(ctx context.Context, callID, name string, ts time.Time) (bool, error)
	GetCallContext(ctx context.Context, callID string) (*store.CallContext, error)
	GetIvrPath(ctx context.Context, id string) (*store.IvrPath, error)
	FinalizeCallContext(ctx context.Context, callID string) error
}

// Carrier is the control surface used for call actions. Satisfied by
// [telnyx.Client].
type Carrier interface {
	TranscriptionStart(ctx context.Context, callControlID string) error
	StreamingStart(ctx context.Context, callControlID, streamURL string) error
	SendDTMF(ctx context.Context, callControlID, digits string) error
	Hangup(ctx context.Context, callControlID string) error
}

// Config holds the webhook handler's tunables. Zero durations get defaults.
type Config struct {
	// AudioBridgeURL selects the realtime audio path when non-empty; the
	// carrier streams media to <AudioBridgeURL>/telnyx-stream. Empty selects
	// the legacy per-turn agent path.
	AudioBridgeURL string

	// GoodbyeGrace is the pause before hanging up on a mutual goodbye.
	GoodbyeGrace time.Duration

	// SilenceReprompt is how long the remote party may stay silent after the
	// agent finishes speaking before a reprompt.
	SilenceReprompt time.Duration

	// ClosingSilenceTimeout ends the call when the remote party stays silent
	// after the agent's farewell.
	ClosingSilenceTimeout time.Duration

	// IvrStepDelay is the wait before each IVR menu step.
	IvrStepDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.GoodbyeGrace == 0 {
		c.GoodbyeGrace = time.Second
	}
	if c.SilenceReprompt == 0 {
		c.SilenceReprompt = 3 * time.Second
	}
	if c.ClosingSilenceTimeout == 0 {
		c.ClosingSilenceTimeout = 10 * time.Second
	}
	if c.IvrStepDelay == 0 {
		c.IvrStepDelay = 3 * time.Second
	}
}

// Handler is the carrier webhook endpoint and call state machine.
type Handler struct {
	db      Datastore
	carrier Carrier
	agent   AgentTrigger
	cfg     Config
	metrics *observe.Metrics

	now func() time.Time
}

// New creates the webhook handler.
func New(db Datastore, carrier Carrier, agent AgentTrigger, cfg Config, metrics *observe.Metrics) *Handler {
	cfg.applyDefaults()
	return &Handler{
		db:      db,
		carrier: carrier,
		agent:   agent,
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
	}
}

// realtimeMode reports whether new calls use the realtime bridge path.
func (h *Handler) realtimeMode() bool { return h.cfg.AudioBridgeURL != "" }

// envelope is the carrier webhook wire format.
type envelope struct {
	Data struct {
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
	} `json:"data"`
}

// eventPayload covers the payload fields across all handled event types.
type eventPayload struct {
	CallControlID string `json:"call_control_id"`
	ClientState   string `json:"client_state"`
	HangupCause   string `json:"hangup_cause"`
	Result        string `json:"result"`
	Digit         string `json:"digit"`
	FailureReason string `json:"failure_reason"`

	TranscriptionData *struct {
		Transcript string   `json:"transcript"`
		IsFinal    bool     `json:"is_final"`
		Confidence *float64 `json:"confidence"`
		Leg        string   `json:"leg"`
	} `json:"transcription_data"`
}

// Register adds the webhook routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /webhook/telnyx", h.handleProbe)
	mux.HandleFunc("POST /webhook/telnyx", h.ServeHTTP)
}

func (h *Handler) handleProbe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ServeHTTP processes one carrier event. It always answers 200 unless the
// request body cannot be read at all.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		slog.Warn("webhook body unparseable", "error", err)
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	eventType := env.Data.EventType

	var p eventPayload
	if len(env.Data.Payload) > 0 {
		if err := json.Unmarshal(env.Data.Payload, &p); err != nil {
			slog.Warn("webhook payload unparseable", "event_type", eventType, "error", err)
		}
	}

	call, err := h.resolveCall(ctx, &p)
	if err != nil {
		slog.Warn("webhook call resolution failed", "event_type", eventType, "error", err)
		h.metrics.RecordWebhookEvent(ctx, eventType, "error")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	if call == nil {
		slog.Info("webhook for unknown call", "event_type", eventType, "call_control_id", p.CallControlID)
		h.metrics.RecordWebhookEvent(ctx, eventType, "unknown_call")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	ctx, span := observe.CallSpan(ctx, "webhook."+eventType, call.ID)
	defer span.End()

	log := observe.Logger(ctx).With("event_type", eventType)
	if err := h.dispatch(ctx, call, eventType, &p); err != nil {
		log.Error("webhook handler failed", "error", err)
		h.recordEvent(ctx, call.ID, "handler_error", err.Error(), map[string]any{"event_type": eventType})
		h.metrics.RecordWebhookEvent(ctx, eventType, "error")
	} else {
		h.metrics.RecordWebhookEvent(ctx, eventType, "ok")
	}

	if call.Status != store.StatusEnded {
		if err := h.db.UpdateCallFields(ctx, call.ID, map[string]any{"last_activity_at": h.now().UTC()}); err != nil {
			log.Warn("activity bookkeeping failed", "error", err)
		}
	}

	h.checkSilence(ctx, call.ID)

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// resolveCall maps a payload to our call row: client_state first, then the
// carrier call-control id.
func (h *Handler) resolveCall(ctx context.Context, p *eventPayload) (*store.Call, error) {
	if p.ClientState != "" {
		if cs, err := telnyx.DecodeClientState(p.ClientState); err == nil && cs.CallID != "" {
			call, err := h.db.GetCall(ctx, cs.CallID)
			if err != nil {
				return nil, err
			}
			if call != nil {
				return call, nil
			}
		}
	}
	if p.CallControlID == "" {
		return nil, nil
	}
	return h.db.GetCallByTelnyxID(ctx, p.CallControlID)
}

func (h *Handler) dispatch(ctx context.Context, call *store.Call, eventType string, p *eventPayload) error {
	switch eventType {
	case "call.initiated":
		return h.handleInitiated(ctx, call, p)
	case "call.answered":
		return h.handleAnswered(ctx, call, p)
	case "call.machine.detection.ended":
		return h.handleAMD(ctx, call, p)
	case "call.transcription":
		return h.handleTranscription(ctx, call, p)
	case "call.speak.ended":
		return h.handleSpeakEnded(ctx, call)
	case "call.hangup":
		return h.handleHangup(ctx, call, p)
	case "streaming.started":
		_, err := h.db.UpsertCheckpoint(ctx, call.ID, "streaming_started", h.now().UTC())
		return err
	case "streaming.stopped":
		slog.Info("media streaming stopped", "call_id", call.ID)
		return nil
	case "streaming.failed":
		return h.handleStreamingFailed(ctx, call, p)
	case "call.dtmf.received":
		h.recordEvent(ctx, call.ID, "dtmf_received", "remote party pressed a key", map[string]any{"digit": p.Digit})
		return nil
	default:
		slog.Debug("unhandled webhook event", "call_id", call.ID, "event_type", eventType)
		return nil
	}
}

// ── Lifecycle handlers ──────────────────────────────────────────────────────

func (h *Handler) handleInitiated(ctx context.Context, call *store.Call, p *eventPayload) error {
	if !call.Status.Advances(store.StatusRinging) {
		return nil
	}
	patch := map[string]any{"status": store.StatusRinging}
	if p.CallControlID != "" {
		patch["telnyx_call_id"] = p.CallControlID
	}
	if err := h.db.UpdateCallFields(ctx, call.ID, patch); err != nil {
		return fmt.Errorf("webhook: mark ringing: %w", err)
	}
	h.checkpoint(ctx, call.ID, "call_started")
	h.recordEvent(ctx, call.ID, "call_initiated", "carrier placed the call", nil)
	h.metrics.ActiveCalls.Add(ctx, 1)
	return nil
}

func (h *Handler) handleAnswered(ctx context.Context, call *store.Call, p *eventPayload) error {
	if !call.Status.Advances(store.StatusAnswered) {
		return nil
	}
	now := h.now().UTC()
	patch := map[string]any{
		"status":         store.StatusAnswered,
		"started_at":     now,
		"reprompt_count": 0,
		// The silence clock starts at call.speak.ended, not here.
		"silence_started_at": nil,
	}
	if err := h.db.UpdateCallFields(ctx, call.ID, patch); err != nil {
		return fmt.Errorf("webhook: mark answered: %w", err)
	}
	h.checkpoint(ctx, call.ID, "call_answered")
	h.recordEvent(ctx, call.ID, "call_answered", "remote party answered", nil)

	cc := callControlID(call, p)

	// Both-leg carrier transcription drives the closing protocol and the
	// silence watchdog on every audio path.
	h.startTranscription(ctx, call, cc)

	if h.realtimeMode() {
		streamURL := h.cfg.AudioBridgeURL + "/telnyx-stream?call_id=" + url.QueryEscape(call.ID)
		if err := h.carrier.StreamingStart(ctx, cc, streamURL); err != nil {
			slog.Error("streaming start failed, using legacy path", "call_id", call.ID, "error", err)
			h.recordEvent(ctx, call.ID, "streaming_start_failed", err.Error(), nil)
			h.triggerOpening(ctx, call)
		}
	} else {
		h.triggerOpening(ctx, call)
	}

	h.startIvrNavigation(ctx, call, cc)
	return nil
}

func (h *Handler) startTranscription(ctx context.Context, call *store.Call, callControlID string) {
	if err := h.carrier.TranscriptionStart(ctx, callControlID); err != nil {
		slog.Error("transcription start failed", "call_id", call.ID, "error", err)
		h.recordEvent(ctx, call.ID, "transcription_start_failed", err.Error(), nil)
		return
	}
	h.checkpoint(ctx, call.ID, "transcription_started")
}

// triggerOpening asks the per-turn agent to speak the opening line. Used
// when no bridge is deployed and as the fallback when media streaming fails.
func (h *Handler) triggerOpening(ctx context.Context, call *store.Call) {
	if err := h.agent.Trigger(ctx, AgentRequest{CallID: call.ID, UserID: call.UserID, IsOpening: true}); err != nil {
		slog.Error("agent trigger failed", "call_id", call.ID, "error", err)
		h.recordEvent(ctx, call.ID, "agent_trigger_failed", err.Error(), nil)
	}
}

func (h *Handler) handleAMD(ctx context.Context, call *store.Call, p *eventPayload) error {
	if call.Status == store.StatusEnded {
		return nil
	}
	result := p.Result
	if err := h.db.UpdateCallFields(ctx, call.ID, map[string]any{"amd_result": result}); err != nil {
		return fmt.Errorf("webhook: store amd result: %w", err)
	}
	h.recordEvent(ctx, call.ID, "amd_result", "answering machine detection finished", map[string]any{"result": result})

	if result == "machine" {
		if err := h.carrier.Hangup(ctx, callControlID(call, p)); err != nil {
			return fmt.Errorf("webhook: hangup on machine: %w", err)
		}
		h.recordEvent(ctx, call.ID, "hangup_requested", "machine detected", map[string]any{"reason": "AMD_MACHINE"})
	}
	return nil
}

func (h *Handler) handleTranscription(ctx context.Context, call *store.Call, p *eventPayload) error {
	if call.Status == store.StatusEnded {
		// Late ASR results after hangup must not mutate state.
		return nil
	}
	td := p.TranscriptionData
	if td == nil || td.Transcript == "" {
		return nil
	}

	speaker := store.SpeakerRemote
	if td.Leg == "self" {
		speaker = store.SpeakerAgent
	}

	if !td.IsFinal {
		h.checkpoint(ctx, call.ID, "first_asr_partial")
		return nil
	}
	h.checkpoint(ctx, call.ID, "first_asr_final")

	t := &store.Transcription{
		CallID:     call.ID,
		Speaker:    speaker,
		Text:       td.Transcript,
		Confidence: td.Confidence,
	}
	if err := h.db.InsertTranscription(ctx, t); err != nil {
		return fmt.Errorf("webhook: persist transcription: %w", err)
	}

	if speaker == store.SpeakerAgent {
		// The agent's own farewell opens the closing window.
		if call.ClosingState != store.ClosingSaid && isFarewell(td.Transcript) {
			if err := h.db.UpdateCallFields(ctx, call.ID, map[string]any{
				"closing_state":      store.ClosingSaid,
				"closing_started_at": h.now().UTC(),
			}); err != nil {
				return fmt.Errorf("webhook: enter closing state: %w", err)
			}
			h.recordEvent(ctx, call.ID, "closing_said", "agent said a farewell", nil)
		}
		return nil
	}

	// Remote finals clear the silence clock. The raw leg value is kept for
	// diagnosing carriers that report something other than self/other.
	meta := map[string]any{"last_remote_leg_value": td.Leg}
	if err := h.db.UpdateCallFields(ctx, call.ID, map[string]any{"silence_started_at": nil}); err != nil {
		return fmt.Errorf("webhook: clear silence clock: %w", err)
	}

	if call.ClosingState == store.ClosingSaid {
		return h.handleClosingTranscript(ctx, call, p, td.Transcript, meta)
	}

	if !h.realtimeMode() {
		if err := h.agent.Trigger(ctx, AgentRequest{CallID: call.ID, UserID: call.UserID, Text: td.Transcript}); err != nil {
			slog.Error("agent trigger failed", "call_id", call.ID, "error", err)
			h.recordEvent(ctx, call.ID, "agent_trigger_failed", err.Error(), meta)
		}
	}
	return nil
}

func (h *Handler) handleClosingTranscript(ctx context.Context, call *store.Call, p *eventPayload, text string, meta map[string]any) error {
	switch classifyClosing(text) {
	case closingContinuation:
		if err := h.db.UpdateCallFields(ctx, call.ID, map[string]any{
			"closing_state":      store.ClosingActive,
			"closing_started_at": nil,
		}); err != nil {
			return fmt.Errorf("webhook: reset closing state: %w", err)
		}
		h.recordEvent(ctx, call.ID, "closing_aborted", "remote party continued the conversation", meta)
		if !h.realtimeMode() {
			if err := h.agent.Trigger(ctx, AgentRequest{CallID: call.ID, UserID: call.UserID, Text: text}); err != nil {
				slog.Error("agent trigger failed", "call_id", call.ID, "error", err)
			}
		}
		return nil

	case closingFarewell:
		// Brief grace so the agent's goodbye audio finishes playing.
		select {
		case <-time.After(h.cfg.GoodbyeGrace):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := h.carrier.Hangup(ctx, callControlID(call, p)); err != nil {
			return fmt.Errorf("webhook: mutual goodbye hangup: %w", err)
		}
		h.recordEvent(ctx, call.ID, "hangup", "both sides said goodbye", map[string]any{"reason": "MUTUAL_GOODBYE"})
		return nil

	default:
		h.recordEvent(ctx, call.ID, "closing_ambiguous", "remote reply neither farewell nor continuation", meta)
		if !h.realtimeMode() {
			if err := h.agent.Trigger(ctx, AgentRequest{CallID: call.ID, UserID: call.UserID, Text: text}); err != nil {
				slog.Error("agent trigger failed", "call_id", call.ID, "error", err)
			}
		}
		return nil
	}
}

func (h *Handler) handleSpeakEnded(ctx context.Context, call *store.Call) error {
	if call.Status == store.StatusEnded {
		return nil
	}
	if err := h.db.UpdateCallFields(ctx, call.ID, map[string]any{"silence_started_at": h.now().UTC()}); err != nil {
		return fmt.Errorf("webhook: start silence clock: %w", err)
	}
	return nil
}

func (h *Handler) handleHangup(ctx context.Context, call *store.Call, p *eventPayload) error {
	if call.Status == store.StatusEnded {
		// Duplicate or post-ended delivery: no observable change.
		return nil
	}
	now := h.now().UTC()
	outcome := mapHangupCause(p.HangupCause, call.AMDResult)

	patch := map[string]any{
		"status":   store.StatusEnded,
		"ended_at": now,
		"outcome":  outcome,
	}
	if call.StartedAt != nil {
		patch["duration_seconds"] = int(now.Sub(*call.StartedAt).Seconds())
	}
	if err := h.db.UpdateCallFields(ctx, call.ID, patch); err != nil {
		return fmt.Errorf("webhook: mark ended: %w", err)
	}
	h.checkpoint(ctx, call.ID, "call_ended")
	h.recordEvent(ctx, call.ID, "call_ended", "carrier reported hangup", map[string]any{
		"hangup_cause": p.HangupCause,
		"outcome":      string(outcome),
	})

	if err := h.db.FinalizeCallContext(ctx, call.ID); err != nil {
		slog.Warn("context finalize failed", "call_id", call.ID, "error", err)
	}
	h.metrics.ActiveCalls.Add(ctx, -1)
	return nil
}

func (h *Handler) handleStreamingFailed(ctx context.Context, call *store.Call, p *eventPayload) error {
	h.recordEvent(ctx, call.ID, "streaming_failed", "media streaming failed, falling back to legacy path",
		map[string]any{"failure_reason": p.FailureReason})
	// Re-issue transcription in case the answered-time start failed; the
	// checkpoint dedupes and a carrier duplicate error is only logged.
	h.startTranscription(ctx, call, callControlID(call, p))
	h.triggerOpening(ctx, call)
	return nil
}

// ── Silence watchdog ────────────────────────────────────────────────────────

// checkSilence runs before every webhook response. It reprompts the agent
// after sustained remote silence, and ends the call when silence follows the
// agent's farewell.
func (h *Handler) checkSilence(ctx context.Context, callID string) {
	call, err := h.db.GetCall(ctx, callID)
	if err != nil || call == nil || call.Status != store.StatusAnswered {
		return
	}
	now := h.now()

	if call.ClosingState == store.ClosingSaid {
		if call.ClosingStartedAt != nil && now.Sub(*call.ClosingStartedAt) >= h.cfg.ClosingSilenceTimeout {
			cc := ""
			if call.TelnyxCallID != nil {
				cc = *call.TelnyxCallID
			}
			if err := h.carrier.Hangup(ctx, cc); err != nil {
				slog.Error("silence timeout hangup failed", "call_id", call.ID, "error", err)
				return
			}
			h.checkpoint(ctx, call.ID, "silence_timeout")
			h.recordEvent(ctx, call.ID, "hangup", "no reply after farewell", map[string]any{"reason": "SILENCE_TIMEOUT_AFTER_CLOSING"})
		}
		return
	}

	if call.SilenceStartedAt != nil && now.Sub(*call.SilenceStartedAt) >= h.cfg.SilenceReprompt {
		if err := h.agent.Trigger(ctx, AgentRequest{CallID: call.ID, UserID: call.UserID, IsReprompt: true}); err != nil {
			slog.Error("reprompt trigger failed", "call_id", call.ID, "error", err)
			return
		}
		// Restart the clock so one silent stretch yields one reprompt.
		if err := h.db.UpdateCallFields(ctx, call.ID, map[string]any{
			"silence_started_at": now.UTC(),
			"reprompt_count":     call.RepromptCount + 1,
		}); err != nil {
			slog.Warn("reprompt bookkeeping failed", "call_id", call.ID, "error", err)
		}
		h.recordEvent(ctx, call.ID, "reprompt", "agent reprompted after silence", map[string]any{"count": call.RepromptCount + 1})
	}
}

// ── Helpers ─────────────────────────────────────────────────────────────────

// mapHangupCause classifies how a call concluded. A machine AMD result turns
// a normal clearing into voicemail.
func mapHangupCause(cause string, amdResult *string) store.Outcome {
	switch cause {
	case "normal_clearing", "normal":
		if amdResult != nil && *amdResult == "machine" {
			return store.OutcomeVoicemail
		}
		return store.OutcomeCompleted
	case "busy":
		return store.OutcomeBusy
	case "no_answer", "timeout":
		return store.OutcomeNoAnswer
	case "call_rejected":
		return store.OutcomeDeclined
	case "originator_cancel":
		return store.OutcomeCancelled
	default:
		return store.OutcomeCompleted
	}
}

func callControlID(call *store.Call, p *eventPayload) string {
	if p.CallControlID != "" {
		return p.CallControlID
	}
	if call.TelnyxCallID != nil {
		return *call.TelnyxCallID
	}
	return ""
}

func (h *Handler) checkpoint(ctx context.Context, callID, name string) {
	if _, err := h.db.UpsertCheckpoint(ctx, callID, name, h.now().UTC()); err != nil {
		slog.Warn("checkpoint write failed", "call_id", callID, "checkpoint", name, "error", err)
	}
}

func (h *Handler) recordEvent(ctx context.Context, callID, eventType, description string, metadata map[string]any) {
	e := &store.CallEvent{
		CallID:      callID,
		EventType:   eventType,
		Description: description,
		Metadata:    metadata,
	}
	if err := h.db.InsertCallEvent(ctx, e); err != nil {
		slog.Warn("event write failed", "call_id", callID, "event_type", eventType, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
