// Package recap assembles a finished call into a structured outcome: the
// transcript, the timeline, a one-sentence LLM summary and a confidence
// grade. Failures are classified as transient (retryable) or permanent.
package recap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/store"
)

// Error codes persisted in recap_error_code.
const (
	CodeCallNotFound = "CALL_NOT_FOUND"
	CodeNoTranscript = "NO_TRANSCRIPT"
	CodeRateLimit    = "RATE_LIMIT"
	CodeServerError  = "AI_SERVER_ERROR"
	CodeAPIError     = "AI_API_ERROR"
	CodeParseError   = "AI_PARSE_ERROR"
	CodeNetworkError = "NETWORK_ERROR"
	CodeUnknown      = "UNKNOWN_ERROR"
)

// Error is a classified recap failure. Permanent failures must not be
// retried.
type Error struct {
	Code      string
	Permanent bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("recap: %s: %v", e.Code, e.cause)
	}
	return "recap: " + e.Code
}

func (e *Error) Unwrap() error { return e.cause }

// Datastore is the slice of the call datastore the pipeline needs.
type Datastore interface {
	GetCallWithRelations(ctx context.Context, callID string) (*store.CallWithRelations, error)
	UpdateCallFields(ctx context.Context, id string, patch map[string]any) error
	IncrementRecapAttempts(ctx context.Context, callID string) error
	InsertAssistantMessage(ctx context.Context, userID, callID, content string) error
}

// Request drives one pipeline run.
type Request struct {
	CallID string

	// FetchOnly assembles the card from stored data without running the
	// summarizer or writing status.
	FetchOnly bool

	// IsRetry marks a re-attempt after a transient failure.
	IsRetry bool
}

// Turn is one line of the assembled conversation.
type Turn struct {
	Speaker    store.Speaker `json:"speaker"`
	Text       string        `json:"text"`
	Timestamp  time.Time     `json:"timestamp"`
	Confidence *float64      `json:"confidence,omitempty"`
}

// CallCardData is the assembled recap payload the UI renders.
type CallCardData struct {
	CallID          string            `json:"call_id"`
	Status          string            `json:"status"`
	Summary         string            `json:"summary"`
	Takeaways       []string          `json:"takeaways"`
	Confidence      string            `json:"confidence"`
	DurationSeconds int               `json:"duration_seconds"`
	EndReason       string            `json:"end_reason"`
	Turns           []Turn            `json:"turns"`
	Events          []store.CallEvent `json:"events"`
}

// Pipeline produces call recaps.
type Pipeline struct {
	db         Datastore
	summarizer Summarizer
	metrics    *observe.Metrics
	now        func() time.Time
}

// New creates a recap pipeline.
func New(db Datastore, summarizer Summarizer, metrics *observe.Metrics) *Pipeline {
	return &Pipeline{
		db:         db,
		summarizer: summarizer,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Run executes the pipeline for one call. On success the call row carries
// recap_ready and the summary; on failure a classified status and error
// code. The returned *Error (via errors.As) tells retry runners whether a
// retry is allowed.
func (p *Pipeline) Run(ctx context.Context, req Request) (*CallCardData, error) {
	ctx, span := observe.CallSpan(ctx, "recap.run", req.CallID)
	defer span.End()

	rel, err := p.db.GetCallWithRelations(ctx, req.CallID)
	if err != nil {
		return nil, p.fail(ctx, req, nil, &Error{Code: CodeUnknown, cause: err})
	}
	if rel == nil || rel.Call == nil {
		return nil, p.fail(ctx, req, nil, &Error{Code: CodeCallNotFound, Permanent: true})
	}
	call := rel.Call

	if req.FetchOnly {
		return p.assembleCard(call, rel, storedSummary(call)), nil
	}

	if call.RecapStatus != nil && *call.RecapStatus == store.RecapFailedPermanent {
		return nil, &Error{Code: permanentCode(call), Permanent: true}
	}

	if err := p.db.UpdateCallFields(ctx, call.ID, map[string]any{
		"recap_status":          store.RecapPending,
		"recap_last_attempt_at": p.now().UTC(),
	}); err != nil {
		return nil, p.fail(ctx, req, call, &Error{Code: CodeUnknown, cause: err})
	}
	if err := p.db.IncrementRecapAttempts(ctx, call.ID); err != nil {
		slog.Warn("attempt count increment failed", "call_id", call.ID, "error", err)
	}

	turns := buildTurns(rel)
	wasAnswered := call.Status == store.StatusEnded && call.StartedAt != nil

	if !wasAnswered {
		sentence := cannedSentence(call.Outcome)
		if err := p.persistSuccess(ctx, call, sentence); err != nil {
			return nil, p.fail(ctx, req, call, &Error{Code: CodeUnknown, cause: err})
		}
		return p.assembleCard(call, rel, SummaryResult{Sentence: sentence, Confidence: "low"}), nil
	}

	if len(turns) == 0 {
		return nil, p.fail(ctx, req, call, &Error{Code: CodeNoTranscript, Permanent: true})
	}

	goal := ""
	if rel.Context != nil {
		goal = rel.Context.IntentPurpose
	}

	start := p.now()
	result, err := p.summarizer.Summarize(ctx, call, goal, turns)
	p.metrics.SummarizeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		var rerr *Error
		if !errors.As(err, &rerr) {
			rerr = &Error{Code: CodeUnknown, cause: err}
		}
		return nil, p.fail(ctx, req, call, rerr)
	}

	if !sentenceUsable(result.Sentence) {
		result.Sentence = fallbackSentence(turns)
	}
	result.Confidence = aggregateConfidence(turns)

	if err := p.persistSuccess(ctx, call, result.Sentence); err != nil {
		return nil, p.fail(ctx, req, call, &Error{Code: CodeUnknown, cause: err})
	}
	return p.assembleCard(call, rel, result), nil
}

func (p *Pipeline) persistSuccess(ctx context.Context, call *store.Call, sentence string) error {
	if err := p.db.UpdateCallFields(ctx, call.ID, map[string]any{
		"recap_status":     store.RecapReady,
		"recap_error_code": nil,
		"summary":          sentence,
	}); err != nil {
		return fmt.Errorf("recap: persist result: %w", err)
	}
	if err := p.db.InsertAssistantMessage(ctx, call.UserID, call.ID, sentence); err != nil {
		slog.Warn("assistant message insert failed", "call_id", call.ID, "error", err)
	}
	p.metrics.RecordRecapOutcome(ctx, string(store.RecapReady))
	return nil
}

// fail records the classified failure on the call row and returns rerr.
func (p *Pipeline) fail(ctx context.Context, req Request, call *store.Call, rerr *Error) error {
	status := store.RecapFailedTransient
	if rerr.Permanent {
		status = store.RecapFailedPermanent
	}
	p.metrics.RecordRecapOutcome(ctx, string(status))

	if call != nil {
		if err := p.db.UpdateCallFields(ctx, call.ID, map[string]any{
			"recap_status":     status,
			"recap_error_code": rerr.Code,
		}); err != nil {
			slog.Error("failure status write failed", "call_id", call.ID, "error", err)
		}
	}
	slog.Warn("recap failed", "call_id", req.CallID, "code", rerr.Code, "permanent", rerr.Permanent)
	return rerr
}

func (p *Pipeline) assembleCard(call *store.Call, rel *store.CallWithRelations, result SummaryResult) *CallCardData {
	duration := 0
	if call.DurationSeconds != nil {
		duration = *call.DurationSeconds
	}
	card := &CallCardData{
		CallID:          call.ID,
		Status:          statusForOutcome(call.Outcome),
		Summary:         result.Sentence,
		Takeaways:       result.Takeaways,
		Confidence:      result.Confidence,
		DurationSeconds: duration,
		EndReason:       endReason(rel),
		Turns:           buildTurns(rel),
		Events:          rel.Events,
	}
	if card.Takeaways == nil {
		card.Takeaways = []string{}
	}
	return card
}

// ── Assembly helpers ────────────────────────────────────────────────────────

// buildTurns interleaves transcript rows with legacy agent_speech events,
// ordered by timestamp with empty lines dropped.
func buildTurns(rel *store.CallWithRelations) []Turn {
	turns := make([]Turn, 0, len(rel.Transcriptions))
	for _, t := range rel.Transcriptions {
		if t.Text == "" {
			continue
		}
		turns = append(turns, Turn{
			Speaker:    t.Speaker,
			Text:       t.Text,
			Timestamp:  t.CreatedAt,
			Confidence: t.Confidence,
		})
	}
	for _, e := range rel.Events {
		if e.EventType != "agent_speech" {
			continue
		}
		text, _ := e.Metadata["text"].(string)
		if text == "" {
			continue
		}
		turns = append(turns, Turn{
			Speaker:   store.SpeakerAgent,
			Text:      text,
			Timestamp: e.CreatedAt,
		})
	}
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].Timestamp.Before(turns[j].Timestamp)
	})
	return turns
}

// endReason prefers the hangup event's recorded reason over the outcome.
func endReason(rel *store.CallWithRelations) string {
	for _, e := range rel.Events {
		if e.EventType == "hangup" {
			if reason, ok := e.Metadata["reason"].(string); ok && reason != "" {
				return reason
			}
		}
	}
	if rel.Call != nil && rel.Call.Outcome != nil {
		return string(*rel.Call.Outcome)
	}
	return ""
}

func statusForOutcome(outcome *store.Outcome) string {
	if outcome == nil {
		return "unknown"
	}
	return string(*outcome)
}

// cannedSentence covers calls that never connected; no LLM involved.
func cannedSentence(outcome *store.Outcome) string {
	if outcome == nil {
		return "The call ended before anyone answered."
	}
	switch *outcome {
	case store.OutcomeVoicemail:
		return "The call went to voicemail."
	case store.OutcomeBusy:
		return "The line was busy."
	case store.OutcomeNoAnswer:
		return "No one answered the call."
	case store.OutcomeDeclined:
		return "The call was declined."
	case store.OutcomeCancelled:
		return "The call was cancelled before it connected."
	default:
		return "The call ended before anyone answered."
	}
}

// fallbackSentence builds a summary straight from the transcript when the
// model's sentence fails the quality guard.
func fallbackSentence(turns []Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Speaker == store.SpeakerRemote && turns[i].Text != "" {
			text := turns[i].Text
			if len(text) > 140 {
				text = text[:140]
			}
			return "They said: " + text
		}
	}
	return "The call connected and a conversation took place."
}

// aggregateConfidence grades the recap by mean ASR confidence of the remote
// side. Calls with transcript but no confidence data grade medium.
func aggregateConfidence(turns []Turn) string {
	var sum float64
	var n int
	var remote int
	for _, t := range turns {
		if t.Speaker != store.SpeakerRemote {
			continue
		}
		remote++
		if t.Confidence != nil {
			sum += *t.Confidence
			n++
		}
	}
	if remote == 0 {
		return "low"
	}
	if n == 0 {
		return "medium"
	}
	mean := sum / float64(n)
	switch {
	case mean >= 0.85:
		return "high"
	case mean >= 0.65:
		return "medium"
	default:
		return "low"
	}
}

func storedSummary(call *store.Call) SummaryResult {
	r := SummaryResult{Confidence: "medium"}
	if call.Summary != nil {
		r.Sentence = *call.Summary
	}
	return r
}

func permanentCode(call *store.Call) string {
	if call.RecapErrorCode != nil {
		return *call.RecapErrorCode
	}
	return CodeUnknown
}
