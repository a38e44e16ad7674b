// Package store provides the PostgreSQL datastore adapter for calls,
// contexts, transcriptions, events, IVR paths and chat messages.
//
// All updates are field-level patches; the only server-side merge is the
// pipeline_checkpoints map, which is written atomically with
// first-write-wins semantics.
package store

import "time"

// CallStatus is the lifecycle state of a call. It advances monotonically
// along pending → ringing → answered → ended.
type CallStatus string

const (
	StatusPending  CallStatus = "pending"
	StatusRinging  CallStatus = "ringing"
	StatusAnswered CallStatus = "answered"
	StatusEnded    CallStatus = "ended"
)

// statusRank orders call statuses for monotonic-advance checks.
var statusRank = map[CallStatus]int{
	StatusPending:  0,
	StatusRinging:  1,
	StatusAnswered: 2,
	StatusEnded:    3,
}

// Advances reports whether moving from s to next is a forward transition.
func (s CallStatus) Advances(next CallStatus) bool {
	return statusRank[next] > statusRank[s]
}

// Outcome classifies how a call concluded.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeVoicemail Outcome = "voicemail"
	OutcomeBusy      Outcome = "busy"
	OutcomeNoAnswer  Outcome = "no_answer"
	OutcomeDeclined  Outcome = "declined"
	OutcomeCancelled Outcome = "cancelled"
)

// RecapStatus tracks the post-call recap pipeline for a call. It starts
// null, becomes recap_pending on an attempt, and reaches exactly one
// terminal state. Transient failures may re-enter recap_pending on retry;
// permanent failures may not.
type RecapStatus string

const (
	RecapPending         RecapStatus = "recap_pending"
	RecapReady           RecapStatus = "recap_ready"
	RecapFailedTransient RecapStatus = "recap_failed_transient"
	RecapFailedPermanent RecapStatus = "recap_failed_permanent"
)

// ClosingState tracks the mutual-goodbye protocol.
type ClosingState string

const (
	ClosingActive ClosingState = "active"
	ClosingSaid   ClosingState = "closing_said"
)

// Speaker identifies a transcript line's source.
type Speaker string

const (
	SpeakerAgent  Speaker = "agent"
	SpeakerRemote Speaker = "remote"
)

// Call is one row per call attempt.
type Call struct {
	ID          string
	UserID      string
	PhoneNumber string
	Direction   string // "inbound" or "outbound"
	Status      CallStatus

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time

	// TelnyxCallID is the carrier call-control id used for REST actions.
	TelnyxCallID *string

	Outcome         *Outcome
	AMDResult       *string // "human", "machine", or null
	DurationSeconds *int
	Summary         *string

	RecapStatus        *RecapStatus
	RecapErrorCode     *string
	RecapAttemptCount  int
	RecapLastAttemptAt *time.Time

	ClosingState     ClosingState
	ClosingStartedAt *time.Time
	SilenceStartedAt *time.Time
	RepromptCount    int

	// PipelineCheckpoints maps checkpoint name → timestamp; written at most
	// once per name per call.
	PipelineCheckpoints map[string]time.Time

	LastActivityAt *time.Time

	// InboundAudioHealth holds per-leg frame counters flushed at session
	// cleanup.
	InboundAudioHealth map[string]int64
}

// ContextStatus is the lifecycle state of a call context.
type ContextStatus string

const (
	ContextGathering ContextStatus = "gathering"
	ContextReady     ContextStatus = "ready"
	ContextInCall    ContextStatus = "in_call"
	ContextCompleted ContextStatus = "completed"
)

// CallContext is the planner-produced goal of a call, linked when placed.
type CallContext struct {
	ID             string
	UserID         string
	CallID         *string
	IntentCategory string
	IntentPurpose  string
	CompanyName    *string
	IvrPathID      *string
	GatheredInfo   map[string]string
	Status         ContextStatus
	CreatedAt      time.Time
}

// Transcription is one transcript line. Append-only.
type Transcription struct {
	ID         int64
	CallID     string
	Speaker    Speaker
	Text       string
	Confidence *float64 // ASR confidence in [0,1], null when unknown
	CreatedAt  time.Time
}

// CallEvent is one debug-timeline entry. Append-only.
type CallEvent struct {
	ID          int64
	CallID      string
	EventType   string
	Description string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// IvrStep is one step of an IVR menu path.
type IvrStep struct {
	Step   int    `json:"step"`
	Prompt string `json:"prompt"`
	Action string `json:"action"` // literal digits or a gathered_info key token
	Note   string `json:"note,omitempty"`
}

// IvrPath is a shared, read-only IVR navigation recipe.
type IvrPath struct {
	ID          string
	CompanyName string
	Department  string
	MenuPath    []IvrStep
}

// Message is a chat message row; the recap pipeline appends the summary
// sentence as an assistant message.
type Message struct {
	ID        int64
	UserID    string
	CallID    *string
	Role      string
	Content   string
	CreatedAt time.Time
}

// CallWithRelations bundles a call with its context, transcript and events.
type CallWithRelations struct {
	Call           *Call
	Context        *CallContext
	Transcriptions []Transcription
	Events         []CallEvent
}
