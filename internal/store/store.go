package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"
)

// Schema is the SQL DDL for all call tables. Execute it via [Store.Migrate]
// or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
    id                   TEXT PRIMARY KEY,
    user_id              TEXT NOT NULL DEFAULT '',
    phone_number         TEXT NOT NULL DEFAULT '',
    direction            TEXT NOT NULL DEFAULT 'outbound',
    status               TEXT NOT NULL DEFAULT 'pending',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at           TIMESTAMPTZ,
    ended_at             TIMESTAMPTZ,
    telnyx_call_id       TEXT,
    outcome              TEXT,
    amd_result           TEXT,
    duration_seconds     INTEGER,
    summary              TEXT,
    recap_status         TEXT,
    recap_error_code     TEXT,
    recap_attempt_count  INTEGER NOT NULL DEFAULT 0,
    recap_last_attempt_at TIMESTAMPTZ,
    closing_state        TEXT NOT NULL DEFAULT 'active',
    closing_started_at   TIMESTAMPTZ,
    silence_started_at   TIMESTAMPTZ,
    reprompt_count       INTEGER NOT NULL DEFAULT 0,
    pipeline_checkpoints JSONB NOT NULL DEFAULT '{}',
    last_activity_at     TIMESTAMPTZ,
    inbound_audio_health JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_calls_telnyx ON calls(telnyx_call_id);
CREATE INDEX IF NOT EXISTS idx_calls_user ON calls(user_id);
CREATE INDEX IF NOT EXISTS idx_calls_ended ON calls(ended_at);

CREATE TABLE IF NOT EXISTS call_contexts (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL DEFAULT '',
    call_id         TEXT,
    intent_category TEXT NOT NULL DEFAULT '',
    intent_purpose  TEXT NOT NULL DEFAULT '',
    company_name    TEXT,
    ivr_path_id     TEXT,
    gathered_info   JSONB NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL DEFAULT 'gathering',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_contexts_call ON call_contexts(call_id);

CREATE TABLE IF NOT EXISTS transcriptions (
    id         BIGSERIAL PRIMARY KEY,
    call_id    TEXT NOT NULL,
    speaker    TEXT NOT NULL,
    text       TEXT NOT NULL,
    confidence DOUBLE PRECISION,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transcriptions_call ON transcriptions(call_id);

CREATE TABLE IF NOT EXISTS call_events (
    id          BIGSERIAL PRIMARY KEY,
    call_id     TEXT NOT NULL,
    event_type  TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_events_call ON call_events(call_id);

CREATE TABLE IF NOT EXISTS ivr_paths (
    id           TEXT PRIMARY KEY,
    company_name TEXT NOT NULL DEFAULT '',
    department   TEXT NOT NULL DEFAULT '',
    menu_path    JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS messages (
    id         BIGSERIAL PRIMARY KEY,
    user_id    TEXT NOT NULL DEFAULT '',
    call_id    TEXT,
    role       TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_call ON messages(call_id);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the call datastore backed by a PostgreSQL database.
type Store struct {
	db DB
}

// New creates a [Store] using the given database connection or pool. The
// caller is responsible for calling [Store.Migrate] to ensure the schema
// exists before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating all
// tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// callColumns is the canonical SELECT column list for calls, kept in sync
// with scanCall.
const callColumns = `id, user_id, phone_number, direction, status,
    created_at, started_at, ended_at, telnyx_call_id, outcome, amd_result,
    duration_seconds, summary, recap_status, recap_error_code,
    recap_attempt_count, recap_last_attempt_at, closing_state, closing_started_at,
    silence_started_at, reprompt_count, pipeline_checkpoints,
    last_activity_at, inbound_audio_health`

func scanCall(row pgx.Row) (*Call, error) {
	var c Call
	var checkpointsJSON, healthJSON []byte
	err := row.Scan(
		&c.ID, &c.UserID, &c.PhoneNumber, &c.Direction, &c.Status,
		&c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.TelnyxCallID, &c.Outcome, &c.AMDResult,
		&c.DurationSeconds, &c.Summary, &c.RecapStatus, &c.RecapErrorCode,
		&c.RecapAttemptCount, &c.RecapLastAttemptAt, &c.ClosingState, &c.ClosingStartedAt,
		&c.SilenceStartedAt, &c.RepromptCount, &checkpointsJSON,
		&c.LastActivityAt, &healthJSON,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(checkpointsJSON, &c.PipelineCheckpoints); err != nil {
		return nil, fmt.Errorf("store: unmarshal pipeline_checkpoints: %w", err)
	}
	if err := json.Unmarshal(healthJSON, &c.InboundAudioHealth); err != nil {
		return nil, fmt.Errorf("store: unmarshal inbound_audio_health: %w", err)
	}
	return &c, nil
}

// InsertCall inserts a new call row. Status defaults to pending when unset.
func (s *Store) InsertCall(ctx context.Context, c *Call) error {
	if c.Status == "" {
		c.Status = StatusPending
	}
	if c.ClosingState == "" {
		c.ClosingState = ClosingActive
	}
	const query = `
		INSERT INTO calls (id, user_id, phone_number, direction, status, telnyx_call_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := s.db.QueryRow(ctx, query,
		c.ID, c.UserID, c.PhoneNumber, c.Direction, c.Status, c.TelnyxCallID,
	).Scan(&c.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: call %q already exists", c.ID)
		}
		return fmt.Errorf("store: insert call: %w", err)
	}
	return nil
}

// GetCall retrieves a call by id. Returns (nil, nil) when no row exists.
func (s *Store) GetCall(ctx context.Context, id string) (*Call, error) {
	c, err := scanCall(s.db.QueryRow(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get call %q: %w", id, err)
	}
	return c, nil
}

// GetCallByTelnyxID retrieves a call by its carrier call-control id.
// Returns (nil, nil) when no row exists.
func (s *Store) GetCallByTelnyxID(ctx context.Context, telnyxID string) (*Call, error) {
	c, err := scanCall(s.db.QueryRow(ctx,
		`SELECT `+callColumns+` FROM calls WHERE telnyx_call_id = $1`, telnyxID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get call by telnyx id %q: %w", telnyxID, err)
	}
	return c, nil
}

// allowedCallColumns whitelists the columns UpdateCallFields may patch.
var allowedCallColumns = map[string]bool{
	"status":                true,
	"started_at":            true,
	"ended_at":              true,
	"telnyx_call_id":        true,
	"outcome":               true,
	"amd_result":            true,
	"duration_seconds":      true,
	"summary":               true,
	"recap_status":          true,
	"recap_error_code":      true,
	"recap_last_attempt_at": true,
	"closing_state":         true,
	"closing_started_at":    true,
	"silence_started_at":    true,
	"reprompt_count":        true,
	"last_activity_at":      true,
}

// buildCallUpdate assembles a field-level patch statement. Keys are sorted
// so the generated SQL is deterministic.
func buildCallUpdate(id string, patch map[string]any) (string, []any, error) {
	if len(patch) == 0 {
		return "", nil, errors.New("store: empty patch")
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		if !allowedCallColumns[k] {
			return "", nil, fmt.Errorf("store: column %q is not patchable", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := []any{id}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var sets []string
	for _, k := range keys {
		sets = append(sets, fmt.Sprintf("%s = %s", k, next(patch[k])))
	}
	query := fmt.Sprintf("UPDATE calls SET %s WHERE id = $1", strings.Join(sets, ", "))
	return query, args, nil
}

// UpdateCallFields applies a field-level patch to a call row. Patch keys are
// column names; unknown columns are rejected.
func (s *Store) UpdateCallFields(ctx context.Context, id string, patch map[string]any) error {
	query, args, err := buildCallUpdate(id, patch)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("store: update call %q: %w", id, err)
	}
	return nil
}

// UpsertCheckpoint records a pipeline checkpoint with first-write-wins
// semantics: the merge happens server-side and only when the name is not
// already present, so concurrent writers cannot overwrite an earlier
// timestamp. Returns true when this call performed the write.
func (s *Store) UpsertCheckpoint(ctx context.Context, callID, name string, ts time.Time) (bool, error) {
	const query = `
		UPDATE calls
		SET pipeline_checkpoints = pipeline_checkpoints || jsonb_build_object($2::text, to_jsonb($3::timestamptz))
		WHERE id = $1 AND NOT (pipeline_checkpoints ? $2)`

	tag, err := s.db.Exec(ctx, query, callID, name, ts)
	if err != nil {
		return false, fmt.Errorf("store: upsert checkpoint %q for call %q: %w", name, callID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementRecapAttempts bumps recap_attempt_count atomically so concurrent
// retry runners cannot lose increments.
func (s *Store) IncrementRecapAttempts(ctx context.Context, callID string) error {
	const query = `UPDATE calls SET recap_attempt_count = recap_attempt_count + 1 WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, callID); err != nil {
		return fmt.Errorf("store: increment recap attempts for call %q: %w", callID, err)
	}
	return nil
}

// MergeInboundAudioHealth merges per-leg audio counters into the call row.
func (s *Store) MergeInboundAudioHealth(ctx context.Context, callID string, counters map[string]int64) error {
	if len(counters) == 0 {
		return nil
	}
	data, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("store: marshal inbound_audio_health: %w", err)
	}
	const query = `UPDATE calls SET inbound_audio_health = inbound_audio_health || $2::jsonb WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, callID, data); err != nil {
		return fmt.Errorf("store: merge inbound_audio_health for call %q: %w", callID, err)
	}
	return nil
}

// InsertCallEvent appends a debug-timeline event.
func (s *Store) InsertCallEvent(ctx context.Context, e *CallEvent) error {
	metaJSON, err := json.Marshal(emptyMap(e.Metadata))
	if err != nil {
		return fmt.Errorf("store: marshal event metadata: %w", err)
	}
	const query = `
		INSERT INTO call_events (call_id, event_type, description, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err = s.db.QueryRow(ctx, query, e.CallID, e.EventType, e.Description, metaJSON).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert call event: %w", err)
	}
	return nil
}

// InsertTranscription appends a transcript line.
func (s *Store) InsertTranscription(ctx context.Context, t *Transcription) error {
	const query = `
		INSERT INTO transcriptions (call_id, speaker, text, confidence)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := s.db.QueryRow(ctx, query, t.CallID, t.Speaker, t.Text, t.Confidence).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert transcription: %w", err)
	}
	return nil
}

// ListTranscriptions returns a call's transcript ordered by timestamp.
func (s *Store) ListTranscriptions(ctx context.Context, callID string) ([]Transcription, error) {
	const query = `
		SELECT id, call_id, speaker, text, confidence, created_at
		FROM transcriptions
		WHERE call_id = $1
		ORDER BY created_at, id`

	rows, err := s.db.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("store: list transcriptions: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Transcription])
	if err != nil {
		return nil, fmt.Errorf("store: list transcriptions: %w", err)
	}
	return out, nil
}

// DeleteTranscriptions removes all transcript rows for a call. Used by the
// retention cleanup; deleting an empty transcript is not an error.
func (s *Store) DeleteTranscriptions(ctx context.Context, callID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM transcriptions WHERE call_id = $1`, callID)
	if err != nil {
		return 0, fmt.Errorf("store: delete transcriptions for call %q: %w", callID, err)
	}
	return tag.RowsAffected(), nil
}

// ListCallEvents returns a call's event timeline ordered by timestamp.
func (s *Store) ListCallEvents(ctx context.Context, callID string) ([]CallEvent, error) {
	const query = `
		SELECT id, call_id, event_type, description, metadata, created_at
		FROM call_events
		WHERE call_id = $1
		ORDER BY created_at, id`

	rows, err := s.db.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("store: list call events: %w", err)
	}
	defer rows.Close()

	var events []CallEvent
	for rows.Next() {
		var e CallEvent
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.CallID, &e.EventType, &e.Description, &metaJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: list call events scan: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			return nil, fmt.Errorf("store: unmarshal event metadata: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list call events: %w", err)
	}
	return events, nil
}

// GetCallContext retrieves the context linked to a call. Returns (nil, nil)
// when the call has no context.
func (s *Store) GetCallContext(ctx context.Context, callID string) (*CallContext, error) {
	const query = `
		SELECT id, user_id, call_id, intent_category, intent_purpose,
		       company_name, ivr_path_id, gathered_info, status, created_at
		FROM call_contexts
		WHERE call_id = $1`

	var cc CallContext
	var gatheredJSON []byte
	err := s.db.QueryRow(ctx, query, callID).Scan(
		&cc.ID, &cc.UserID, &cc.CallID, &cc.IntentCategory, &cc.IntentPurpose,
		&cc.CompanyName, &cc.IvrPathID, &gatheredJSON, &cc.Status, &cc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get context for call %q: %w", callID, err)
	}
	if err := json.Unmarshal(gatheredJSON, &cc.GatheredInfo); err != nil {
		return nil, fmt.Errorf("store: unmarshal gathered_info: %w", err)
	}
	return &cc, nil
}

// InsertCallContext creates a context row.
func (s *Store) InsertCallContext(ctx context.Context, cc *CallContext) error {
	gatheredJSON, err := json.Marshal(emptyStringMap(cc.GatheredInfo))
	if err != nil {
		return fmt.Errorf("store: marshal gathered_info: %w", err)
	}
	if cc.Status == "" {
		cc.Status = ContextGathering
	}
	const query = `
		INSERT INTO call_contexts (id, user_id, call_id, intent_category, intent_purpose,
		                           company_name, ivr_path_id, gathered_info, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`

	err = s.db.QueryRow(ctx, query,
		cc.ID, cc.UserID, cc.CallID, cc.IntentCategory, cc.IntentPurpose,
		cc.CompanyName, cc.IvrPathID, gatheredJSON, cc.Status,
	).Scan(&cc.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert call context: %w", err)
	}
	return nil
}

// LinkContextToCall attaches an existing context to a call and marks it
// in-call.
func (s *Store) LinkContextToCall(ctx context.Context, contextID, callID string) error {
	const query = `UPDATE call_contexts SET call_id = $2, status = $3 WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, contextID, callID, ContextInCall); err != nil {
		return fmt.Errorf("store: link context %q to call %q: %w", contextID, callID, err)
	}
	return nil
}

// FinalizeCallContext marks a call's context completed.
func (s *Store) FinalizeCallContext(ctx context.Context, callID string) error {
	const query = `UPDATE call_contexts SET status = $2 WHERE call_id = $1`
	if _, err := s.db.Exec(ctx, query, callID, ContextCompleted); err != nil {
		return fmt.Errorf("store: finalize context for call %q: %w", callID, err)
	}
	return nil
}

// GetIvrPath retrieves an IVR navigation recipe by id. Returns (nil, nil)
// when no row exists.
func (s *Store) GetIvrPath(ctx context.Context, id string) (*IvrPath, error) {
	const query = `SELECT id, company_name, department, menu_path FROM ivr_paths WHERE id = $1`

	var p IvrPath
	var menuJSON []byte
	err := s.db.QueryRow(ctx, query, id).Scan(&p.ID, &p.CompanyName, &p.Department, &menuJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get ivr path %q: %w", id, err)
	}
	if err := json.Unmarshal(menuJSON, &p.MenuPath); err != nil {
		return nil, fmt.Errorf("store: unmarshal menu_path: %w", err)
	}
	return &p, nil
}

// InsertAssistantMessage appends the recap sentence to the user's chat.
func (s *Store) InsertAssistantMessage(ctx context.Context, userID, callID, content string) error {
	const query = `
		INSERT INTO messages (user_id, call_id, role, content)
		VALUES ($1, $2, 'assistant', $3)`
	if _, err := s.db.Exec(ctx, query, userID, callID, content); err != nil {
		return fmt.Errorf("store: insert assistant message: %w", err)
	}
	return nil
}

// GetCallWithRelations fetches the call row, its context, transcript and
// events concurrently.
func (s *Store) GetCallWithRelations(ctx context.Context, callID string) (*CallWithRelations, error) {
	var out CallWithRelations

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := s.GetCall(gctx, callID)
		if err != nil {
			return err
		}
		out.Call = c
		return nil
	})
	g.Go(func() error {
		cc, err := s.GetCallContext(gctx, callID)
		if err != nil {
			return err
		}
		out.Context = cc
		return nil
	})
	g.Go(func() error {
		ts, err := s.ListTranscriptions(gctx, callID)
		if err != nil {
			return err
		}
		out.Transcriptions = ts
		return nil
	})
	g.Go(func() error {
		evs, err := s.ListCallEvents(gctx, callID)
		if err != nil {
			return err
		}
		out.Events = evs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCallsWithExpiredTranscripts returns ids of ended calls older than the
// retention window that still hold transcript rows.
func (s *Store) ListCallsWithExpiredTranscripts(ctx context.Context, retentionDays int) ([]string, error) {
	const query = `
		SELECT DISTINCT c.id
		FROM calls c
		JOIN transcriptions t ON t.call_id = c.id
		WHERE c.ended_at IS NOT NULL
		  AND c.ended_at < now() - make_interval(days => $1)`

	rows, err := s.db.Query(ctx, query, retentionDays)
	if err != nil {
		return nil, fmt.Errorf("store: list expired transcripts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("store: list expired transcripts: %w", err)
	}
	return ids, nil
}

// emptyMap returns m if non-nil, otherwise an empty non-nil map. This
// ensures JSON marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func emptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// isDuplicateKeyError checks whether a PostgreSQL error is a
// unique-violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
