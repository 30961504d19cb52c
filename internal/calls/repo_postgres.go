package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"voiceagent-platform/pkg/utils"
)

// PostgresStore persists Call Records in Postgres.
//
// Tables (see NOTE convention of keeping schema assumptions here):
// - calls           one row per Call Record
// - call_events     append-only event log, FK call_id
// - call_callbacks  scheduled follow-up snapshots
//
// Atomicity: every fold runs inside one transaction that locks the call
// row (SELECT ... FOR UPDATE), applies the pure transition function, and
// writes the row update plus the event insert together. Two concurrent
// folds for the same call therefore serialize at the row lock; the
// read-modify-write is never split across two client round trips that
// another writer could interleave.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

const callColumns = `
call_id, carrier_call_id, conversation_id, org_id, agent_id, direction, provider,
from_number, to_number, status, started_at, ended_at, duration,
transcript, recording_url, cost_usd, tags, error_reason, error_payload,
created_at, updated_at
`

func (s *PostgresStore) Create(ctx context.Context, rec CallRecord) error {
	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO calls (` + callColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
`
	_, err = s.db.ExecContext(ctx, q,
		rec.ID,
		nullString(rec.CarrierCallID),
		nullString(rec.ConversationID),
		rec.OrgID,
		rec.AgentID,
		string(rec.Direction),
		string(rec.Provider),
		rec.FromNumber,
		rec.ToNumber,
		string(rec.Status),
		rec.StartedAt,
		rec.EndedAt,
		rec.DurationSeconds,
		rec.Transcript,
		rec.RecordingURL,
		rec.CostUSD,
		tags,
		rec.ErrorReason,
		nullRaw(rec.ErrorPayload),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (CallRecord, error) {
	rec, err := s.getWhere(ctx, s.db, "call_id = $1", id)
	if err != nil {
		return CallRecord{}, err
	}
	events, err := s.loadEvents(ctx, rec.ID)
	if err != nil {
		return CallRecord{}, err
	}
	rec.Events = events
	return rec, nil
}

func (s *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (CallRecord, error) {
	if externalID == "" {
		return CallRecord{}, ErrNotFound
	}
	rec, err := s.getWhere(ctx, s.db, "carrier_call_id = $1 OR conversation_id = $1", externalID)
	if err != nil {
		return CallRecord{}, err
	}
	events, err := s.loadEvents(ctx, rec.ID)
	if err != nil {
		return CallRecord{}, err
	}
	rec.Events = events
	return rec, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) getWhere(ctx context.Context, q rowQuerier, where string, args ...any) (CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE ` + where + ` LIMIT 1`
	return scanCall(q.QueryRowContext(ctx, query, args...))
}

func (s *PostgresStore) lockCall(ctx context.Context, tx *sql.Tx, where string, args ...any) (CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE ` + where + ` LIMIT 1 FOR UPDATE`
	return scanCall(tx.QueryRowContext(ctx, query, args...))
}

func scanCall(row *sql.Row) (CallRecord, error) {
	var (
		rec                     CallRecord
		carrierID, convID       sql.NullString
		direction, provider     string
		status                  string
		tags                    []byte
		errPayload              []byte
		startedAt, endedAt      sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&carrierID,
		&convID,
		&rec.OrgID,
		&rec.AgentID,
		&direction,
		&provider,
		&rec.FromNumber,
		&rec.ToNumber,
		&status,
		&startedAt,
		&endedAt,
		&rec.DurationSeconds,
		&rec.Transcript,
		&rec.RecordingURL,
		&rec.CostUSD,
		&tags,
		&rec.ErrorReason,
		&errPayload,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	rec.CarrierCallID = carrierID.String
	rec.ConversationID = convID.String
	rec.Direction = Direction(direction)
	rec.Provider = Provider(provider)
	rec.Status = CallStatus(status)
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		rec.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		rec.EndedAt = &t
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &rec.Tags)
	}
	if len(errPayload) > 0 {
		rec.ErrorPayload = json.RawMessage(errPayload)
	}
	return rec, nil
}

func (s *PostgresStore) loadEvents(ctx context.Context, callID string) ([]Event, error) {
	const q = `
SELECT type, payload, received_at
FROM call_events
WHERE call_id = $1
ORDER BY received_at, seq
`
	rows, err := s.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
		)
		if err := rows.Scan(&e.Type, &payload, &e.ReceivedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		e.ReceivedAt = e.ReceivedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetCarrierCallID(ctx context.Context, id, carrierCallID string) error {
	return s.setOnce(ctx, id, "carrier_call_id", carrierCallID)
}

func (s *PostgresStore) SetConversationID(ctx context.Context, id, conversationID string) error {
	// A SIP placeholder id counts as unset: the AI backend's real id
	// replaces it.
	return s.setOnce(ctx, id, "conversation_id", conversationID,
		"conversation_id LIKE '"+SIPPlaceholderPrefix+"%'")
}

func (s *PostgresStore) setOnce(ctx context.Context, id, column, value string, extraUnset ...string) error {
	// Single conditional statement: assigns only when unset or already
	// equal, and tells us which case we hit.
	cond := column + ` IS NULL OR ` + column + ` = $2`
	for _, extra := range extraUnset {
		cond += " OR " + extra
	}
	query := `
UPDATE calls
SET ` + column + ` = $2, updated_at = $3
WHERE call_id = $1 AND (` + cond + `)
`
	res, err := s.db.ExecContext(ctx, query, id, value, s.clock().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Distinguish missing record from an already-set different value.
	if _, err := s.getWhere(ctx, s.db, "call_id = $1", id); err != nil {
		return err
	}
	return ErrAlreadySet
}

func (s *PostgresStore) ApplyEvent(ctx context.Context, externalID string, ev WebhookEvent) (FoldResult, error) {
	if externalID == "" {
		return FoldResult{}, ErrNotFound
	}
	return s.applyWhere(ctx, "carrier_call_id = $1 OR conversation_id = $1", externalID, ev)
}

func (s *PostgresStore) ApplyEventByID(ctx context.Context, id string, ev WebhookEvent) (FoldResult, error) {
	return s.applyWhere(ctx, "call_id = $1", id, ev)
}

func (s *PostgresStore) applyWhere(ctx context.Context, where, arg string, ev WebhookEvent) (FoldResult, error) {
	var out FoldResult
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		rec, err := s.lockCall(ctx, tx, where, arg)
		if err != nil {
			return err
		}
		events, err := s.loadEventsTx(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		rec.Events = events

		out = ApplyEvent(rec, ev)

		if err := s.insertEvent(ctx, tx, rec.ID, Event{
			Type:       ev.Type,
			Payload:    ev.Raw,
			ReceivedAt: ev.ReceivedAt,
		}); err != nil {
			return err
		}
		return s.updateDerived(ctx, tx, out.Record)
	})
	if err != nil {
		return FoldResult{}, err
	}
	return out, nil
}

func (s *PostgresStore) loadEventsTx(ctx context.Context, tx *sql.Tx, callID string) ([]Event, error) {
	const q = `
SELECT type, payload, received_at
FROM call_events
WHERE call_id = $1
ORDER BY received_at, seq
`
	rows, err := tx.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
		)
		if err := rows.Scan(&e.Type, &payload, &e.ReceivedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) insertEvent(ctx context.Context, tx *sql.Tx, callID string, e Event) error {
	const q = `
INSERT INTO call_events (call_id, type, payload, received_at)
VALUES ($1,$2,$3,$4)
`
	_, err := tx.ExecContext(ctx, q, callID, e.Type, nullRaw(e.Payload), e.ReceivedAt)
	return err
}

func (s *PostgresStore) updateDerived(ctx context.Context, tx *sql.Tx, rec CallRecord) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return err
	}
	const q = `
UPDATE calls
SET status = $2, started_at = $3, ended_at = $4, duration = $5,
    transcript = $6, recording_url = $7, cost_usd = $8, tags = $9,
    error_reason = $10, updated_at = $11
WHERE call_id = $1
`
	_, err = tx.ExecContext(ctx, q,
		rec.ID,
		string(rec.Status),
		rec.StartedAt,
		rec.EndedAt,
		rec.DurationSeconds,
		rec.Transcript,
		rec.RecordingURL,
		rec.CostUSD,
		tags,
		rec.ErrorReason,
		rec.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string, payload json.RawMessage) error {
	// Conditional single statement; a terminal record is left alone.
	const q = `
UPDATE calls
SET status = $2, error_reason = $3, error_payload = $4, ended_at = $5, updated_at = $5
WHERE call_id = $1 AND status NOT IN ('completed','failed','voicemail','no_answer','cancelled')
`
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx, q, id, string(StatusFailed), reason, nullRaw(payload), now)
	return err
}

func (s *PostgresStore) FindRecentNonTerminal(ctx context.Context, orgID, agentID, toNumber string, window time.Duration) (CallRecord, bool, error) {
	cutoff := s.clock().UTC().Add(-window)
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE org_id = $1 AND agent_id = $2 AND to_number = $3
  AND status NOT IN ('completed','failed','voicemail','no_answer','cancelled')
  AND created_at > $4
ORDER BY created_at DESC
LIMIT 1
`
	rec, err := scanCall(s.db.QueryRowContext(ctx, q, orgID, agentID, toNumber, cutoff))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CallRecord{}, false, nil
		}
		return CallRecord{}, false, err
	}
	return rec, true, nil
}

func (s *PostgresStore) CreateCallback(ctx context.Context, cb Callback) error {
	if cb.CreatedAt.IsZero() {
		cb.CreatedAt = s.clock().UTC()
	}
	const q = `
INSERT INTO call_callbacks (callback_id, call_id, org_id, agent_id, to_number, snapshot, due_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	_, err := s.db.ExecContext(ctx, q,
		cb.ID, cb.CallID, cb.OrgID, cb.AgentID, cb.ToNumber, nullRaw(cb.Snapshot), cb.DueAt, cb.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]CallRecord, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE org_id = $1 AND created_at >= $2 AND created_at <= $3
ORDER BY created_at
`
	rows, err := s.db.QueryContext(ctx, q, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanCallRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanCallRows(rows *sql.Rows) (CallRecord, error) {
	var (
		rec                 CallRecord
		carrierID, convID   sql.NullString
		direction, provider string
		status              string
		tags                []byte
		errPayload          []byte
		startedAt, endedAt  sql.NullTime
	)
	err := rows.Scan(
		&rec.ID,
		&carrierID,
		&convID,
		&rec.OrgID,
		&rec.AgentID,
		&direction,
		&provider,
		&rec.FromNumber,
		&rec.ToNumber,
		&status,
		&startedAt,
		&endedAt,
		&rec.DurationSeconds,
		&rec.Transcript,
		&rec.RecordingURL,
		&rec.CostUSD,
		&tags,
		&rec.ErrorReason,
		&errPayload,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return CallRecord{}, err
	}
	rec.CarrierCallID = carrierID.String
	rec.ConversationID = convID.String
	rec.Direction = Direction(direction)
	rec.Provider = Provider(provider)
	rec.Status = CallStatus(status)
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		rec.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		rec.EndedAt = &t
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &rec.Tags)
	}
	if len(errPayload) > 0 {
		rec.ErrorPayload = json.RawMessage(errPayload)
	}
	return rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
