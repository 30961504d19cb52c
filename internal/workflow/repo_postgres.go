package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresDefinitions reads workflow graphs from Postgres. The engine
// never writes this table; the authoring surface owns it.
//
// Tables:
// - workflows        one row per definition, nodes/edges as JSONB
// - agent_workflows  (agent_id, workflow_id) assignment
type PostgresDefinitions struct {
	db *sql.DB
}

var _ DefinitionSource = (*PostgresDefinitions)(nil)

func NewPostgresDefinitions(db *sql.DB) *PostgresDefinitions {
	return &PostgresDefinitions{db: db}
}

func (s *PostgresDefinitions) ListAgentWorkflows(ctx context.Context, orgID, agentID string) ([]Definition, error) {
	const q = `
SELECT w.workflow_id, w.org_id, w.name, w.active, w.nodes, w.edges, w.created_at, w.updated_at
FROM workflows w
JOIN agent_workflows aw ON aw.workflow_id = w.workflow_id
WHERE aw.agent_id = $1 AND w.org_id = $2
ORDER BY w.created_at
`
	rows, err := s.db.QueryContext(ctx, q, agentID, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Definition
	for rows.Next() {
		var (
			def          Definition
			nodes, edges []byte
		)
		if err := rows.Scan(&def.ID, &def.OrgID, &def.Name, &def.Active, &nodes, &edges, &def.CreatedAt, &def.UpdatedAt); err != nil {
			return nil, err
		}
		if len(nodes) > 0 {
			if err := json.Unmarshal(nodes, &def.Nodes); err != nil {
				return nil, err
			}
		}
		if len(edges) > 0 {
			if err := json.Unmarshal(edges, &def.Edges); err != nil {
				return nil, err
			}
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// PostgresExecutions persists firings in workflow_executions.
type PostgresExecutions struct {
	db *sql.DB
}

var _ ExecutionStore = (*PostgresExecutions)(nil)

func NewPostgresExecutions(db *sql.DB) *PostgresExecutions {
	return &PostgresExecutions{db: db}
}

func (s *PostgresExecutions) CreateExecution(ctx context.Context, ex Execution) error {
	outputs, err := json.Marshal(ex.Outputs)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO workflow_executions
  (execution_id, workflow_id, call_id, org_id, event_type, current_node, outputs, status, error, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	_, err = s.db.ExecContext(ctx, q,
		ex.ID, ex.WorkflowID, ex.CallID, ex.OrgID, ex.EventType,
		ex.CurrentNode, outputs, string(ex.Status), ex.Error, ex.StartedAt, ex.FinishedAt,
	)
	return err
}

func (s *PostgresExecutions) UpdateExecution(ctx context.Context, ex Execution) error {
	outputs, err := json.Marshal(ex.Outputs)
	if err != nil {
		return err
	}
	const q = `
UPDATE workflow_executions
SET current_node = $2, outputs = $3, status = $4, error = $5, finished_at = $6
WHERE execution_id = $1
`
	res, err := s.db.ExecContext(ctx, q,
		ex.ID, ex.CurrentNode, outputs, string(ex.Status), ex.Error, ex.FinishedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PostgresSessions persists Call Sessions in call_sessions, payloads as
// a JSONB array appended in place.
type PostgresSessions struct {
	db    *sql.DB
	clock func() time.Time
}

var _ SessionStore = (*PostgresSessions)(nil)

func NewPostgresSessions(db *sql.DB) *PostgresSessions {
	return &PostgresSessions{db: db, clock: time.Now}
}

func (s *PostgresSessions) GetOrCreateSession(ctx context.Context, seed Session) (Session, bool, error) {
	now := s.clock().UTC()
	const ins = `
INSERT INTO call_sessions (call_id, external_id, org_id, agent_id, payloads, created_at, updated_at)
VALUES ($1,$2,$3,$4,'[]'::jsonb,$5,$5)
ON CONFLICT (call_id) DO NOTHING
`
	res, err := s.db.ExecContext(ctx, ins, seed.CallID, seed.ExternalID, seed.OrgID, seed.AgentID, now)
	if err != nil {
		return Session{}, false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Session{}, false, err
	}

	sess, err := s.get(ctx, seed.CallID)
	if err != nil {
		return Session{}, false, err
	}
	return sess, inserted == 1, nil
}

func (s *PostgresSessions) AppendPayload(ctx context.Context, callID string, payload json.RawMessage) (Session, error) {
	const q = `
UPDATE call_sessions
SET payloads = payloads || $2::jsonb, updated_at = $3
WHERE call_id = $1
`
	res, err := s.db.ExecContext(ctx, q, callID, []byte(payload), s.clock().UTC())
	if err != nil {
		return Session{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Session{}, err
	}
	if n == 0 {
		return Session{}, ErrNotFound
	}
	return s.get(ctx, callID)
}

func (s *PostgresSessions) get(ctx context.Context, callID string) (Session, error) {
	const q = `
SELECT call_id, external_id, org_id, agent_id, payloads, created_at, updated_at
FROM call_sessions
WHERE call_id = $1
`
	var (
		sess     Session
		payloads []byte
	)
	err := s.db.QueryRowContext(ctx, q, callID).Scan(
		&sess.CallID, &sess.ExternalID, &sess.OrgID, &sess.AgentID, &payloads, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if len(payloads) > 0 {
		if err := json.Unmarshal(payloads, &sess.Payloads); err != nil {
			return Session{}, err
		}
	}
	return sess, nil
}
