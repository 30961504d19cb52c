package agents

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/dialer"
	"voiceagent-platform/internal/telephony"
)

var ErrNotFound = errors.New("agents: not found")

// PostgresDirectory resolves voice agents for the dialer. Agent CRUD
// lives in the management surface; this side only reads, and it is the
// single place where stored credentials get decrypted.
type PostgresDirectory struct {
	db  *sql.DB
	box *SecretBox
}

var _ dialer.AgentDirectory = (*PostgresDirectory)(nil)

func NewPostgresDirectory(db *sql.DB, box *SecretBox) *PostgresDirectory {
	return &PostgresDirectory{db: db, box: box}
}

func (d *PostgresDirectory) GetAgent(ctx context.Context, orgID, agentID string) (dialer.Agent, error) {
	if orgID == "" || agentID == "" {
		return dialer.Agent{}, ErrNotFound
	}
	const q = `
SELECT agent_id, org_id, from_number, provider, config,
       account_sid, auth_token_enc, trunk_uri, trunk_username, trunk_password_enc
FROM voice_agents
WHERE org_id = $1 AND agent_id = $2
`
	var (
		agent      dialer.Agent
		provider   string
		config     []byte
		accountSID sql.NullString
		authToken  sql.NullString
		trunkURI   sql.NullString
		trunkUser  sql.NullString
		trunkPass  sql.NullString
	)
	err := d.db.QueryRowContext(ctx, q, orgID, agentID).Scan(
		&agent.ID, &agent.OrgID, &agent.FromNumber, &provider, &config,
		&accountSID, &authToken, &trunkURI, &trunkUser, &trunkPass,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dialer.Agent{}, ErrNotFound
		}
		return dialer.Agent{}, err
	}
	agent.Provider = calls.Provider(provider)
	agent.Config = config

	creds := telephony.Credentials{
		AccountSID:    accountSID.String,
		TrunkURI:      trunkURI.String,
		TrunkUsername: trunkUser.String,
	}
	if creds.AuthToken, err = d.box.Open(authToken.String); err != nil {
		return dialer.Agent{}, err
	}
	if creds.TrunkPassword, err = d.box.Open(trunkPass.String); err != nil {
		return dialer.Agent{}, err
	}
	agent.Credentials = creds
	return agent, nil
}

// MemoryDirectory is a seedable directory for tests and local runs.
type MemoryDirectory struct {
	mu     sync.Mutex
	agents map[string]dialer.Agent // org_id/agent_id
}

var _ dialer.AgentDirectory = (*MemoryDirectory)(nil)

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{agents: make(map[string]dialer.Agent)}
}

func (d *MemoryDirectory) Put(agent dialer.Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[agent.OrgID+"/"+agent.ID] = agent
}

func (d *MemoryDirectory) GetAgent(ctx context.Context, orgID, agentID string) (dialer.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, ok := d.agents[orgID+"/"+agentID]
	if !ok {
		return dialer.Agent{}, ErrNotFound
	}
	return agent, nil
}
