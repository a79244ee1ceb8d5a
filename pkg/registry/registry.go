package registry

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/agenthub/hive/pkg/log"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

// Registry manages agent lifecycle, heartbeats, auth-token binding and
// quality counters.
type Registry struct {
	db *storage.Store
}

// New creates a registry over the shared store.
func New(db *storage.Store) *Registry {
	return &Registry{db: db}
}

// RegisterResult is the outcome of a register call. Token is the agent's
// auth token; it is minted once and reused on re-registration.
type RegisterResult struct {
	Agent  types.Agent `json:"agent"`
	Token  string      `json:"auth_token"`
	Reused bool        `json:"token_reused"`
}

// Register upserts an agent. New agents start online with a fresh auth
// token; returning agents keep their existing token and fields they did
// not resend.
func (r *Registry) Register(a types.Agent) (*RegisterResult, error) {
	if a.ID == "" {
		return nil, types.NewError(types.CodeInvalidPayload, "agent id is required")
	}
	if a.Lifecycle != types.LifecycleEphemeral {
		a.Lifecycle = types.LifecyclePersistent
	}
	if a.WorkspaceMode == "" {
		a.WorkspaceMode = types.WorkspaceUnknown
	}

	now := storage.NowMS()
	profile, err := json.Marshal(a.Profile)
	if err != nil {
		return nil, fmt.Errorf("encode runtime profile: %w", err)
	}

	var result RegisterResult
	err = r.db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO agents (id, name, type, capabilities, lifecycle, workspace_mode, profile, status, last_seen, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'online', ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			  name = CASE WHEN excluded.name != '' THEN excluded.name ELSE agents.name END,
			  type = CASE WHEN excluded.type != '' THEN excluded.type ELSE agents.type END,
			  capabilities = CASE WHEN excluded.capabilities != '' THEN excluded.capabilities ELSE agents.capabilities END,
			  lifecycle = excluded.lifecycle,
			  status = 'online',
			  last_seen = excluded.last_seen`,
			a.ID, a.Name, a.Type, a.Capabilities, string(a.Lifecycle), string(a.WorkspaceMode), string(profile), now, now,
		)
		if err != nil {
			return err
		}

		var token string
		err = tx.QueryRow("SELECT token FROM agent_tokens WHERE agent_id = ?", a.ID).Scan(&token)
		switch {
		case err == sql.ErrNoRows:
			token, err = mintToken()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				"INSERT INTO agent_tokens (agent_id, token, created_at) VALUES (?, ?, ?)",
				a.ID, token, now,
			); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			result.Reused = true
		}
		result.Token = token

		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO agent_quality (agent_id, completed_count, rollback_count) VALUES (?, 0, 0)",
			a.ID,
		); err != nil {
			return err
		}

		agent, err := getAgentTx(tx, a.ID)
		if err != nil {
			return err
		}
		result.Agent = *agent
		return storage.LogActivity(tx, "register_agent", a.ID, 0, "")
	})
	if err != nil {
		return nil, err
	}

	log.WithAgentID(a.ID).Info().
		Str("component", "registry").
		Str("lifecycle", string(a.Lifecycle)).
		Bool("token_reused", result.Reused).
		Msg("agent registered")
	return &result, nil
}

// Heartbeat marks the agent online and refreshes last_seen.
func (r *Registry) Heartbeat(agentID string) error {
	res, err := r.db.DB().Exec(
		"UPDATE agents SET status = 'online', last_seen = ? WHERE id = ?",
		storage.NowMS(), agentID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.NewErrorf(types.CodeAgentNotFound, "agent %q not registered", agentID)
	}
	return nil
}

// UpdateRuntimeProfile persists the self-reported profile and infers the
// workspace mode from it: a git checkout means repo, an empty directory
// or zero files without git means isolated, anything else is unknown.
func (r *Registry) UpdateRuntimeProfile(agentID string, p types.RuntimeProfile) (*types.Agent, error) {
	if p.DetectedAt == 0 {
		p.DetectedAt = storage.NowMS()
	}
	mode := InferWorkspaceMode(p)

	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode runtime profile: %w", err)
	}
	res, err := r.db.DB().Exec(
		"UPDATE agents SET profile = ?, workspace_mode = ?, last_seen = ? WHERE id = ?",
		string(encoded), string(mode), storage.NowMS(), agentID,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, types.NewErrorf(types.CodeAgentNotFound, "agent %q not registered", agentID)
	}
	return r.Get(agentID)
}

// InferWorkspaceMode normalizes a runtime profile into a workspace mode.
func InferWorkspaceMode(p types.RuntimeProfile) types.WorkspaceMode {
	switch {
	case p.HasGit:
		return types.WorkspaceRepo
	case p.EmptyDir:
		return types.WorkspaceIsolated
	case p.FileCount == 0:
		return types.WorkspaceIsolated
	default:
		return types.WorkspaceUnknown
	}
}

// Get returns one agent.
func (r *Registry) Get(agentID string) (*types.Agent, error) {
	return getAgent(r.db.DB(), agentID)
}

// List returns agents, optionally filtered by status, ordered by
// last_seen desc.
func (r *Registry) List(status types.AgentStatus, limit, offset int) ([]types.Agent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := "SELECT id, name, type, capabilities, lifecycle, workspace_mode, profile, status, last_seen, created_at FROM agents"
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY last_seen DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.DB().Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ValidateToken resolves a token to its agent id, or "" when unknown.
func (r *Registry) ValidateToken(token string) (string, error) {
	var agentID string
	err := r.db.DB().QueryRow("SELECT agent_id FROM agent_tokens WHERE token = ?", token).Scan(&agentID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return agentID, err
}

// RecordCompletion increments the agent's completed counter.
func (r *Registry) RecordCompletion(e storage.Execer, agentID string) error {
	return bumpQuality(e, agentID, 1, 0)
}

// RecordRollback increments the agent's rollback counter.
func (r *Registry) RecordRollback(e storage.Execer, agentID string) error {
	return bumpQuality(e, agentID, 0, 1)
}

// Quality returns the agent's outcome counters; unknown agents read as
// zero.
func (r *Registry) Quality(agentID string) (types.AgentQuality, error) {
	q := types.AgentQuality{AgentID: agentID}
	err := r.db.DB().QueryRow(
		"SELECT completed_count, rollback_count FROM agent_quality WHERE agent_id = ?",
		agentID,
	).Scan(&q.CompletedCount, &q.RollbackCount)
	if err == sql.ErrNoRows {
		return q, nil
	}
	return q, err
}

// ActiveAgentCount counts agents seen within windowMS.
func (r *Registry) ActiveAgentCount(windowMS int64) (int, error) {
	var n int
	err := r.db.DB().QueryRow(
		"SELECT COUNT(*) FROM agents WHERE last_seen >= ?",
		storage.NowMS()-windowMS,
	).Scan(&n)
	return n, err
}

func bumpQuality(e storage.Execer, agentID string, completed, rollback int64) error {
	_, err := e.Exec(`
		INSERT INTO agent_quality (agent_id, completed_count, rollback_count) VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
		  completed_count = completed_count + excluded.completed_count,
		  rollback_count = rollback_count + excluded.rollback_count`,
		agentID, completed, rollback,
	)
	return err
}

func mintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(rs rowScanner) (*types.Agent, error) {
	var (
		a       types.Agent
		profile string
	)
	if err := rs.Scan(&a.ID, &a.Name, &a.Type, &a.Capabilities, (*string)(&a.Lifecycle), (*string)(&a.WorkspaceMode), &profile, (*string)(&a.Status), &a.LastSeen, &a.CreatedAt); err != nil {
		return nil, err
	}
	if profile != "" {
		if err := json.Unmarshal([]byte(profile), &a.Profile); err != nil {
			// A corrupt profile should not hide the agent.
			a.Profile = types.RuntimeProfile{}
		}
	}
	return &a, nil
}

func getAgent(e storage.Execer, agentID string) (*types.Agent, error) {
	row := e.QueryRow(
		"SELECT id, name, type, capabilities, lifecycle, workspace_mode, profile, status, last_seen, created_at FROM agents WHERE id = ?",
		agentID,
	)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, types.NewErrorf(types.CodeAgentNotFound, "agent %q not registered", agentID)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func getAgentTx(tx *sql.Tx, agentID string) (*types.Agent, error) {
	return getAgent(tx, agentID)
}
