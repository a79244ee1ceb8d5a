package storage

import (
	"database/sql"

	"github.com/agenthub/hive/pkg/types"
)

// Execer is satisfied by both *sql.DB and *sql.Tx so activity rows can be
// written inside or outside a component transaction.
type Execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// LogActivity appends one operational log row. Failures are returned but
// callers generally treat them as non-fatal.
func LogActivity(e Execer, kind, agentID string, taskID int64, detail string) error {
	_, err := e.Exec(
		"INSERT INTO activity_log (kind, agent_id, task_id, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		kind, agentID, taskID, detail, NowMS(),
	)
	return err
}

// ListActivity returns recent activity rows, newest first, optionally
// filtered by kind.
func (s *Store) ListActivity(kind string, limit, offset int) ([]types.ActivityEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := "SELECT id, kind, agent_id, task_id, detail, created_at FROM activity_log"
	args := []any{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ActivityEntry
	for rows.Next() {
		var e types.ActivityEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.AgentID, &e.TaskID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountActivitySince counts activity rows of the given kinds created at or
// after cutoff. Used by the claim-churn SLO.
func (s *Store) CountActivitySince(kinds []string, cutoff int64) (int, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	query := "SELECT COUNT(*) FROM activity_log WHERE created_at >= ? AND kind IN ("
	args := []any{cutoff}
	for i, k := range kinds {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, k)
	}
	query += ")"

	var n int
	err := s.db.QueryRow(query, args...).Scan(&n)
	return n, err
}

// RecordAuthEvent appends one auth check outcome.
func (s *Store) RecordAuthEvent(agentID, tool, outcome string) error {
	_, err := s.db.Exec(
		"INSERT INTO auth_events (agent_id, tool, outcome, created_at) VALUES (?, ?, ?, ?)",
		agentID, tool, outcome, NowMS(),
	)
	return err
}

// AuthCoverage returns (valid, total) auth events since cutoff.
func (s *Store) AuthCoverage(cutoff int64) (valid, total int, err error) {
	err = s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = 'valid' THEN 1 ELSE 0 END), 0) FROM auth_events WHERE created_at >= ?",
		cutoff,
	).Scan(&total, &valid)
	return valid, total, err
}
