package contextstore

import (
	"database/sql"
	"strings"

	"github.com/agenthub/hive/pkg/board"
	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

// Store is the shared key/value context, keyed by (agent_id, key).
type Store struct {
	db  *storage.Store
	cfg *config.Config
}

// New creates a context store.
func New(db *storage.Store, cfg *config.Config) *Store {
	return &Store{db: db, cfg: cfg}
}

// SetInput is one upsert.
type SetInput struct {
	AgentID   string
	Key       string
	Value     string
	Namespace string
	TraceID   string
	SpanID    string
}

// Set upserts a context entry, replacing value, namespace and trace
// fields for an existing key.
func (s *Store) Set(in SetInput) (*types.ContextEntry, error) {
	if in.AgentID == "" || strings.TrimSpace(in.Key) == "" {
		return nil, types.NewError(types.CodeInvalidPayload, "agent_id and key are required")
	}
	if len(in.Value) > s.cfg.ContextValueMaxChars {
		return nil, types.NewErrorf(types.CodeValueTooLong, "value exceeds %d chars", s.cfg.ContextValueMaxChars).
			WithDetail("max_chars", s.cfg.ContextValueMaxChars).
			WithDetail("value_chars", len(in.Value))
	}
	in.Namespace = board.NormalizeNamespace(in.Namespace)

	now := storage.NowMS()
	entry := &types.ContextEntry{
		AgentID:   in.AgentID,
		Key:       in.Key,
		Value:     in.Value,
		Namespace: in.Namespace,
		TraceID:   in.TraceID,
		SpanID:    in.SpanID,
		UpdatedAt: now,
	}
	err := s.db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO context (agent_id, key, value, namespace, trace_id, span_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id, key) DO UPDATE SET
			  value = excluded.value,
			  namespace = excluded.namespace,
			  trace_id = excluded.trace_id,
			  span_id = excluded.span_id,
			  updated_at = excluded.updated_at`,
			in.AgentID, in.Key, in.Value, in.Namespace, in.TraceID, in.SpanID, now,
		); err != nil {
			return err
		}
		return storage.LogActivity(tx, "set_context", in.AgentID, 0, in.Key)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetFilter selects context entries.
type GetFilter struct {
	AgentID      string
	Key          string
	Namespace    string
	UpdatedAfter int64
	Limit        int
	Offset       int
}

// Get returns entries matching the filter. Delta reads (UpdatedAfter)
// page ascending by updated_at; the default view is newest first.
func (s *Store) Get(f GetFilter) ([]types.ContextEntry, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}

	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Key != "" {
		where = append(where, "key = ?")
		args = append(args, f.Key)
	}
	if f.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, board.NormalizeNamespace(f.Namespace))
	}
	delta := f.UpdatedAfter > 0
	if delta {
		where = append(where, "updated_at > ?")
		args = append(args, f.UpdatedAfter)
	}

	query := "SELECT agent_id, key, value, namespace, trace_id, span_id, updated_at FROM context"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if delta {
		query += " ORDER BY updated_at, agent_id, key"
	} else {
		query += " ORDER BY updated_at DESC, agent_id, key"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.DB().Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ContextEntry
	for rows.Next() {
		var e types.ContextEntry
		if err := rows.Scan(&e.AgentID, &e.Key, &e.Value, &e.Namespace, &e.TraceID, &e.SpanID, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetOne returns a single entry or nil when absent.
func (s *Store) GetOne(agentID, key string) (*types.ContextEntry, error) {
	var e types.ContextEntry
	err := s.db.DB().QueryRow(
		"SELECT agent_id, key, value, namespace, trace_id, span_id, updated_at FROM context WHERE agent_id = ? AND key = ?",
		agentID, key,
	).Scan(&e.AgentID, &e.Key, &e.Value, &e.Namespace, &e.TraceID, &e.SpanID, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Delete removes one entry, reporting whether it existed.
func (s *Store) Delete(agentID, key string) (bool, error) {
	res, err := s.db.DB().Exec("DELETE FROM context WHERE agent_id = ? AND key = ?", agentID, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
