package storage

import "database/sql"

// LookupIdempotent returns the stored response for (agent, tool, key)
// when one exists within ttl, with found=false otherwise.
func (s *Store) LookupIdempotent(agentID, tool, key string, ttlMS int64) (string, bool, error) {
	cutoff := NowMS() - ttlMS
	var response string
	err := s.db.QueryRow(
		"SELECT response FROM idempotency_keys WHERE agent_id = ? AND tool = ? AND idem_key = ? AND created_at >= ?",
		agentID, tool, key, cutoff,
	).Scan(&response)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return response, true, nil
}

// SaveIdempotent persists the first response for (agent, tool, key).
// A concurrent duplicate insert keeps the first row.
func (s *Store) SaveIdempotent(agentID, tool, key, response string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO idempotency_keys (agent_id, tool, idem_key, response, created_at) VALUES (?, ?, ?, ?, ?)",
		agentID, tool, key, response, NowMS(),
	)
	return err
}
