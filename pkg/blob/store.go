package blob

import (
	"database/sql"

	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

// Store is the content-addressed payload store. Hashes are computed by
// callers; the store never re-hashes.
type Store struct {
	db *storage.Store
}

// NewStore creates a blob store over the shared database.
func NewStore(db *storage.Store) *Store {
	return &Store{db: db}
}

// Put inserts value under hash, or bumps updated_at when the hash is
// already present. Returns whether a new row was created.
func (s *Store) Put(hash, value string) (created bool, err error) {
	now := storage.NowMS()
	res, err := s.db.DB().Exec(
		"INSERT INTO protocol_blobs (hash, value, created_at, updated_at, access_count) VALUES (?, ?, ?, ?, 0) "+
			"ON CONFLICT(hash) DO NOTHING",
		hash, value, now, now,
	)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted > 0 {
		return true, nil
	}
	_, err = s.db.DB().Exec("UPDATE protocol_blobs SET updated_at = ? WHERE hash = ?", now, hash)
	return false, err
}

// Get returns the blob for hash and increments its access counter.
func (s *Store) Get(hash string) (*types.Blob, error) {
	var b types.Blob
	err := s.db.DB().QueryRow(
		"SELECT hash, value, created_at, updated_at, access_count FROM protocol_blobs WHERE hash = ?",
		hash,
	).Scan(&b.Hash, &b.Value, &b.CreatedAt, &b.UpdatedAt, &b.AccessCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.db.DB().Exec(
		"UPDATE protocol_blobs SET access_count = access_count + 1 WHERE hash = ?", hash,
	); err != nil {
		return nil, err
	}
	b.AccessCount++
	return &b, nil
}

// List returns blob metadata ordered by updated_at desc. Values are
// included; callers shape the response.
func (s *Store) List(limit, offset int) ([]types.Blob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.DB().Query(
		"SELECT hash, value, created_at, updated_at, access_count FROM protocol_blobs ORDER BY updated_at DESC, hash LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Blob
	for rows.Next() {
		var b types.Blob
		if err := rows.Scan(&b.Hash, &b.Value, &b.CreatedAt, &b.UpdatedAt, &b.AccessCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GC deletes blobs last touched before cutoff that no message content or
// context value still references. The reference probe is a substring
// match on the envelope's "h" key, so any textual reference retains the
// blob. Returns the number of rows deleted.
func (s *Store) GC(cutoff int64) (int64, error) {
	res, err := s.db.DB().Exec(`
		DELETE FROM protocol_blobs
		WHERE updated_at < ?
		  AND NOT EXISTS (SELECT 1 FROM messages WHERE content LIKE '%"h":"' || protocol_blobs.hash || '"%')
		  AND NOT EXISTS (SELECT 1 FROM context WHERE value LIKE '%"h":"' || protocol_blobs.hash || '"%')`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
