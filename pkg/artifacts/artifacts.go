package artifacts

import (
	"database/sql"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/agenthub/hive/pkg/board"
	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/log"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

// Store owns artifact metadata, shares and task links. Bodies live on
// disk under the configured artifact directory; the ticketed HTTP side
// channel moves the bytes.
type Store struct {
	db      *storage.Store
	cfg     *config.Config
	Tickets *TicketManager
}

// New creates the artifact store and its ticket manager.
func New(db *storage.Store, cfg *config.Config) *Store {
	return &Store{db: db, cfg: cfg, Tickets: NewTicketManager()}
}

// CreateInput declares an artifact before its bytes are uploaded.
type CreateInput struct {
	CreatedBy string
	Name      string
	MimeType  string
	Namespace string
	Summary   string
	TTLMS     int64
}

// Create inserts the metadata row and returns it with a fresh id. The
// artifact is not downloadable until an upload finalizes it.
func (s *Store) Create(in CreateInput) (*types.Artifact, error) {
	if in.CreatedBy == "" {
		return nil, types.NewError(types.CodeInvalidPayload, "created_by is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, types.NewError(types.CodeArtifactNameRequired, "name is required")
	}
	in.Namespace = board.NormalizeNamespace(in.Namespace)

	now := storage.NowMS()
	ttlExpires := int64(0)
	if in.TTLMS > 0 {
		ttlExpires = now + in.TTLMS
	}
	a := &types.Artifact{
		ID:           uuid.NewString(),
		CreatedBy:    in.CreatedBy,
		Name:         in.Name,
		MimeType:     in.MimeType,
		Namespace:    in.Namespace,
		Summary:      in.Summary,
		TTLExpiresAt: ttlExpires,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO artifacts (id, created_by, name, mime_type, size_bytes, sha256, storage_path, namespace, summary, access_count, ttl_expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, '', '', ?, ?, 0, ?, ?, ?)`,
			a.ID, a.CreatedBy, a.Name, a.MimeType, a.Namespace, a.Summary, a.TTLExpiresAt, now, now,
		); err != nil {
			return err
		}
		return storage.LogActivity(tx, "create_artifact", in.CreatedBy, 0, a.ID)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Finalize records an uploaded body: size, digest, disk path, optional
// mime refinement.
func (s *Store) Finalize(id string, sizeBytes int64, sha256Hex, storagePath, mimeType string) (*types.Artifact, error) {
	now := storage.NowMS()
	sets := "size_bytes = ?, sha256 = ?, storage_path = ?, updated_at = ?"
	args := []any{sizeBytes, sha256Hex, storagePath, now}
	if mimeType != "" {
		sets += ", mime_type = ?"
		args = append(args, mimeType)
	}
	args = append(args, id)

	res, err := s.db.DB().Exec("UPDATE artifacts SET "+sets+" WHERE id = ?", args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, types.NewErrorf(types.CodeArtifactNotFound, "artifact %s not found", id)
	}
	return s.Get(id)
}

// Get returns one artifact row.
func (s *Store) Get(id string) (*types.Artifact, error) {
	a, err := getArtifact(s.db.DB(), id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, types.NewErrorf(types.CodeArtifactNotFound, "artifact %s not found", id)
	}
	return a, nil
}

// ListFilter selects artifact rows.
type ListFilter struct {
	Namespace string
	CreatedBy string
	Limit     int
	Offset    int
}

// List returns artifacts newest first.
func (s *Store) List(f ListFilter) ([]types.Artifact, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	var (
		where []string
		args  []any
	)
	if f.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, board.NormalizeNamespace(f.Namespace))
	}
	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, f.CreatedBy)
	}
	query := "SELECT id, created_by, name, mime_type, size_bytes, sha256, storage_path, namespace, summary, access_count, ttl_expires_at, created_at, updated_at FROM artifacts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.DB().Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Share grants read access to agentID, or to everyone with "*".
func (s *Store) Share(artifactID, agentID, sharedBy string) error {
	if agentID == "" {
		return types.NewError(types.CodeInvalidPayload, "agent_id is required")
	}
	return s.db.WithTx(func(tx *sql.Tx) error {
		a, err := getArtifact(tx, artifactID)
		if err != nil {
			return err
		}
		if a == nil {
			return types.NewErrorf(types.CodeArtifactNotFound, "artifact %s not found", artifactID)
		}
		if a.CreatedBy != sharedBy {
			return types.NewErrorf(types.CodeArtifactAccessDenied, "only the creator may share artifact %s", artifactID)
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO artifact_shares (artifact_id, agent_id, created_at) VALUES (?, ?, ?)",
			artifactID, agentID, storage.NowMS(),
		); err != nil {
			return err
		}
		return storage.LogActivity(tx, "share_artifact", sharedBy, 0, artifactID)
	})
}

// HasAccess reports whether the agent may read the artifact: creator,
// explicit share, or a wildcard share.
func (s *Store) HasAccess(agentID, artifactID string) (bool, error) {
	var one int
	err := s.db.DB().QueryRow(`
		SELECT 1 FROM artifacts a
		WHERE a.id = ? AND (
		  a.created_by = ?
		  OR EXISTS (SELECT 1 FROM artifact_shares sh WHERE sh.artifact_id = a.id AND sh.agent_id IN (?, '*'))
		)`,
		artifactID, agentID, agentID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordAccess bumps the download counter.
func (s *Store) RecordAccess(id string) error {
	_, err := s.db.DB().Exec("UPDATE artifacts SET access_count = access_count + 1 WHERE id = ?", id)
	return err
}

// AttachToTask links an artifact to a task.
func (s *Store) AttachToTask(taskID int64, artifactID, attachedBy string) error {
	return s.db.WithTx(func(tx *sql.Tx) error {
		a, err := getArtifact(tx, artifactID)
		if err != nil {
			return err
		}
		if a == nil {
			return types.NewErrorf(types.CodeArtifactNotFound, "artifact %s not found", artifactID)
		}
		var one int
		if err := tx.QueryRow("SELECT 1 FROM tasks WHERE id = ?", taskID).Scan(&one); err == sql.ErrNoRows {
			return types.NewErrorf(types.CodeTaskNotFound, "task %d not found", taskID)
		} else if err != nil {
			return err
		}
		_, err = tx.Exec(
			"INSERT OR IGNORE INTO task_artifacts (task_id, artifact_id, attached_by, created_at) VALUES (?, ?, ?, ?)",
			taskID, artifactID, attachedBy, storage.NowMS(),
		)
		return err
	})
}

// ForTask returns the artifacts linked to a task, oldest link first.
func (s *Store) ForTask(taskID int64) ([]types.Artifact, error) {
	rows, err := s.db.DB().Query(`
		SELECT a.id, a.created_by, a.name, a.mime_type, a.size_bytes, a.sha256, a.storage_path, a.namespace, a.summary, a.access_count, a.ttl_expires_at, a.created_at, a.updated_at
		FROM task_artifacts ta JOIN artifacts a ON a.id = ta.artifact_id
		WHERE ta.task_id = ? ORDER BY ta.created_at, a.id`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Sweep deletes artifacts past their TTL (explicit ttl_expires_at, else
// the configured default from created_at), unlinking the on-disk body
// best effort.
func (s *Store) Sweep(now int64) (int, error) {
	defaultCutoff := now - s.cfg.ArtifactTTLMS
	rows, err := s.db.DB().Query(`
		SELECT id, storage_path FROM artifacts
		WHERE (ttl_expires_at > 0 AND ttl_expires_at < ?)
		   OR (ttl_expires_at = 0 AND created_at < ?)`,
		now, defaultCutoff,
	)
	if err != nil {
		return 0, err
	}
	type victim struct {
		id   string
		path string
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.path); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, v := range victims {
		if _, err := s.db.DB().Exec("DELETE FROM artifacts WHERE id = ?", v.id); err != nil {
			return removed, err
		}
		removed++
		if v.path != "" {
			if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
				log.WithComponent("artifacts").Warn().Err(err).Str("path", v.path).Msg("failed to unlink artifact body")
			}
		}
	}
	return removed, nil
}

func getArtifact(e storage.Execer, id string) (*types.Artifact, error) {
	row := e.QueryRow(
		"SELECT id, created_by, name, mime_type, size_bytes, sha256, storage_path, namespace, summary, access_count, ttl_expires_at, created_at, updated_at FROM artifacts WHERE id = ?",
		id,
	)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(rs rowScanner) (*types.Artifact, error) {
	var a types.Artifact
	err := rs.Scan(&a.ID, &a.CreatedBy, &a.Name, &a.MimeType, &a.SizeBytes, &a.SHA256, &a.StoragePath,
		&a.Namespace, &a.Summary, &a.AccessCount, &a.TTLExpiresAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
