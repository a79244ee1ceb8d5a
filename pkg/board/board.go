package board

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/agenthub/hive/pkg/log"
	"github.com/agenthub/hive/pkg/registry"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

// Board owns task CRUD, the dependency graph, status history and
// archival.
type Board struct {
	db       *storage.Store
	registry *registry.Registry
}

// New creates a board over the shared store.
func New(db *storage.Store, reg *registry.Registry) *Board {
	return &Board{db: db, registry: reg}
}

// CreateInput is the payload for creating a task.
type CreateInput struct {
	Title           string
	Description     string
	Namespace       string
	Priority        types.Priority
	ExecutionMode   types.ExecutionMode
	ConsistencyMode types.ConsistencyMode
	DependsOn       []int64
	Creator         string
	TraceID         string
	SpanID          string
}

// Create inserts a pending task with its dependency edges in a single
// transaction. Unknown dependency ids fail the whole call.
func (b *Board) Create(in CreateInput) (*types.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, types.NewError(types.CodeInvalidPayload, "title is required")
	}
	in.Namespace = NormalizeNamespace(in.Namespace)
	if !in.Priority.Valid() {
		in.Priority = types.PriorityMedium
	}
	in.ExecutionMode = normalizeExecutionMode(in.ExecutionMode)
	in.ConsistencyMode = normalizeConsistencyMode(in.ConsistencyMode, in.Priority)

	now := storage.NowMS()
	var task *types.Task
	err := b.db.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO tasks (title, description, namespace, priority, execution_mode, consistency_mode, status, assigned_to, creator, trace_id, span_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', NULL, ?, ?, ?, ?, ?)`,
			in.Title, in.Description, in.Namespace, string(in.Priority), string(in.ExecutionMode), string(in.ConsistencyMode),
			in.Creator, in.TraceID, in.SpanID, now, now,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		deps := dedupeDeps(id, in.DependsOn)
		if err := insertDeps(tx, id, deps); err != nil {
			return err
		}

		if _, err := tx.Exec(
			"INSERT INTO task_status_history (task_id, from_status, to_status, changed_by, source, created_at) VALUES (?, '', 'pending', ?, 'create', ?)",
			id, in.Creator, now,
		); err != nil {
			return err
		}

		task, err = getTask(tx, id)
		if err != nil {
			return err
		}
		return storage.LogActivity(tx, "create_task", in.Creator, id, "")
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Patch carries the optional fields of an update; nil means unchanged.
type Patch struct {
	Title           *string
	Description     *string
	Namespace       *string
	Priority        *types.Priority
	ExecutionMode   *types.ExecutionMode
	ConsistencyMode *types.ConsistencyMode
	Status          *types.TaskStatus
	AssignedTo      *string
	DependsOn       []int64 // full replacement when non-nil
	ChangedBy       string
	Source          string
}

// Update applies a patch in one transaction. Providing DependsOn
// replaces the edge set; a status change is recorded in history and
// drives the quality counters on done transitions.
func (b *Board) Update(id int64, p Patch) (*types.Task, error) {
	now := storage.NowMS()
	var task *types.Task
	err := b.db.WithTx(func(tx *sql.Tx) error {
		current, err := getTask(tx, id)
		if err != nil {
			return err
		}

		sets := []string{"updated_at = ?"}
		args := []any{now}
		if p.Title != nil {
			sets = append(sets, "title = ?")
			args = append(args, *p.Title)
		}
		if p.Description != nil {
			sets = append(sets, "description = ?")
			args = append(args, *p.Description)
		}
		if p.Namespace != nil {
			sets = append(sets, "namespace = ?")
			args = append(args, NormalizeNamespace(*p.Namespace))
		}
		if p.Priority != nil && p.Priority.Valid() {
			sets = append(sets, "priority = ?")
			args = append(args, string(*p.Priority))
		}
		if p.ExecutionMode != nil {
			sets = append(sets, "execution_mode = ?")
			args = append(args, string(normalizeExecutionMode(*p.ExecutionMode)))
		}
		if p.ConsistencyMode != nil {
			mode := *p.ConsistencyMode
			if mode != types.ConsistencyStrict {
				mode = types.ConsistencyCheap
			}
			sets = append(sets, "consistency_mode = ?")
			args = append(args, string(mode))
		}
		if p.Status != nil && *p.Status != current.Status {
			sets = append(sets, "status = ?")
			args = append(args, string(*p.Status))
		}
		if p.AssignedTo != nil {
			sets = append(sets, "assigned_to = ?")
			if *p.AssignedTo == "" {
				args = append(args, nil)
			} else {
				args = append(args, *p.AssignedTo)
			}
		}

		args = append(args, id)
		if _, err := tx.Exec("UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
			return err
		}

		if p.DependsOn != nil {
			deps := dedupeDeps(id, p.DependsOn)
			// The edge set stays a DAG: a new dependency that can already
			// reach this task would close a cycle.
			for _, dep := range deps {
				cyclic, err := dependencyReaches(tx, dep, id)
				if err != nil {
					return err
				}
				if cyclic {
					return types.NewErrorf(types.CodeInvalidDependency, "dependency on task %d would create a cycle", dep).
						WithDetail("dependency_id", dep)
				}
			}
			if _, err := tx.Exec("DELETE FROM task_dependencies WHERE task_id = ?", id); err != nil {
				return err
			}
			if err := insertDeps(tx, id, deps); err != nil {
				return err
			}
		}

		if p.Status != nil && *p.Status != current.Status {
			if _, err := tx.Exec(
				"INSERT INTO task_status_history (task_id, from_status, to_status, changed_by, source, created_at) VALUES (?, ?, ?, ?, ?, ?)",
				id, string(current.Status), string(*p.Status), p.ChangedBy, p.Source, now,
			); err != nil {
				return err
			}
			if err := b.recordQualityTransition(tx, current, *p.Status); err != nil {
				return err
			}
		}

		task, err = getTask(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// recordQualityTransition bumps completion on entering done and rollback
// on leaving it.
func (b *Board) recordQualityTransition(tx *sql.Tx, before *types.Task, to types.TaskStatus) error {
	agent := before.AssignedTo
	if agent == "" {
		return nil
	}
	switch {
	case before.Status != types.TaskDone && to == types.TaskDone:
		return b.registry.RecordCompletion(tx, agent)
	case before.Status == types.TaskDone && to != types.TaskDone:
		return b.registry.RecordRollback(tx, agent)
	}
	return nil
}

// Get returns one live task with its dependency ids.
func (b *Board) Get(id int64) (*types.Task, error) {
	return getTask(b.db.DB(), id)
}

// Delete removes a task. Tasks under an active claim fail with
// TASK_CLAIMED. By default the row is copied to the archive first.
func (b *Board) Delete(id int64, archive bool, reason, deletedBy string) error {
	now := storage.NowMS()
	return b.db.WithTx(func(tx *sql.Tx) error {
		task, err := getTask(tx, id)
		if err != nil {
			return err
		}

		var claimAgent string
		err = tx.QueryRow(
			"SELECT agent_id FROM task_claims WHERE task_id = ? AND lease_expires_at > ?", id, now,
		).Scan(&claimAgent)
		if err == nil {
			return types.NewErrorf(types.CodeTaskClaimed, "task %d has an active claim", id).
				WithDetail("claimed_by", claimAgent)
		}
		if err != sql.ErrNoRows {
			return err
		}

		if archive {
			if err := copyToArchive(tx, task, now, reason); err != nil {
				return err
			}
		}
		if _, err := tx.Exec("DELETE FROM tasks WHERE id = ?", id); err != nil {
			return err
		}
		return storage.LogActivity(tx, "delete_task", deletedBy, id, reason)
	})
}

// ArchiveDone moves done tasks untouched since cutoff and with no
// dependents into the archive, deleting the live rows. Returns the
// number archived.
func (b *Board) ArchiveDone(cutoff int64, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	now := storage.NowMS()
	archived := 0
	err := b.db.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT id FROM tasks t
			WHERE status = 'done' AND updated_at < ?
			  AND NOT EXISTS (SELECT 1 FROM task_dependencies d WHERE d.depends_on_task_id = t.id)
			ORDER BY updated_at LIMIT ?`,
			cutoff, limit,
		)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			task, err := getTask(tx, id)
			if err != nil {
				return err
			}
			if err := copyToArchive(tx, task, now, "ttl"); err != nil {
				return err
			}
			if _, err := tx.Exec("DELETE FROM tasks WHERE id = ?", id); err != nil {
				return err
			}
			archived++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if archived > 0 {
		log.WithComponent("board").Info().Int("count", archived).Msg("archived done tasks")
	}
	return archived, nil
}

// History returns the append-only status transition log for a task.
func (b *Board) History(id int64) ([]types.StatusTransition, error) {
	rows, err := b.db.DB().Query(
		"SELECT task_id, from_status, to_status, changed_by, source, created_at FROM task_status_history WHERE task_id = ? ORDER BY id",
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.StatusTransition
	for rows.Next() {
		var t types.StatusTransition
		if err := rows.Scan(&t.TaskID, (*string)(&t.From), (*string)(&t.To), &t.ChangedBy, &t.Source, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AddEvidence appends evidence refs, ignoring duplicates, and returns
// the task's full evidence set.
func (b *Board) AddEvidence(e storage.Execer, taskID int64, refs []string) ([]string, error) {
	now := storage.NowMS()
	for _, ref := range refs {
		if _, err := e.Exec(
			"INSERT OR IGNORE INTO task_evidence (task_id, evidence_ref, created_at) VALUES (?, ?, ?)",
			taskID, ref, now,
		); err != nil {
			return nil, err
		}
	}
	return listEvidence(e, taskID)
}

// Evidence returns the task's evidence refs in insertion order.
func (b *Board) Evidence(taskID int64) ([]string, error) {
	return listEvidence(b.db.DB(), taskID)
}

// UnmetDependencies returns the dependency ids of taskID whose tasks are
// not done.
func (b *Board) UnmetDependencies(taskID int64) ([]int64, error) {
	return unmetDependencies(b.db.DB(), taskID)
}

func unmetDependencies(e storage.Execer, taskID int64) ([]int64, error) {
	rows, err := e.Query(`
		SELECT d.depends_on_task_id FROM task_dependencies d
		LEFT JOIN tasks t ON t.id = d.depends_on_task_id
		WHERE d.task_id = ? AND (t.id IS NULL OR t.status != 'done')
		ORDER BY d.depends_on_task_id`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// NormalizeNamespace maps empty input to the default namespace.
func NormalizeNamespace(ns string) string {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		return "default"
	}
	return ns
}

func normalizeExecutionMode(m types.ExecutionMode) types.ExecutionMode {
	switch m {
	case types.ExecRepo, types.ExecIsolated:
		return m
	default:
		return types.ExecAny
	}
}

// normalizeConsistencyMode upgrades critical tasks to strict unless the
// caller pinned a mode explicitly.
func normalizeConsistencyMode(m types.ConsistencyMode, p types.Priority) types.ConsistencyMode {
	switch m {
	case types.ConsistencyCheap, types.ConsistencyStrict:
		return m
	}
	if p == types.PriorityCritical {
		return types.ConsistencyStrict
	}
	return types.ConsistencyCheap
}

func dedupeDeps(taskID int64, deps []int64) []int64 {
	seen := make(map[int64]bool, len(deps))
	var out []int64
	for _, d := range deps {
		if d == taskID || d <= 0 || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

func insertDeps(tx *sql.Tx, taskID int64, deps []int64) error {
	for _, dep := range deps {
		var exists int
		err := tx.QueryRow("SELECT 1 FROM tasks WHERE id = ?", dep).Scan(&exists)
		if err == sql.ErrNoRows {
			return types.NewErrorf(types.CodeInvalidDependency, "dependency task %d does not exist", dep).
				WithDetail("dependency_id", dep)
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_task_id) VALUES (?, ?)",
			taskID, dep,
		); err != nil {
			return err
		}
	}
	return nil
}

// dependencyReaches walks the dependency edges transitively from a
// task, reporting whether target is reachable.
func dependencyReaches(tx *sql.Tx, from, target int64) (bool, error) {
	seen := map[int64]bool{from: true}
	queue := []int64{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		rows, err := tx.Query("SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ?", cur)
		if err != nil {
			return false, err
		}
		var next []int64
		for rows.Next() {
			var dep int64
			if err := rows.Scan(&dep); err != nil {
				rows.Close()
				return false, err
			}
			next = append(next, dep)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, err
		}

		for _, dep := range next {
			if dep == target {
				return true, nil
			}
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return false, nil
}

func copyToArchive(tx *sql.Tx, t *types.Task, now int64, reason string) error {
	var assigned any
	if t.AssignedTo != "" {
		assigned = t.AssignedTo
	}
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO tasks_archive
		  (id, title, description, namespace, priority, execution_mode, consistency_mode, status, assigned_to, creator, trace_id, span_id, created_at, updated_at, archived_at, archive_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Namespace, string(t.Priority), string(t.ExecutionMode), string(t.ConsistencyMode),
		string(t.Status), assigned, t.Creator, t.TraceID, t.SpanID, t.CreatedAt, t.UpdatedAt, now, reason,
	)
	return err
}

func listEvidence(e storage.Execer, taskID int64) ([]string, error) {
	rows, err := e.Query(
		"SELECT evidence_ref FROM task_evidence WHERE task_id = ? ORDER BY created_at, evidence_ref",
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func getTask(e storage.Execer, id int64) (*types.Task, error) {
	var (
		t        types.Task
		assigned sql.NullString
	)
	err := e.QueryRow(
		"SELECT id, title, description, namespace, priority, execution_mode, consistency_mode, status, assigned_to, creator, trace_id, span_id, created_at, updated_at FROM tasks WHERE id = ?",
		id,
	).Scan(&t.ID, &t.Title, &t.Description, &t.Namespace, (*string)(&t.Priority), (*string)(&t.ExecutionMode), (*string)(&t.ConsistencyMode),
		(*string)(&t.Status), &assigned, &t.Creator, &t.TraceID, &t.SpanID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NewErrorf(types.CodeTaskNotFound, "task %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	t.AssignedTo = assigned.String

	rows, err := e.Query("SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_task_id", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		t.DependsOn = append(t.DependsOn, dep)
	}
	return &t, rows.Err()
}

// parseTaskCursor splits "<updated_at>:<id>".
func parseTaskCursor(cursor string) (updatedAt, id int64, err error) {
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return 0, 0, types.NewError(types.CodeCursorInvalid, "task cursor must be <updated_at>:<id>")
	}
	updatedAt, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, types.NewError(types.CodeCursorInvalid, "task cursor timestamp malformed")
	}
	id, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, types.NewError(types.CodeCursorInvalid, "task cursor id malformed")
	}
	return updatedAt, id, nil
}

// TaskCursor renders the delta-read cursor for a task row.
func TaskCursor(t types.Task) string {
	return strconv.FormatInt(t.UpdatedAt, 10) + ":" + strconv.FormatInt(t.ID, 10)
}
