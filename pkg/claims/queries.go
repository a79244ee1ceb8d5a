package claims

import (
	"database/sql"

	"github.com/agenthub/hive/pkg/board"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

// selectClaimable picks the single best candidate: pending, unassigned,
// namespace- and mode-compatible, dependency-ready. Ties break on
// priority rank, then how many not-done tasks the candidate unblocks,
// then age.
func selectClaimable(tx *sql.Tx, workspace types.WorkspaceMode, namespace string) (int64, bool, error) {
	modes := compatibleModes(workspace)

	query := `
		SELECT t.id FROM tasks t
		WHERE t.status = 'pending' AND t.assigned_to IS NULL
		  AND t.execution_mode IN (` + placeholders(len(modes)) + `)`
	args := make([]any, 0, len(modes)+2)
	for _, m := range modes {
		args = append(args, string(m))
	}
	if namespace != "" {
		query += " AND t.namespace = ?"
		args = append(args, board.NormalizeNamespace(namespace))
	}
	query += `
		  AND NOT EXISTS (
		    SELECT 1 FROM task_dependencies d
		    LEFT JOIN tasks dep ON dep.id = d.depends_on_task_id
		    WHERE d.task_id = t.id AND (dep.id IS NULL OR dep.status != 'done')
		  )
		ORDER BY
		  CASE t.priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
		  (SELECT COUNT(*) FROM task_dependencies d2
		     JOIN tasks c ON c.id = d2.task_id
		   WHERE d2.depends_on_task_id = t.id AND c.status != 'done') DESC,
		  t.created_at, t.id
		LIMIT 1`

	var id int64
	err := tx.QueryRow(query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func compatibleModes(workspace types.WorkspaceMode) []types.ExecutionMode {
	switch workspace {
	case types.WorkspaceRepo:
		return []types.ExecutionMode{types.ExecAny, types.ExecRepo}
	case types.WorkspaceIsolated:
		return []types.ExecutionMode{types.ExecAny, types.ExecIsolated}
	default:
		return []types.ExecutionMode{types.ExecAny}
	}
}

func placeholders(n int) string {
	switch n {
	case 1:
		return "?"
	case 2:
		return "?, ?"
	default:
		s := "?"
		for i := 1; i < n; i++ {
			s += ", ?"
		}
		return s
	}
}

func getTaskRow(e storage.Execer, id int64) (*types.Task, error) {
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
	return &t, nil
}

func getClaimRow(e storage.Execer, taskID int64) (*types.Claim, error) {
	var c types.Claim
	err := e.QueryRow(
		"SELECT task_id, agent_id, claim_id, claimed_at, lease_expires_at, updated_at FROM task_claims WHERE task_id = ?",
		taskID,
	).Scan(&c.TaskID, &c.AgentID, &c.ClaimID, &c.ClaimedAt, &c.LeaseExpiresAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func unmetDeps(e storage.Execer, taskID int64) ([]int64, error) {
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
