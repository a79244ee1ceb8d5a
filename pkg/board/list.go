package board

import (
	"database/sql"
	"strings"

	"github.com/agenthub/hive/pkg/types"
)

// ListFilter selects tasks. Delta reads (UpdatedAfter or Cursor) order
// ascending by (updated_at, id) for stable pagination; the default
// listing orders by created_at descending.
type ListFilter struct {
	Status        types.TaskStatus
	AssignedTo    string
	Namespace     string
	ExecutionMode types.ExecutionMode
	ReadyOnly     bool
	UpdatedAfter  int64
	Cursor        string
	Limit         int
	Offset        int
}

// ListResult carries a page of tasks plus the cursor for the next delta
// read.
type ListResult struct {
	Tasks      []types.Task `json:"tasks"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// List returns tasks matching the filter.
func (b *Board) List(f ListFilter) (*ListResult, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "t.status = ?")
		args = append(args, string(f.Status))
	}
	if f.AssignedTo != "" {
		where = append(where, "t.assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	if f.Namespace != "" {
		where = append(where, "t.namespace = ?")
		args = append(args, NormalizeNamespace(f.Namespace))
	}
	if f.ExecutionMode != "" {
		where = append(where, "t.execution_mode = ?")
		args = append(args, string(f.ExecutionMode))
	}
	if f.ReadyOnly {
		where = append(where, readyCondition)
	}

	delta := false
	switch {
	case f.Cursor != "":
		updatedAt, id, err := parseTaskCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		where = append(where, "(t.updated_at > ? OR (t.updated_at = ? AND t.id > ?))")
		args = append(args, updatedAt, updatedAt, id)
		delta = true
	case f.UpdatedAfter > 0:
		where = append(where, "t.updated_at > ?")
		args = append(args, f.UpdatedAfter)
		delta = true
	}

	query := "SELECT t.id, t.title, t.description, t.namespace, t.priority, t.execution_mode, t.consistency_mode, t.status, t.assigned_to, t.creator, t.trace_id, t.span_id, t.created_at, t.updated_at FROM tasks t"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if delta {
		query += " ORDER BY t.updated_at, t.id"
	} else {
		query += " ORDER BY t.created_at DESC, t.id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := b.db.DB().Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &ListResult{}
	for rows.Next() {
		var (
			t        types.Task
			assigned sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Namespace, (*string)(&t.Priority), (*string)(&t.ExecutionMode), (*string)(&t.ConsistencyMode),
			(*string)(&t.Status), &assigned, &t.Creator, &t.TraceID, &t.SpanID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.AssignedTo = assigned.String
		result.Tasks = append(result.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if delta && len(result.Tasks) > 0 {
		result.NextCursor = TaskCursor(result.Tasks[len(result.Tasks)-1])
	}
	return result, nil
}

// readyCondition filters to tasks with no not-done dependency.
const readyCondition = `NOT EXISTS (
  SELECT 1 FROM task_dependencies d
  LEFT JOIN tasks dep ON dep.id = d.depends_on_task_id
  WHERE d.task_id = t.id AND (dep.id IS NULL OR dep.status != 'done')
)`
