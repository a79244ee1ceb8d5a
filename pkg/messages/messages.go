package messages

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

// Bus is the per-recipient inbox with broadcast delivery and per-agent
// read marks.
type Bus struct {
	db  *storage.Store
	cfg *config.Config
}

// New creates a bus over the shared store.
func New(db *storage.Store, cfg *config.Config) *Bus {
	return &Bus{db: db, cfg: cfg}
}

// SendInput is one outgoing message. Empty ToAgent broadcasts.
type SendInput struct {
	FromAgent string
	ToAgent   string
	Content   string
	Metadata  string
	TraceID   string
	SpanID    string
}

// Send validates and inserts a message, returning the stored row.
func (b *Bus) Send(in SendInput) (*types.Message, error) {
	if in.FromAgent == "" {
		return nil, types.NewError(types.CodeInvalidPayload, "from_agent is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, types.NewError(types.CodeInvalidPayload, "content is required")
	}
	if len(in.Content) > b.cfg.MessageMaxChars {
		return nil, types.NewErrorf(types.CodeContentTooLong, "content exceeds %d chars", b.cfg.MessageMaxChars).
			WithDetail("max_chars", b.cfg.MessageMaxChars).
			WithDetail("content_chars", len(in.Content))
	}
	if in.Metadata == "" {
		in.Metadata = "{}"
	}

	now := storage.NowMS()
	var msg *types.Message
	err := b.db.WithTx(func(tx *sql.Tx) error {
		var to any
		if in.ToAgent != "" {
			to = in.ToAgent
		}
		res, err := tx.Exec(
			"INSERT INTO messages (from_agent, to_agent, content, metadata, trace_id, span_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			in.FromAgent, to, in.Content, in.Metadata, in.TraceID, in.SpanID, now,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		msg = &types.Message{
			ID:        id,
			FromAgent: in.FromAgent,
			ToAgent:   in.ToAgent,
			Content:   in.Content,
			Metadata:  in.Metadata,
			TraceID:   in.TraceID,
			SpanID:    in.SpanID,
			CreatedAt: now,
		}
		return storage.LogActivity(tx, "send_message", in.FromAgent, 0, "")
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ReadFilter selects inbox rows for one agent.
type ReadFilter struct {
	From       string
	UnreadOnly bool
	SinceTS    int64
	Cursor     string
	Limit      int
	Offset     int
}

// ReadResult is a page of messages plus the delta cursor.
type ReadResult struct {
	Messages   []types.Message `json:"messages"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Read returns messages visible to the agent, directed or broadcast.
// Cursor or since_ts reads page ascending by (created_at, id); the
// default inbox view is newest first. Returned rows are marked read.
func (b *Bus) Read(agentID string, f ReadFilter) (*ReadResult, error) {
	if agentID == "" {
		return nil, types.NewError(types.CodeInvalidPayload, "agent_id is required")
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}

	where := []string{"(m.to_agent = ? OR m.to_agent IS NULL)"}
	args := []any{agentID}
	if f.From != "" {
		where = append(where, "m.from_agent = ?")
		args = append(args, f.From)
	}
	if f.UnreadOnly {
		where = append(where, "r.read_at IS NULL")
	}

	delta := false
	switch {
	case f.Cursor != "":
		createdAt, id, err := parseCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		where = append(where, "(m.created_at > ? OR (m.created_at = ? AND m.id > ?))")
		args = append(args, createdAt, createdAt, id)
		delta = true
	case f.SinceTS > 0:
		where = append(where, "m.created_at > ?")
		args = append(args, f.SinceTS)
		delta = true
	}

	query := `
		SELECT m.id, m.from_agent, m.to_agent, m.content, m.metadata, m.trace_id, m.span_id, m.created_at, r.read_at
		FROM messages m
		LEFT JOIN message_reads r ON r.message_id = m.id AND r.agent_id = ?`
	args = append([]any{agentID}, args...)
	query += " WHERE " + strings.Join(where, " AND ")
	if delta {
		query += " ORDER BY m.created_at, m.id"
	} else {
		query += " ORDER BY m.created_at DESC, m.id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var result *ReadResult
	err := b.db.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(query, args...)
		if err != nil {
			return err
		}
		msgs, err := scanMessages(rows)
		if err != nil {
			return err
		}
		if err := markRead(tx, agentID, msgs); err != nil {
			return err
		}
		result = &ReadResult{Messages: msgs}
		if delta && len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			result.NextCursor = Cursor(last)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetForAgent returns one message iff the agent may see it, marking it
// read.
func (b *Bus) GetForAgent(agentID string, messageID int64) (*types.Message, error) {
	var msg *types.Message
	err := b.db.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT m.id, m.from_agent, m.to_agent, m.content, m.metadata, m.trace_id, m.span_id, m.created_at, r.read_at
			FROM messages m
			LEFT JOIN message_reads r ON r.message_id = m.id AND r.agent_id = ?
			WHERE m.id = ? AND (m.to_agent = ? OR m.to_agent IS NULL)`,
			agentID, messageID, agentID,
		)
		if err != nil {
			return err
		}
		msgs, err := scanMessages(rows)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return types.NewErrorf(types.CodeMessageNotFoundOrForbidden, "message %d not found", messageID)
		}
		if err := markRead(tx, agentID, msgs); err != nil {
			return err
		}
		msg = &msgs[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// UnreadCount counts visible messages without a read mark.
func (b *Bus) UnreadCount(agentID string) (int, error) {
	var n int
	err := b.db.DB().QueryRow(`
		SELECT COUNT(*) FROM messages m
		LEFT JOIN message_reads r ON r.message_id = m.id AND r.agent_id = ?
		WHERE (m.to_agent = ? OR m.to_agent IS NULL) AND r.read_at IS NULL`,
		agentID, agentID,
	).Scan(&n)
	return n, err
}

// Sweep deletes messages older than cutoff. Read marks cascade.
func (b *Bus) Sweep(cutoff int64) (int64, error) {
	res, err := b.db.DB().Exec("DELETE FROM messages WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Cursor renders the delta cursor for a message row.
func Cursor(m types.Message) string {
	return strconv.FormatInt(m.CreatedAt, 10) + ":" + strconv.FormatInt(m.ID, 10)
}

func parseCursor(cursor string) (createdAt, id int64, err error) {
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return 0, 0, types.NewError(types.CodeCursorInvalid, "message cursor must be <created_at>:<id>")
	}
	createdAt, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, types.NewError(types.CodeCursorInvalid, "message cursor timestamp malformed")
	}
	id, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, types.NewError(types.CodeCursorInvalid, "message cursor id malformed")
	}
	return createdAt, id, nil
}

func scanMessages(rows *sql.Rows) ([]types.Message, error) {
	defer rows.Close()
	var out []types.Message
	for rows.Next() {
		var (
			m      types.Message
			to     sql.NullString
			readAt sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.FromAgent, &to, &m.Content, &m.Metadata, &m.TraceID, &m.SpanID, &m.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		m.ToAgent = to.String
		m.Read = readAt.Valid
		out = append(out, m)
	}
	return out, rows.Err()
}

// markRead inserts missing read marks for the returned rows.
func markRead(tx *sql.Tx, agentID string, msgs []types.Message) error {
	now := storage.NowMS()
	for _, m := range msgs {
		if m.Read {
			continue
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO message_reads (message_id, agent_id, read_at) VALUES (?, ?, ?)",
			m.ID, agentID, now,
		); err != nil {
			return err
		}
	}
	return nil
}
