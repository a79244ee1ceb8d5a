package hub

import (
	"context"

	"github.com/agenthub/hive/pkg/board"
	"github.com/agenthub/hive/pkg/maintenance"
	"github.com/agenthub/hive/pkg/messages"
	"github.com/agenthub/hive/pkg/metrics"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
	"github.com/agenthub/hive/pkg/waitloop"
)

func (s *Server) getActivityLog(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		Kind   string `json:"kind"`
		Limit  int    `json:"limit"`
		Offset int    `json:"offset"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	entries, err := s.DB.ListActivity(p.Kind, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries, "count": len(entries)}, nil
}

// getKpiSnapshot aggregates the headline numbers an operator or a
// coordinating agent polls for.
func (s *Server) getKpiSnapshot(ctx context.Context, req *Request) (map[string]any, error) {
	now := storage.NowMS()
	db := s.DB.DB()

	tasksByStatus, err := countByColumn(db, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, err
	}
	agentsByStatus, err := countByColumn(db, "SELECT status, COUNT(*) FROM agents GROUP BY status")
	if err != nil {
		return nil, err
	}

	var activeClaims int
	if err := db.QueryRow("SELECT COUNT(*) FROM task_claims WHERE lease_expires_at > ?", now).Scan(&activeClaims); err != nil {
		return nil, err
	}
	var openAlerts int
	if err := db.QueryRow("SELECT COUNT(*) FROM slo_alerts WHERE resolved_at IS NULL").Scan(&openAlerts); err != nil {
		return nil, err
	}
	var messages24h int
	if err := db.QueryRow("SELECT COUNT(*) FROM messages WHERE created_at >= ?", now-24*60*60*1000).Scan(&messages24h); err != nil {
		return nil, err
	}
	var blobCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM protocol_blobs").Scan(&blobCount); err != nil {
		return nil, err
	}

	return map[string]any{
		"tasks_by_status":  tasksByStatus,
		"agents_by_status": agentsByStatus,
		"active_claims":    activeClaims,
		"open_slo_alerts":  openAlerts,
		"messages_24h":     messages24h,
		"protocol_blobs":   blobCount,
		"generated_at":     now,
	}, nil
}

func (s *Server) getTransportSnapshot(ctx context.Context, req *Request) (map[string]any, error) {
	return map[string]any{
		"rpc_calls":    s.RPCCalls.Load(),
		"sse_sessions": s.SSEStreams.Load(),
		"wait_waiters": s.WaitWaiters.Load(),
		"live_tickets": s.Artifacts.Tickets.Len(),
	}, nil
}

// waitForUpdates long-polls the watermark oracle. The full shape is
// reserved for the streaming transport; pollers use the compact family.
func (s *Server) waitForUpdates(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		Streams         []string `json:"streams"`
		Cursor          string   `json:"cursor"`
		WaitMS          int64    `json:"wait_ms"`
		PollIntervalMS  int64    `json:"poll_interval_ms"`
		AdaptiveRetry   bool     `json:"adaptive_retry"`
		Shape           string   `json:"shape"`
		MessagesSinceTS *int64   `json:"messages_since_ts"`
		TasksSinceTS    *int64   `json:"tasks_since_ts"`
		ContextSinceTS  *int64   `json:"context_since_ts"`
		ActivitySinceTS *int64   `json:"activity_since_ts"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Shape == waitloop.ShapeFull {
		return nil, types.NewError(types.CodeFullModeForbiddenInPolling, "full shape is only available on the streaming transport")
	}

	s.WaitWaiters.Add(1)
	metrics.Waiters.Inc()
	defer func() {
		s.WaitWaiters.Add(-1)
		metrics.Waiters.Dec()
	}()

	resp, err := s.WaitLoop.Wait(ctx, agentID, waitloop.Request{
		Streams:         p.Streams,
		Cursor:          p.Cursor,
		WaitMS:          p.WaitMS,
		PollIntervalMS:  p.PollIntervalMS,
		AdaptiveRetry:   p.AdaptiveRetry,
		MessagesSinceTS: p.MessagesSinceTS,
		TasksSinceTS:    p.TasksSinceTS,
		ContextSinceTS:  p.ContextSinceTS,
		ActivitySinceTS: p.ActivitySinceTS,
	})
	if err != nil {
		return nil, err
	}
	return waitloop.Shape(resp, p.Shape), nil
}

// readSnapshot bundles the board state a freshly attached agent needs
// in one call: live agents, ready work, its recent inbox and the cursor
// to start waiting from.
func (s *Server) readSnapshot(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		Namespace    string `json:"namespace"`
		TaskLimit    int    `json:"task_limit"`
		MessageLimit int    `json:"message_limit"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.TaskLimit <= 0 || p.TaskLimit > 100 {
		p.TaskLimit = 25
	}
	if p.MessageLimit <= 0 || p.MessageLimit > 100 {
		p.MessageLimit = 20
	}

	agents, err := s.Registry.List(types.AgentOnline, 0, 0)
	if err != nil {
		return nil, err
	}
	ready, err := s.Board.List(board.ListFilter{
		Status:    types.TaskPending,
		Namespace: p.Namespace,
		ReadyOnly: true,
		Limit:     p.TaskLimit,
	})
	if err != nil {
		return nil, err
	}
	inbox, err := s.Bus.Read(agentID, messages.ReadFilter{Limit: p.MessageLimit})
	if err != nil {
		return nil, err
	}
	snap, err := s.WaitLoop.Snapshot(agentID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"agents":      agents,
		"ready_tasks": ready.Tasks,
		"messages":    inbox.Messages,
		"cursor":      snap.Cursor,
		"watermarks":  snap.Watermarks,
	}, nil
}

func (s *Server) evaluateSloAlerts(ctx context.Context, req *Request) (map[string]any, error) {
	if err := s.Maintenance.EvaluateSLOs(); err != nil {
		return nil, err
	}
	open, err := s.Maintenance.OpenAlerts()
	if err != nil {
		return nil, err
	}
	return map[string]any{"alerts": open, "count": len(open)}, nil
}

func (s *Server) listSloAlerts(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		OpenOnly bool `json:"open_only"`
		Limit    int  `json:"limit"`
		Offset   int  `json:"offset"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	alerts, err := maintenance.ListAlerts(s.DB, p.OpenOnly, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"alerts": alerts, "count": len(alerts)}, nil
}

func (s *Server) getAuthCoverage(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		WindowMS int64 `json:"window_ms"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.WindowMS <= 0 {
		p.WindowMS = 24 * 60 * 60 * 1000
	}
	valid, total, err := s.DB.AuthCoverage(storage.NowMS() - p.WindowMS)
	if err != nil {
		return nil, err
	}
	coverage := 0.0
	if total > 0 {
		coverage = float64(valid) / float64(total)
	}
	return map[string]any{
		"valid_events": valid,
		"total_events": total,
		"coverage":     coverage,
		"window_ms":    p.WindowMS,
		"enforced":     s.Cfg.AuthRequired,
	}, nil
}

func (s *Server) runMaintenance(ctx context.Context, req *Request) (map[string]any, error) {
	s.Maintenance.RunOnce()
	return map[string]any{"ran": true}, nil
}

func countByColumn(e storage.Execer, query string) (map[string]int, error) {
	rows, err := e.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}
