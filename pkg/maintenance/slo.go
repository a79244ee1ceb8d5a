package maintenance

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agenthub/hive/pkg/log"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

// SLO alert codes.
const (
	SloHighPendingAge  = "high_pending_age"
	SloStaleInProgress = "stale_in_progress"
	SloClaimChurn      = "claim_churn"
)

var churnKinds = []string{"claim", "renew", "release", "poll_and_claim"}

// EvaluateSLOs checks each objective and reconciles the open alert set:
// a violated objective upserts its open alert, a recovered one stamps
// resolved_at.
func (r *Runner) EvaluateSLOs() error {
	now := storage.NowMS()

	violated, err := r.checkPendingAge(now)
	if err != nil {
		return err
	}
	if err := r.reconcileAlert(SloHighPendingAge, types.SloHigh, violated, now); err != nil {
		return err
	}

	violated, err = r.checkStaleInProgress(now)
	if err != nil {
		return err
	}
	if err := r.reconcileAlert(SloStaleInProgress, types.SloCritical, violated, now); err != nil {
		return err
	}

	violated, err = r.checkClaimChurn(now)
	if err != nil {
		return err
	}
	return r.reconcileAlert(SloClaimChurn, types.SloMedium, violated, now)
}

// checkPendingAge fires when the oldest pending task has waited too
// long.
func (r *Runner) checkPendingAge(now int64) (*violation, error) {
	var oldest sql.NullInt64
	err := r.db.DB().QueryRow("SELECT MIN(created_at) FROM tasks WHERE status = 'pending'").Scan(&oldest)
	if err != nil {
		return nil, err
	}
	if !oldest.Valid {
		return nil, nil
	}
	age := now - oldest.Int64
	if age <= r.cfg.SloPendingAgeMS {
		return nil, nil
	}
	return &violation{
		message: fmt.Sprintf("oldest pending task has waited %dms", age),
		details: map[string]any{"age_ms": age, "threshold_ms": r.cfg.SloPendingAgeMS},
	}, nil
}

// checkStaleInProgress fires when an in-progress task has gone quiet
// with no active claim covering it.
func (r *Runner) checkStaleInProgress(now int64) (*violation, error) {
	cutoff := now - r.cfg.SloStaleInProgressMS
	var count int
	err := r.db.DB().QueryRow(`
		SELECT COUNT(*) FROM tasks t
		WHERE t.status = 'in_progress' AND t.updated_at < ?
		  AND NOT EXISTS (SELECT 1 FROM task_claims c WHERE c.task_id = t.id AND c.lease_expires_at > ?)`,
		cutoff, now,
	).Scan(&count)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return &violation{
		message: fmt.Sprintf("%d in-progress tasks are stale with no active claim", count),
		details: map[string]any{"count": count, "threshold_ms": r.cfg.SloStaleInProgressMS},
	}, nil
}

// checkClaimChurn fires when scheduler activity spikes past the
// configured threshold inside the churn window.
func (r *Runner) checkClaimChurn(now int64) (*violation, error) {
	count, err := r.db.CountActivitySince(churnKinds, now-r.cfg.SloClaimChurnWindowMS)
	if err != nil {
		return nil, err
	}
	if count < r.cfg.SloClaimChurnThreshold {
		return nil, nil
	}
	return &violation{
		message: fmt.Sprintf("%d scheduler events in the churn window", count),
		details: map[string]any{"count": count, "threshold": r.cfg.SloClaimChurnThreshold, "window_ms": r.cfg.SloClaimChurnWindowMS},
	}, nil
}

type violation struct {
	message string
	details map[string]any
}

// reconcileAlert opens, refreshes or resolves the alert for one code.
// The partial unique index on open codes makes the upsert race-free.
func (r *Runner) reconcileAlert(code string, severity types.SloSeverity, v *violation, now int64) error {
	if v == nil {
		res, err := r.db.DB().Exec(
			"UPDATE slo_alerts SET resolved_at = ? WHERE code = ? AND resolved_at IS NULL",
			now, code,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.WithComponent("maintenance").Info().Str("code", code).Msg("slo alert resolved")
		}
		return nil
	}

	details, err := json.Marshal(v.details)
	if err != nil {
		return err
	}
	res, err := r.db.DB().Exec(`
		INSERT INTO slo_alerts (code, severity, message, details, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT(code) WHERE resolved_at IS NULL DO UPDATE SET
		  message = excluded.message,
		  details = excluded.details`,
		code, string(severity), v.message, string(details), now,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.WithComponent("maintenance").Warn().
			Str("code", code).
			Str("severity", string(severity)).
			Msg(v.message)
	}
	return nil
}

// OpenAlerts returns unresolved SLO alerts, most severe activity first.
func (r *Runner) OpenAlerts() ([]types.SloAlert, error) {
	return ListAlerts(r.db, true, 100, 0)
}

// ListAlerts returns alerts, optionally only open ones, newest first.
func ListAlerts(db *storage.Store, openOnly bool, limit, offset int) ([]types.SloAlert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := "SELECT id, code, severity, message, details, created_at, COALESCE(resolved_at, 0) FROM slo_alerts"
	if openOnly {
		query += " WHERE resolved_at IS NULL"
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"

	rows, err := db.DB().Query(query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SloAlert
	for rows.Next() {
		var a types.SloAlert
		if err := rows.Scan(&a.ID, &a.Code, (*string)(&a.Severity), &a.Message, &a.Details, &a.CreatedAt, &a.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
