package maintenance

import (
	"database/sql"
	"time"

	"github.com/agenthub/hive/pkg/artifacts"
	"github.com/agenthub/hive/pkg/blob"
	"github.com/agenthub/hive/pkg/board"
	"github.com/agenthub/hive/pkg/claims"
	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/log"
	"github.com/agenthub/hive/pkg/messages"
	"github.com/agenthub/hive/pkg/metrics"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
	"github.com/agenthub/hive/pkg/watermark"
)

// Runner executes the periodic maintenance pass: lease recovery, agent
// liveness, TTL sweeps, archival and the SLO evaluator.
type Runner struct {
	db        *storage.Store
	cfg       *config.Config
	board     *board.Board
	claims    *claims.Engine
	blobs     *blob.Store
	artifacts *artifacts.Store
	bus       *messages.Bus
	oracle    *watermark.Oracle

	stopCh chan struct{}
}

// New creates the maintenance runner.
func New(db *storage.Store, cfg *config.Config, b *board.Board, c *claims.Engine, blobs *blob.Store, a *artifacts.Store, bus *messages.Bus, oracle *watermark.Oracle) *Runner {
	return &Runner{
		db:        db,
		cfg:       cfg,
		board:     b,
		claims:    c,
		blobs:     blobs,
		artifacts: a,
		bus:       bus,
		oracle:    oracle,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the maintenance loop. The first pass runs immediately.
func (r *Runner) Start() {
	ticker := time.NewTicker(time.Duration(r.cfg.MaintenanceIntervalMS) * time.Millisecond)
	go func() {
		r.RunOnce()
		for {
			select {
			case <-ticker.C:
				r.RunOnce()
			case <-r.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
	log.WithComponent("maintenance").Info().
		Int64("interval_ms", r.cfg.MaintenanceIntervalMS).
		Msg("maintenance loop started")
}

// Stop halts the loop.
func (r *Runner) Stop() {
	close(r.stopCh)
}

// RunOnce executes one full maintenance pass. Step failures are logged
// and do not stop the remaining steps.
func (r *Runner) RunOnce() {
	start := time.Now()
	logger := log.WithComponent("maintenance")

	if _, err := r.claims.CleanupExpired(true); err != nil {
		logger.Error().Err(err).Msg("expired claim cleanup failed")
	}
	if err := r.markInactiveOffline(); err != nil {
		logger.Error().Err(err).Msg("offline marking failed")
	}
	if err := r.reapEphemeralClaims(); err != nil {
		logger.Error().Err(err).Msg("ephemeral claim reap failed")
	}
	if err := r.deleteStaleAgents(); err != nil {
		logger.Error().Err(err).Msg("stale agent deletion failed")
	}
	if err := r.requeueOrphanedAssignments(); err != nil {
		logger.Error().Err(err).Msg("orphan requeue failed")
	}
	r.sweepTTLs()
	if _, err := r.board.ArchiveDone(storage.NowMS()-r.cfg.TaskArchiveTTLMS, r.cfg.TaskArchiveBatchLimit); err != nil {
		logger.Error().Err(err).Msg("done-task archival failed")
	}
	if err := r.EvaluateSLOs(); err != nil {
		logger.Error().Err(err).Msg("slo evaluation failed")
	}

	r.artifacts.Tickets.Sweep()
	r.oracle.Invalidate()
	metrics.MaintenanceDuration.Observe(time.Since(start).Seconds())
}

// markInactiveOffline flips agents past their liveness cutoff to
// offline. Persistent and ephemeral agents use separate cutoffs.
func (r *Runner) markInactiveOffline() error {
	now := storage.NowMS()
	for _, c := range []struct {
		lifecycle types.AgentLifecycle
		cutoff    int64
	}{
		{types.LifecyclePersistent, now - r.cfg.PersistentOfflineMS},
		{types.LifecycleEphemeral, now - r.cfg.EphemeralOfflineMS},
	} {
		res, err := r.db.DB().Exec(
			"UPDATE agents SET status = 'offline' WHERE status = 'online' AND lifecycle = ? AND last_seen < ?",
			string(c.lifecycle), c.cutoff,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.WithComponent("maintenance").Info().
				Str("lifecycle", string(c.lifecycle)).
				Int64("count", n).
				Msg("marked inactive agents offline")
		}
	}
	return nil
}

// reapEphemeralClaims drops claims still held by offline ephemeral
// agents once the reap delay has passed, requeueing their tasks.
func (r *Runner) reapEphemeralClaims() error {
	now := storage.NowMS()
	cutoff := now - r.cfg.EphemeralClaimReapAfterMS
	return r.db.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT c.task_id, c.agent_id FROM task_claims c
			JOIN agents a ON a.id = c.agent_id
			WHERE a.lifecycle = 'ephemeral' AND a.status = 'offline' AND c.updated_at < ?`,
			cutoff,
		)
		if err != nil {
			return err
		}
		stale, err := scanTaskAgents(rows)
		if err != nil {
			return err
		}
		for _, s := range stale {
			if err := revertClaim(tx, s.taskID, s.agentID, now, "ephemeral_reap"); err != nil {
				return err
			}
		}
		if len(stale) > 0 {
			log.WithComponent("maintenance").Info().Int("count", len(stale)).Msg("reaped ephemeral claims")
		}
		return nil
	})
}

// deleteStaleAgents removes offline agents past their lifecycle TTL,
// cascading claims, assignments and tokens.
func (r *Runner) deleteStaleAgents() error {
	now := storage.NowMS()
	for _, c := range []struct {
		lifecycle types.AgentLifecycle
		cutoff    int64
	}{
		{types.LifecyclePersistent, now - r.cfg.PersistentAgentTTLMS},
		{types.LifecycleEphemeral, now - r.cfg.EphemeralAgentTTLMS},
	} {
		err := r.db.WithTx(func(tx *sql.Tx) error {
			rows, err := tx.Query(
				"SELECT id FROM agents WHERE status = 'offline' AND lifecycle = ? AND last_seen < ?",
				string(c.lifecycle), c.cutoff,
			)
			if err != nil {
				return err
			}
			var ids []string
			for rows.Next() {
				var id string
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
				if err := cascadeAgentRemoval(tx, id, now); err != nil {
					return err
				}
			}
			if len(ids) > 0 {
				log.WithComponent("maintenance").Info().
					Str("lifecycle", string(c.lifecycle)).
					Int("count", len(ids)).
					Msg("deleted stale agents")
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	// Tokens whose agent row is gone serve nothing.
	_, err := r.db.DB().Exec(
		"DELETE FROM agent_tokens WHERE agent_id NOT IN (SELECT id FROM agents)",
	)
	return err
}

// requeueOrphanedAssignments returns in-progress tasks to the pool when
// their assignee is gone or is an offline ephemeral agent and no active
// claim covers them.
func (r *Runner) requeueOrphanedAssignments() error {
	now := storage.NowMS()
	return r.db.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT t.id, t.assigned_to FROM tasks t
			LEFT JOIN agents a ON a.id = t.assigned_to
			WHERE t.status = 'in_progress' AND t.assigned_to IS NOT NULL
			  AND (a.id IS NULL OR (a.lifecycle = 'ephemeral' AND a.status = 'offline'))
			  AND NOT EXISTS (SELECT 1 FROM task_claims c WHERE c.task_id = t.id AND c.lease_expires_at > ?)`,
			now,
		)
		if err != nil {
			return err
		}
		orphans, err := scanTaskAgents(rows)
		if err != nil {
			return err
		}
		for _, o := range orphans {
			if err := revertClaim(tx, o.taskID, o.agentID, now, "orphan_requeue"); err != nil {
				return err
			}
		}
		if len(orphans) > 0 {
			log.WithComponent("maintenance").Info().Int("count", len(orphans)).Msg("requeued orphaned assignments")
		}
		return nil
	})
}

// sweepTTLs runs the retention sweeps, counting removals per kind.
func (r *Runner) sweepTTLs() {
	now := storage.NowMS()
	logger := log.WithComponent("maintenance")

	sweep := func(kind string, fn func() (int64, error)) {
		n, err := fn()
		if err != nil {
			logger.Error().Err(err).Str("kind", kind).Msg("ttl sweep failed")
			return
		}
		if n > 0 {
			metrics.MaintenanceSwept.WithLabelValues(kind).Add(float64(n))
			logger.Debug().Str("kind", kind).Int64("count", n).Msg("ttl sweep")
		}
	}

	sweep("idempotency", func() (int64, error) {
		res, err := r.db.DB().Exec("DELETE FROM idempotency_keys WHERE created_at < ?", now-r.cfg.IdempotencyTTLMS)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	sweep("messages", func() (int64, error) {
		return r.bus.Sweep(now - r.cfg.MessageTTLMS)
	})
	sweep("activity", func() (int64, error) {
		res, err := r.db.DB().Exec("DELETE FROM activity_log WHERE created_at < ?", now-r.cfg.ActivityTTLMS)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	sweep("blobs", func() (int64, error) {
		return r.blobs.GC(now - r.cfg.BlobTTLMS)
	})
	sweep("artifacts", func() (int64, error) {
		n, err := r.artifacts.Sweep(now)
		return int64(n), err
	})
	sweep("auth_events", func() (int64, error) {
		res, err := r.db.DB().Exec("DELETE FROM auth_events WHERE created_at < ?", now-r.cfg.AuthEventTTLMS)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	sweep("resolved_slo", func() (int64, error) {
		res, err := r.db.DB().Exec("DELETE FROM slo_alerts WHERE resolved_at IS NOT NULL AND resolved_at < ?", now-r.cfg.ResolvedSloTTLMS)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

type taskAgent struct {
	taskID  int64
	agentID string
}

func scanTaskAgents(rows *sql.Rows) ([]taskAgent, error) {
	defer rows.Close()
	var out []taskAgent
	for rows.Next() {
		var ta taskAgent
		if err := rows.Scan(&ta.taskID, &ta.agentID); err != nil {
			return nil, err
		}
		out = append(out, ta)
	}
	return out, rows.Err()
}

// revertClaim requeues one task and drops its claim row.
func revertClaim(tx *sql.Tx, taskID int64, agentID string, now int64, source string) error {
	res, err := tx.Exec(
		"UPDATE tasks SET status = 'pending', assigned_to = NULL, updated_at = ? WHERE id = ? AND status = 'in_progress'",
		now, taskID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := tx.Exec(
			"INSERT INTO task_status_history (task_id, from_status, to_status, changed_by, source, created_at) VALUES (?, 'in_progress', 'pending', ?, ?, ?)",
			taskID, agentID, source, now,
		); err != nil {
			return err
		}
	}
	_, err = tx.Exec("DELETE FROM task_claims WHERE task_id = ?", taskID)
	return err
}

// cascadeAgentRemoval reverts the agent's in-progress work and deletes
// its rows.
func cascadeAgentRemoval(tx *sql.Tx, agentID string, now int64) error {
	rows, err := tx.Query("SELECT task_id FROM task_claims WHERE agent_id = ?", agentID)
	if err != nil {
		return err
	}
	var taskIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		taskIDs = append(taskIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range taskIDs {
		if err := revertClaim(tx, id, agentID, now, "agent_deleted"); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(
		"UPDATE tasks SET assigned_to = NULL, status = 'pending', updated_at = ? WHERE assigned_to = ? AND status = 'in_progress'",
		now, agentID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM agent_tokens WHERE agent_id = ?", agentID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM agents WHERE id = ?", agentID); err != nil {
		return err
	}
	return storage.LogActivity(tx, "delete_agent", agentID, 0, "ttl")
}
