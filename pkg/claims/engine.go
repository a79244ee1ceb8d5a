package claims

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/hive/pkg/board"
	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/donegate"
	"github.com/agenthub/hive/pkg/log"
	"github.com/agenthub/hive/pkg/metrics"
	"github.com/agenthub/hive/pkg/registry"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

// cleanupThrottle bounds how often unforced polls expire stale claims.
const cleanupThrottle = 5 * time.Second

// Engine implements lease acquisition, renewal and release plus the
// poll-and-claim scheduler.
type Engine struct {
	db       *storage.Store
	board    *board.Board
	registry *registry.Registry
	gate     *donegate.Gate
	cfg      *config.Config

	mu          sync.Mutex
	lastCleanup time.Time
	streaks     map[string]int
}

// New creates the claim engine.
func New(db *storage.Store, b *board.Board, reg *registry.Registry, gate *donegate.Gate, cfg *config.Config) *Engine {
	return &Engine{
		db:       db,
		board:    b,
		registry: reg,
		gate:     gate,
		cfg:      cfg,
		streaks:  make(map[string]int),
	}
}

// Result is a successful acquisition.
type Result struct {
	Task  types.Task  `json:"task"`
	Claim types.Claim `json:"claim"`
}

// NormalizeLease clamps a requested lease into the configured bounds,
// defaulting when unset.
func (e *Engine) NormalizeLease(seconds int64) int64 {
	if seconds <= 0 {
		seconds = e.cfg.LeaseDefaultSec
	}
	if seconds < e.cfg.LeaseMinSec {
		seconds = e.cfg.LeaseMinSec
	}
	if seconds > e.cfg.LeaseMaxSec {
		seconds = e.cfg.LeaseMaxSec
	}
	return seconds
}

// PollAndClaim selects the best ready pending task compatible with the
// agent's workspace mode and claims it. A nil Result with nil error
// means no claimable task; callers should retry after the advisory
// backoff.
func (e *Engine) PollAndClaim(agentID string, leaseSec int64, namespace string) (*Result, error) {
	if _, err := e.CleanupExpired(false); err != nil {
		return nil, err
	}

	agent, err := e.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	leaseSec = e.NormalizeLease(leaseSec)
	now := storage.NowMS()

	var result *Result
	err = e.db.WithTx(func(tx *sql.Tx) error {
		taskID, found, err := selectClaimable(tx, agent.WorkspaceMode, namespace)
		if err != nil || !found {
			return err
		}
		res, err := e.acquire(tx, taskID, agentID, leaseSec, now)
		if err != nil {
			return err
		}
		result = res
		if result != nil {
			return storage.LogActivity(tx, "poll_and_claim", agentID, taskID, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.noteOutcome(agentID, result != nil)
	if result == nil {
		metrics.EmptyPolls.Inc()
	} else {
		metrics.TasksClaimed.Inc()
	}
	if result != nil {
		log.WithTaskID(result.Task.ID).Info().
			Str("component", "claims").
			Str("agent_id", agentID).
			Int64("lease_sec", leaseSec).
			Msg("task claimed")
	}
	return result, nil
}

// ClaimTask claims one named task, reporting precisely why it cannot be
// claimed. Re-claiming an owned task refreshes the lease under a new
// claim id.
func (e *Engine) ClaimTask(taskID int64, agentID string, leaseSec int64, namespace string) (*Result, error) {
	if _, err := e.CleanupExpired(false); err != nil {
		return nil, err
	}
	agent, err := e.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	leaseSec = e.NormalizeLease(leaseSec)
	now := storage.NowMS()

	var result *Result
	err = e.db.WithTx(func(tx *sql.Tx) error {
		task, err := getTaskRow(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status == types.TaskDone {
			return types.NewErrorf(types.CodeTaskAlreadyDone, "task %d is already done", taskID)
		}
		if namespace != "" && task.Namespace != board.NormalizeNamespace(namespace) {
			return types.NewErrorf(types.CodeNamespaceMismatch, "task %d belongs to namespace %q", taskID, task.Namespace).
				WithDetail("task_namespace", task.Namespace)
		}
		if !ModeCompatible(agent.WorkspaceMode, task.ExecutionMode) {
			return types.NewErrorf(types.CodeProfileMismatch, "agent workspace %q cannot run execution mode %q", agent.WorkspaceMode, task.ExecutionMode).
				WithDetail("execution_mode", string(task.ExecutionMode)).
				WithDetail("workspace_mode", string(agent.WorkspaceMode))
		}

		unmet, err := unmetDeps(tx, taskID)
		if err != nil {
			return err
		}
		if len(unmet) > 0 {
			return types.NewErrorf(types.CodeDependenciesNotMet, "task %d has %d unmet dependencies", taskID, len(unmet)).
				WithDetail("unmet_dependencies", unmet)
		}

		existing, err := getClaimRow(tx, taskID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.AgentID == agentID {
				// Re-claim idempotency: refresh the lease under a fresh
				// claim id, conditional on still owning the old one.
				refreshed, err := refreshClaim(tx, existing, leaseSec, now)
				if err != nil {
					return err
				}
				result = &Result{Task: *task, Claim: *refreshed}
				return storage.LogActivity(tx, "claim", agentID, taskID, "refresh")
			}
			if existing.LeaseExpiresAt > now {
				return types.NewErrorf(types.CodeAlreadyClaimed, "task %d is claimed by %q", taskID, existing.AgentID).
					WithDetail("current_claim", existing)
			}
			// Expired claim held by another agent: clear it and take over.
			if err := revertExpiredClaim(tx, taskID, existing.AgentID, now); err != nil {
				return err
			}
		}

		res, err := e.acquire(tx, taskID, agentID, leaseSec, now)
		if err != nil {
			return err
		}
		if res == nil {
			current, err := getClaimRow(tx, taskID)
			if err != nil {
				return err
			}
			herr := types.NewErrorf(types.CodeAlreadyClaimed, "task %d was claimed concurrently", taskID)
			if current != nil {
				herr = herr.WithDetail("current_claim", current)
			}
			return herr
		}
		result = res
		return storage.LogActivity(tx, "claim", agentID, taskID, "")
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Renew extends an owned lease. The new expiry never regresses.
func (e *Engine) Renew(taskID int64, agentID string, leaseSec int64, expectedClaimID string) (*types.Claim, error) {
	leaseSec = e.NormalizeLease(leaseSec)
	now := storage.NowMS()

	var claim *types.Claim
	err := e.db.WithTx(func(tx *sql.Tx) error {
		existing, err := getClaimRow(tx, taskID)
		if err != nil {
			return err
		}
		if existing == nil {
			return types.NewErrorf(types.CodeClaimExpired, "no claim on task %d", taskID)
		}
		if existing.AgentID != agentID {
			return types.NewErrorf(types.CodeNotClaimOwner, "claim on task %d is owned by %q", taskID, existing.AgentID)
		}
		if expectedClaimID != "" && expectedClaimID != existing.ClaimID {
			return types.NewErrorf(types.CodeClaimIDMismatch, "claim id changed for task %d", taskID).
				WithDetail("current_claim_id", existing.ClaimID)
		}

		expiry := now + leaseSec*1000
		if expiry < existing.LeaseExpiresAt {
			expiry = existing.LeaseExpiresAt
		}
		res, err := tx.Exec(
			"UPDATE task_claims SET lease_expires_at = ?, updated_at = ? WHERE task_id = ? AND claim_id = ?",
			expiry, now, taskID, existing.ClaimID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return types.NewErrorf(types.CodeClaimStolen, "claim on task %d changed while renewing", taskID)
		}

		existing.LeaseExpiresAt = expiry
		existing.UpdatedAt = now
		claim = existing
		return storage.LogActivity(tx, "renew", agentID, taskID, "")
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// ReleaseInput carries a release call; the done-gate fields only matter
// when NextStatus is done.
type ReleaseInput struct {
	TaskID          int64
	AgentID         string
	NextStatus      types.TaskStatus
	ExpectedClaimID string

	ConsistencyOverride types.ConsistencyMode
	Confidence          float64
	VerificationPassed  bool
	VerifiedBy          string
	EvidenceRefs        []string
}

// Release drops the caller's claim and moves the task to the requested
// status (default pending). Completion routes through the done gate and
// keeps the assignment for attribution; every other status clears it.
func (e *Engine) Release(in ReleaseInput) (*types.Task, error) {
	if in.NextStatus == "" {
		in.NextStatus = types.TaskPending
	}
	switch in.NextStatus {
	case types.TaskPending, types.TaskDone, types.TaskBlocked:
	default:
		return nil, types.NewErrorf(types.CodeInvalidPayload, "invalid next status %q", in.NextStatus)
	}

	now := storage.NowMS()
	var task *types.Task
	err := e.db.WithTx(func(tx *sql.Tx) error {
		existing, err := getClaimRow(tx, in.TaskID)
		if err != nil {
			return err
		}
		if existing == nil {
			return types.NewErrorf(types.CodeClaimExpired, "no claim on task %d", in.TaskID)
		}
		if existing.AgentID != in.AgentID {
			return types.NewErrorf(types.CodeNotClaimOwner, "claim on task %d is owned by %q", in.TaskID, existing.AgentID)
		}
		if in.ExpectedClaimID != "" && in.ExpectedClaimID != existing.ClaimID {
			return types.NewErrorf(types.CodeClaimIDMismatch, "claim id changed for task %d", in.TaskID).
				WithDetail("current_claim_id", existing.ClaimID)
		}

		current, err := getTaskRow(tx, in.TaskID)
		if err != nil {
			return err
		}

		if in.NextStatus == types.TaskDone {
			if err := e.passDoneGate(tx, current, in); err != nil {
				return err
			}
		}

		assigned := any(nil)
		if in.NextStatus == types.TaskDone {
			assigned = in.AgentID
		}
		if _, err := tx.Exec(
			"UPDATE tasks SET status = ?, assigned_to = ?, updated_at = ? WHERE id = ?",
			string(in.NextStatus), assigned, now, in.TaskID,
		); err != nil {
			return err
		}
		if current.Status != in.NextStatus {
			if _, err := tx.Exec(
				"INSERT INTO task_status_history (task_id, from_status, to_status, changed_by, source, created_at) VALUES (?, ?, ?, ?, 'release', ?)",
				in.TaskID, string(current.Status), string(in.NextStatus), in.AgentID, now,
			); err != nil {
				return err
			}
		}
		if in.NextStatus == types.TaskDone {
			if err := e.registry.RecordCompletion(tx, in.AgentID); err != nil {
				return err
			}
		}

		if _, err := tx.Exec("DELETE FROM task_claims WHERE task_id = ?", in.TaskID); err != nil {
			return err
		}
		task, err = getTaskRow(tx, in.TaskID)
		if err != nil {
			return err
		}
		return storage.LogActivity(tx, "release", in.AgentID, in.TaskID, string(in.NextStatus))
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (e *Engine) passDoneGate(tx *sql.Tx, task *types.Task, in ReleaseInput) error {
	mode := e.gate.ResolveMode(in.ConsistencyOverride, task.ConsistencyMode, task.Priority)
	quality, err := e.registry.Quality(in.AgentID)
	if err != nil {
		return err
	}
	existing, err := listEvidence(tx, in.TaskID)
	if err != nil {
		return err
	}
	refs, err := e.gate.Evaluate(donegate.Input{
		TaskID:             in.TaskID,
		AgentID:            in.AgentID,
		Mode:               mode,
		Confidence:         in.Confidence,
		VerificationPassed: in.VerificationPassed,
		VerifiedBy:         in.VerifiedBy,
		EvidenceRefs:       in.EvidenceRefs,
		Quality:            quality,
		ExistingEvidence:   existing,
	})
	if err != nil {
		return err
	}
	_, err = e.board.AddEvidence(tx, in.TaskID, refs)
	return err
}

// CleanupExpired reverts every in-progress task whose lease ran out back
// to pending and deletes the stale claim rows. Unforced calls are
// throttled.
func (e *Engine) CleanupExpired(force bool) (int, error) {
	e.mu.Lock()
	if !force && time.Since(e.lastCleanup) < cleanupThrottle {
		e.mu.Unlock()
		return 0, nil
	}
	e.lastCleanup = time.Now()
	e.mu.Unlock()

	now := storage.NowMS()
	reverted := 0
	err := e.db.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			"SELECT task_id, agent_id FROM task_claims WHERE lease_expires_at <= ?", now,
		)
		if err != nil {
			return err
		}
		type stale struct {
			taskID  int64
			agentID string
		}
		var expired []stale
		for rows.Next() {
			var s stale
			if err := rows.Scan(&s.taskID, &s.agentID); err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, s := range expired {
			if err := revertExpiredClaim(tx, s.taskID, s.agentID, now); err != nil {
				return err
			}
			reverted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if reverted > 0 {
		metrics.LeasesExpired.Add(float64(reverted))
		log.WithComponent("claims").Info().Int("count", reverted).Msg("expired stale claims")
	}
	return reverted, nil
}

// ListClaims returns claims, optionally only active ones.
func (e *Engine) ListClaims(activeOnly bool) ([]types.Claim, error) {
	query := "SELECT task_id, agent_id, claim_id, claimed_at, lease_expires_at, updated_at FROM task_claims"
	args := []any{}
	if activeOnly {
		query += " WHERE lease_expires_at > ?"
		args = append(args, storage.NowMS())
	}
	query += " ORDER BY task_id"

	rows, err := e.db.DB().Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Claim
	for rows.Next() {
		var c types.Claim
		if err := rows.Scan(&c.TaskID, &c.AgentID, &c.ClaimID, &c.ClaimedAt, &c.LeaseExpiresAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ModeCompatible reports whether an agent workspace can take a task
// execution mode: repo agents run any/repo, isolated agents run
// any/isolated, unknown agents only run any.
func ModeCompatible(workspace types.WorkspaceMode, exec types.ExecutionMode) bool {
	switch workspace {
	case types.WorkspaceRepo:
		return exec == types.ExecAny || exec == types.ExecRepo
	case types.WorkspaceIsolated:
		return exec == types.ExecAny || exec == types.ExecIsolated
	default:
		return exec == types.ExecAny
	}
}

// acquire performs the conditional assignment and claim insert. A nil
// result with nil error means another agent won the race.
func (e *Engine) acquire(tx *sql.Tx, taskID int64, agentID string, leaseSec, now int64) (*Result, error) {
	res, err := tx.Exec(
		"UPDATE tasks SET assigned_to = ?, status = 'in_progress', updated_at = ? WHERE id = ? AND status = 'pending' AND assigned_to IS NULL",
		agentID, now, taskID,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	claim := types.Claim{
		TaskID:         taskID,
		AgentID:        agentID,
		ClaimID:        uuid.NewString(),
		ClaimedAt:      now,
		LeaseExpiresAt: now + leaseSec*1000,
		UpdatedAt:      now,
	}
	if _, err := tx.Exec(
		"INSERT INTO task_claims (task_id, agent_id, claim_id, claimed_at, lease_expires_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		claim.TaskID, claim.AgentID, claim.ClaimID, claim.ClaimedAt, claim.LeaseExpiresAt, claim.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.Exec(
		"INSERT INTO task_status_history (task_id, from_status, to_status, changed_by, source, created_at) VALUES (?, 'pending', 'in_progress', ?, 'claim', ?)",
		taskID, agentID, now,
	); err != nil {
		return nil, err
	}

	task, err := getTaskRow(tx, taskID)
	if err != nil {
		return nil, err
	}
	return &Result{Task: *task, Claim: claim}, nil
}

func refreshClaim(tx *sql.Tx, existing *types.Claim, leaseSec, now int64) (*types.Claim, error) {
	next := *existing
	next.ClaimID = uuid.NewString()
	next.LeaseExpiresAt = now + leaseSec*1000
	next.UpdatedAt = now
	if next.LeaseExpiresAt < existing.LeaseExpiresAt {
		next.LeaseExpiresAt = existing.LeaseExpiresAt
	}

	res, err := tx.Exec(
		"UPDATE task_claims SET claim_id = ?, lease_expires_at = ?, updated_at = ? WHERE task_id = ? AND claim_id = ?",
		next.ClaimID, next.LeaseExpiresAt, next.UpdatedAt, existing.TaskID, existing.ClaimID,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, types.NewErrorf(types.CodeClaimStolen, "claim on task %d changed while refreshing", existing.TaskID)
	}
	return &next, nil
}

// revertExpiredClaim returns the task to the pool and drops the claim.
func revertExpiredClaim(tx *sql.Tx, taskID int64, agentID string, now int64) error {
	res, err := tx.Exec(
		"UPDATE tasks SET status = 'pending', assigned_to = NULL, updated_at = ? WHERE id = ? AND status = 'in_progress' AND assigned_to = ?",
		now, taskID, agentID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		if _, err := tx.Exec(
			"INSERT INTO task_status_history (task_id, from_status, to_status, changed_by, source, created_at) VALUES (?, 'in_progress', 'pending', ?, 'lease_expired', ?)",
			taskID, agentID, now,
		); err != nil {
			return err
		}
	}
	_, err = tx.Exec("DELETE FROM task_claims WHERE task_id = ?", taskID)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}
