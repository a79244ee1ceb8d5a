package claims

import (
	"database/sql"
	"math"
	"math/rand"

	"github.com/agenthub/hive/pkg/storage"
)

// backoffTier scales the empty-poll retry advisory with swarm size.
type backoffTier struct {
	maxAgents int
	baseMS    int64
	factor    float64
	capMS     int64
	jitterPct float64
}

var backoffTiers = []backoffTier{
	{maxAgents: 5, baseMS: 800, factor: 1.30, capMS: 3000, jitterPct: 0.30},
	{maxAgents: 10, baseMS: 1200, factor: 1.45, capMS: 5000, jitterPct: 0.40},
	{maxAgents: 20, baseMS: 2000, factor: 1.60, capMS: 8000, jitterPct: 0.55},
	{maxAgents: math.MaxInt, baseMS: 2600, factor: 1.70, capMS: 12000, jitterPct: 0.60},
}

// activeWorkCapMS caps the advisory while any claim is active: tasks
// finishing soon may unblock work, so idle agents stay responsive.
const activeWorkCapMS = 5000

// noteOutcome tracks the per-agent consecutive empty-poll streak.
func (e *Engine) noteOutcome(agentID string, claimed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if claimed {
		delete(e.streaks, agentID)
		return
	}
	e.streaks[agentID]++
}

// RetryAdvice returns how long the agent should wait before polling
// again, in milliseconds. The curve grows with the agent's miss streak
// and the size of the active swarm, with random jitter to spread herds.
func (e *Engine) RetryAdvice(agentID string) (int64, error) {
	e.mu.Lock()
	misses := e.streaks[agentID]
	e.mu.Unlock()
	if misses < 1 {
		misses = 1
	}

	active, err := e.registry.ActiveAgentCount(5 * 60 * 1000)
	if err != nil {
		return 0, err
	}
	tier := backoffTiers[len(backoffTiers)-1]
	for _, t := range backoffTiers {
		if active <= t.maxAgents {
			tier = t
			break
		}
	}

	exp := misses - 1
	if exp > 6 {
		exp = 6
	}
	wait := int64(float64(tier.baseMS) * math.Pow(tier.factor, float64(exp)))
	if wait > tier.capMS {
		wait = tier.capMS
	}

	busy, err := e.anyActiveClaim()
	if err != nil {
		return 0, err
	}
	if busy && wait > activeWorkCapMS {
		wait = activeWorkCapMS
	}

	jitter := 1 + tier.jitterPct*(2*rand.Float64()-1)
	wait = int64(float64(wait) * jitter)
	if wait < 100 {
		wait = 100
	}
	return wait, nil
}

func (e *Engine) anyActiveClaim() (bool, error) {
	var one int
	err := e.db.DB().QueryRow(
		"SELECT 1 FROM task_claims WHERE lease_expires_at > ? LIMIT 1", storage.NowMS(),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
