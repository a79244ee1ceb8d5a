package watermark

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agenthub/hive/pkg/storage"
)

// Fallback lets a caller substitute per-stream values it already knows,
// skipping the recomputation of that stream.
type Fallback struct {
	Messages *int64
	Tasks    *int64
	Context  *int64
	Activity *int64
}

type sharedSample struct {
	tasks    int64
	context  int64
	activity int64
	takenAt  time.Time
}

type agentSample struct {
	messages int64
	takenAt  time.Time
}

// Oracle answers "what is the latest timestamp per stream" with bounded
// staleness. The three shared streams are cached under one freshness
// window; the per-agent message watermark lives in a bounded LRU so a
// hub with thousands of observers stays at O(cache) memory.
type Oracle struct {
	db         *storage.Store
	freshness  time.Duration
	mu         sync.Mutex
	shared     sharedSample
	agentCache *lru.Cache[string, agentSample]
}

// NewOracle builds an oracle with the given cache freshness (ms) and
// per-agent cache bound.
func NewOracle(db *storage.Store, freshnessMS int64, agentCacheMax int) (*Oracle, error) {
	if agentCacheMax <= 0 {
		agentCacheMax = 5000
	}
	cache, err := lru.New[string, agentSample](agentCacheMax)
	if err != nil {
		return nil, err
	}
	return &Oracle{
		db:         db,
		freshness:  time.Duration(freshnessMS) * time.Millisecond,
		agentCache: cache,
	}, nil
}

// Sample returns the current watermarks for agentID, recomputing only
// streams whose cached value is stale and that fb does not supply.
func (o *Oracle) Sample(agentID string, fb Fallback) (Watermarks, error) {
	now := time.Now()

	var w Watermarks
	if err := o.sampleShared(now, fb, &w); err != nil {
		return Watermarks{}, err
	}

	if fb.Messages != nil {
		w.Messages = *fb.Messages
		return w, nil
	}

	o.mu.Lock()
	cached, ok := o.agentCache.Get(agentID)
	o.mu.Unlock()
	if ok && now.Sub(cached.takenAt) <= o.freshness {
		w.Messages = cached.messages
		return w, nil
	}

	var messages int64
	err := o.db.DB().QueryRow(
		"SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE to_agent = ? OR to_agent IS NULL",
		agentID,
	).Scan(&messages)
	if err != nil {
		return Watermarks{}, err
	}
	o.mu.Lock()
	o.agentCache.Add(agentID, agentSample{messages: messages, takenAt: now})
	o.mu.Unlock()
	w.Messages = messages
	return w, nil
}

func (o *Oracle) sampleShared(now time.Time, fb Fallback, w *Watermarks) error {
	o.mu.Lock()
	fresh := now.Sub(o.shared.takenAt) <= o.freshness
	cached := o.shared
	o.mu.Unlock()

	needTasks := fb.Tasks == nil && !fresh
	needContext := fb.Context == nil && !fresh
	needActivity := fb.Activity == nil && !fresh

	if needTasks || needContext || needActivity {
		var tasks, contextTS, activity int64
		err := o.db.DB().QueryRow(`
			SELECT
			  (SELECT COALESCE(MAX(updated_at), 0) FROM tasks),
			  (SELECT COALESCE(MAX(updated_at), 0) FROM context),
			  (SELECT COALESCE(MAX(created_at), 0) FROM activity_log)`,
		).Scan(&tasks, &contextTS, &activity)
		if err != nil {
			return err
		}
		cached = sharedSample{tasks: tasks, context: contextTS, activity: activity, takenAt: now}
		o.mu.Lock()
		o.shared = cached
		o.mu.Unlock()
	}

	if fb.Tasks != nil {
		w.Tasks = *fb.Tasks
	} else {
		w.Tasks = cached.tasks
	}
	if fb.Context != nil {
		w.Context = *fb.Context
	} else {
		w.Context = cached.context
	}
	if fb.Activity != nil {
		w.Activity = *fb.Activity
	} else {
		w.Activity = cached.activity
	}
	return nil
}

// Invalidate drops every cached sample. The maintenance pass calls this
// after mutations that move watermark sources outside normal tool flow.
func (o *Oracle) Invalidate() {
	o.mu.Lock()
	o.shared = sharedSample{}
	o.agentCache.Purge()
	o.mu.Unlock()
}
