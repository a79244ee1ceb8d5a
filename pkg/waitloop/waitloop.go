package waitloop

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/watermark"
)

// retryBaseMS anchors the timeout backoff curve.
const retryBaseMS = 1000

// Loop is the long-poll surface over the watermark oracle. It keeps a
// per-agent miss streak so idle observers back off while active ones
// stay snappy.
type Loop struct {
	oracle *watermark.Oracle
	cfg    *config.Config

	mu      sync.Mutex
	streaks map[string]int
}

// New creates the wait loop.
func New(oracle *watermark.Oracle, cfg *config.Config) *Loop {
	return &Loop{oracle: oracle, cfg: cfg, streaks: make(map[string]int)}
}

// Request is one waitForUpdates call.
type Request struct {
	Streams        []string
	Cursor         string
	WaitMS         int64
	PollIntervalMS int64
	AdaptiveRetry  bool

	// Per-stream since fallbacks, used when no cursor is given.
	MessagesSinceTS *int64
	TasksSinceTS    *int64
	ContextSinceTS  *int64
	ActivitySinceTS *int64
}

// Response reports the poll outcome with the cursor to carry forward.
type Response struct {
	Changed       bool                 `json:"changed"`
	Streams       []string             `json:"streams,omitempty"`
	Cursor        string               `json:"cursor"`
	Watermarks    watermark.Watermarks `json:"watermarks"`
	ElapsedMS     int64                `json:"elapsed_ms"`
	RetryAfterMS  int64                `json:"retry_after_ms,omitempty"`
	WaitedStreams []string             `json:"waited_streams"`
	PerStream     map[string]bool      `json:"per_stream,omitempty"`
}

// Wait blocks until a watched stream advances past the caller's cursor
// or the clamped wait window elapses. ctx cancellation returns the
// current state early.
func (l *Loop) Wait(ctx context.Context, agentID string, req Request) (*Response, error) {
	streams, err := watermark.ValidateStreams(req.Streams)
	if err != nil {
		return nil, err
	}

	waitMS := clamp64(req.WaitMS, 100, l.cfg.MaxWaitMS, l.cfg.MaxWaitMS)
	pollMS := clamp64(req.PollIntervalMS, 100, 2000, 250)

	prev, err := l.baseline(agentID, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	deadline := start.Add(time.Duration(waitMS) * time.Millisecond)
	for {
		sample, err := l.oracle.Sample(agentID, watermark.Fallback{})
		if err != nil {
			return nil, err
		}
		if changed := sample.Changed(prev, streams); len(changed) > 0 {
			l.resetStreak(agentID)
			return l.respond(sample, streams, changed, start, 0), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			retry := int64(0)
			if req.AdaptiveRetry {
				retry = l.bumpStreak(agentID)
			}
			return l.respond(sample, streams, nil, start, retry), nil
		}

		sleep := time.Duration(pollMS) * time.Millisecond
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			retry := int64(0)
			if req.AdaptiveRetry {
				retry = l.bumpStreak(agentID)
			}
			return l.respond(sample, streams, nil, start, retry), nil
		case <-time.After(sleep):
		}
	}
}

// Snapshot samples the watermarks without blocking.
func (l *Loop) Snapshot(agentID string) (*Response, error) {
	sample, err := l.oracle.Sample(agentID, watermark.Fallback{})
	if err != nil {
		return nil, err
	}
	return &Response{
		Cursor:        watermark.EncodeCursor(sample),
		Watermarks:    sample,
		WaitedStreams: watermark.AllStreams,
	}, nil
}

// baseline derives the comparison point: the caller's cursor, else the
// per-stream since fallbacks, else the current sample.
func (l *Loop) baseline(agentID string, req Request) (watermark.Watermarks, error) {
	if req.Cursor != "" {
		return watermark.DecodeCursor(req.Cursor)
	}
	fb := watermark.Fallback{
		Messages: req.MessagesSinceTS,
		Tasks:    req.TasksSinceTS,
		Context:  req.ContextSinceTS,
		Activity: req.ActivitySinceTS,
	}
	return l.oracle.Sample(agentID, fb)
}

func (l *Loop) respond(sample watermark.Watermarks, streams, changed []string, start time.Time, retry int64) *Response {
	resp := &Response{
		Changed:       len(changed) > 0,
		Streams:       changed,
		Cursor:        watermark.EncodeCursor(sample),
		Watermarks:    sample,
		ElapsedMS:     time.Since(start).Milliseconds(),
		RetryAfterMS:  retry,
		WaitedStreams: streams,
	}
	resp.PerStream = make(map[string]bool, len(streams))
	changedSet := make(map[string]bool, len(changed))
	for _, s := range changed {
		changedSet[s] = true
	}
	for _, s := range streams {
		resp.PerStream[s] = changedSet[s]
	}
	return resp
}

func (l *Loop) resetStreak(agentID string) {
	l.mu.Lock()
	delete(l.streaks, agentID)
	l.mu.Unlock()
}

// bumpStreak advances the agent's miss streak and returns the jittered
// retry advisory for it.
func (l *Loop) bumpStreak(agentID string) int64 {
	l.mu.Lock()
	l.streaks[agentID]++
	streak := l.streaks[agentID]
	l.mu.Unlock()

	exp := streak - 1
	if exp > 10 {
		exp = 10
	}
	retry := int64(retryBaseMS * math.Pow(l.cfg.RetryBackoffBase, float64(exp)))
	if retry > l.cfg.RetryBackoffCapMS {
		retry = l.cfg.RetryBackoffCapMS
	}
	if pct := l.cfg.RetryJitterPct; pct > 0 {
		jitter := 1 + float64(pct)/100*(2*rand.Float64()-1)
		retry = int64(float64(retry) * jitter)
	}
	if retry < 100 {
		retry = 100
	}
	return retry
}

func clamp64(v, lo, hi, def int64) int64 {
	if v <= 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
