package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/agenthub/hive/pkg/log"
	"github.com/agenthub/hive/pkg/metrics"
	"github.com/agenthub/hive/pkg/types"
	"github.com/agenthub/hive/pkg/waitloop"
	"github.com/agenthub/hive/pkg/watermark"
)

const (
	ssePollDefaultMS = 250
	ssePollMinMS     = 100
	ssePollMaxMS     = 2000
	sseHeartbeat     = 15 * time.Second
)

// handleEvents is the streaming transport: a hello event with the
// current cursor, an update event whenever a watched stream advances,
// and heartbeats to keep proxies from severing idle sessions.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	agentID, err := s.hub.AuthorizeSession(q.Get("agent_id"), q.Get("auth_token"), "events")
	if err != nil {
		he := types.AsError(err)
		writeArtifactError(w, statusForCode(he.Code), he.Code, he.Message)
		return
	}
	streams, err := watermark.ValidateStreams(splitParam(q.Get("streams")))
	if err != nil {
		writeArtifactError(w, http.StatusBadRequest, types.CodeStreamsInvalid, err.Error())
		return
	}
	pollInterval := time.Duration(ssePollMS(q.Get("poll_ms"))) * time.Millisecond
	shape := q.Get("response_mode")

	prev, err := s.hub.Oracle.Sample(agentID, watermark.Fallback{})
	if err != nil {
		writeArtifactError(w, http.StatusInternalServerError, "INTERNAL", "watermark sample failed")
		return
	}
	if cursor := q.Get("cursor"); cursor != "" {
		decoded, err := watermark.DecodeCursor(cursor)
		if err != nil {
			writeArtifactError(w, http.StatusBadRequest, types.CodeCursorInvalid, err.Error())
			return
		}
		prev = decoded
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.hub.SSEStreams.Add(1)
	metrics.SSESessions.Inc()
	defer func() {
		s.hub.SSEStreams.Add(-1)
		metrics.SSESessions.Dec()
	}()
	log.WithComponent("api").Info().Str("agent_id", agentID).Msg("sse session opened")

	opened := time.Now()
	writeSSE(w, "hello", map[string]any{
		"cursor":     watermark.EncodeCursor(prev),
		"streams":    streams,
		"watermarks": prev,
	})
	flusher.Flush()

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.WithComponent("api").Debug().Str("agent_id", agentID).Msg("sse session closed")
			return
		case <-heartbeat.C:
			writeSSE(w, "heartbeat", map[string]any{"ts": time.Now().UnixMilli()})
			flusher.Flush()
		case <-poll.C:
			sample, err := s.hub.Oracle.Sample(agentID, watermark.Fallback{})
			if err != nil {
				log.WithComponent("api").Warn().Err(err).Msg("sse watermark sample failed")
				continue
			}
			changed := sample.Changed(prev, streams)
			if len(changed) == 0 {
				continue
			}
			prev = sample
			writeSSE(w, "update", waitloop.Shape(&waitloop.Response{
				Changed:    true,
				Streams:    changed,
				Cursor:     watermark.EncodeCursor(sample),
				Watermarks: sample,
				ElapsedMS:  time.Since(opened).Milliseconds(),
			}, shape))
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n"))
}

// ssePollMS clamps the requested poll interval like the long-poll's.
func ssePollMS(raw string) int64 {
	if raw == "" {
		return ssePollDefaultMS
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return ssePollDefaultMS
	}
	if n < ssePollMinMS {
		return ssePollMinMS
	}
	if n > ssePollMaxMS {
		return ssePollMaxMS
	}
	return n
}

func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
