package watermark

import (
	"strconv"
	"strings"

	"github.com/agenthub/hive/pkg/types"
)

// Stream names, in cursor position order.
const (
	StreamMessages = "messages"
	StreamTasks    = "tasks"
	StreamContext  = "context"
	StreamActivity = "activity"
)

// AllStreams lists every stream in cursor order.
var AllStreams = []string{StreamMessages, StreamTasks, StreamContext, StreamActivity}

// Watermarks holds the four per-stream monotonic timestamps (epoch ms).
type Watermarks struct {
	Messages int64 `json:"messages"`
	Tasks    int64 `json:"tasks"`
	Context  int64 `json:"context"`
	Activity int64 `json:"activity"`
}

// Get returns the value for a stream name.
func (w Watermarks) Get(stream string) int64 {
	switch stream {
	case StreamMessages:
		return w.Messages
	case StreamTasks:
		return w.Tasks
	case StreamContext:
		return w.Context
	case StreamActivity:
		return w.Activity
	}
	return 0
}

// Changed returns the streams where w advanced past prev.
func (w Watermarks) Changed(prev Watermarks, streams []string) []string {
	var out []string
	for _, s := range streams {
		if w.Get(s) > prev.Get(s) {
			out = append(out, s)
		}
	}
	return out
}

// EncodeCursor renders the four watermarks as base-36 integers joined by
// dots. This is the only cursor shape the long-poll surface accepts.
func EncodeCursor(w Watermarks) string {
	parts := [4]string{
		strconv.FormatInt(w.Messages, 36),
		strconv.FormatInt(w.Tasks, 36),
		strconv.FormatInt(w.Context, 36),
		strconv.FormatInt(w.Activity, 36),
	}
	return strings.Join(parts[:], ".")
}

// DecodeCursor parses a cursor produced by EncodeCursor. Any other shape
// is rejected with CURSOR_INVALID.
func DecodeCursor(cursor string) (Watermarks, error) {
	parts := strings.Split(cursor, ".")
	if len(parts) != 4 {
		return Watermarks{}, types.NewErrorf(types.CodeCursorInvalid, "cursor must have 4 segments, got %d", len(parts))
	}
	var vals [4]int64
	for i, p := range parts {
		// Only canonical lowercase segments are accepted, so a decoded
		// cursor always re-encodes to the same string.
		if p == "" || !isLowerBase36(p) {
			return Watermarks{}, types.NewError(types.CodeCursorInvalid, "cursor segment malformed")
		}
		n, err := strconv.ParseInt(p, 36, 64)
		if err != nil {
			return Watermarks{}, types.NewErrorf(types.CodeCursorInvalid, "cursor segment %d not base-36", i)
		}
		vals[i] = n
	}
	return Watermarks{Messages: vals[0], Tasks: vals[1], Context: vals[2], Activity: vals[3]}, nil
}

func isLowerBase36(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

// ValidateStreams normalizes a requested stream list. An empty request
// selects all streams; unknown names fail with STREAMS_INVALID.
func ValidateStreams(streams []string) ([]string, error) {
	if len(streams) == 0 {
		return AllStreams, nil
	}
	seen := make(map[string]bool, len(streams))
	var out []string
	for _, s := range streams {
		name := strings.ToLower(strings.TrimSpace(s))
		switch name {
		case StreamMessages, StreamTasks, StreamContext, StreamActivity:
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		default:
			return nil, types.NewErrorf(types.CodeStreamsInvalid, "unknown stream %q", s)
		}
	}
	return out, nil
}
