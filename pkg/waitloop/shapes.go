package waitloop

// Response shapes are content-preserving presentations tuned for token
// cost. Pollers pick one; the core Response stays structured.
const (
	ShapeNano    = "nano"
	ShapeMicro   = "micro"
	ShapeTiny    = "tiny"
	ShapeCompact = "compact"
	ShapeFull    = "full"
)

// Shape renders a response in the requested presentation. Unknown
// shapes fall back to compact.
func Shape(resp *Response, shape string) map[string]any {
	switch shape {
	case ShapeNano:
		out := map[string]any{"c": boolInt(resp.Changed), "u": resp.Cursor}
		if len(resp.Streams) > 0 {
			out["s"] = resp.Streams
		}
		if resp.RetryAfterMS > 0 {
			out["r"] = resp.RetryAfterMS
		}
		return out
	case ShapeMicro:
		out := map[string]any{"c": boolInt(resp.Changed), "u": resp.Cursor, "e": resp.ElapsedMS}
		if len(resp.Streams) > 0 {
			out["s"] = resp.Streams
		}
		if resp.RetryAfterMS > 0 {
			out["r"] = resp.RetryAfterMS
		}
		return out
	case ShapeTiny:
		out := map[string]any{"changed": resp.Changed, "cursor": resp.Cursor}
		if len(resp.Streams) > 0 {
			out["streams"] = resp.Streams
		}
		if resp.RetryAfterMS > 0 {
			out["retry_after_ms"] = resp.RetryAfterMS
		}
		return out
	case ShapeFull:
		return map[string]any{
			"changed":        resp.Changed,
			"streams":        resp.Streams,
			"cursor":         resp.Cursor,
			"watermarks":     resp.Watermarks,
			"elapsed_ms":     resp.ElapsedMS,
			"retry_after_ms": resp.RetryAfterMS,
			"waited_streams": resp.WaitedStreams,
			"per_stream":     resp.PerStream,
		}
	default:
		out := map[string]any{
			"changed":    resp.Changed,
			"cursor":     resp.Cursor,
			"watermarks": resp.Watermarks,
			"elapsed_ms": resp.ElapsedMS,
		}
		if len(resp.Streams) > 0 {
			out["streams"] = resp.Streams
		}
		if resp.RetryAfterMS > 0 {
			out["retry_after_ms"] = resp.RetryAfterMS
		}
		return out
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
