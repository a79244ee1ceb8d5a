/*
Package watermark tracks per-stream monotonic change timestamps used by
the long-poll and SSE surfaces.

Four streams exist: messages (scoped to the observing agent), tasks,
context, and activity. The oracle caches the three shared streams under a
bounded freshness window and keeps per-agent message watermarks in a
fixed-size LRU. Cursors are the four watermarks rendered base-36 and
joined by dots; the parser rejects any other shape.
*/
package watermark
