/*
Package types defines the core data structures used throughout the hive
coordination hub.

This package contains all fundamental types that represent the hub's domain
model: agents and their runtime profiles, tasks and dependency edges, claims
and leases, messages, shared context entries, content-addressed blobs,
consensus decisions, artifacts and share grants, SLO alerts, and the stable
error codes returned to callers.

All persisted timestamps are integer milliseconds since the Unix epoch so
that cursor encodings and watermark comparisons stay exact across the wire.
*/
package types
