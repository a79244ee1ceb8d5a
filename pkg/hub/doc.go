// Package hub is the tool surface of the coordination server. It wires
// the registry, board, claim scheduler, messaging, consensus, blob and
// artifact engines behind a single Dispatch entry point with auth,
// idempotent replay and uniform error envelopes.
package hub
