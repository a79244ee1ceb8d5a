/*
Package claims implements the lease-based task scheduler: atomic
poll-and-claim selection, targeted claims, monotonic lease renewal,
release with done-gate enforcement, stale-lease recovery, and the
adaptive retry advisory for empty polls.
*/
package claims
