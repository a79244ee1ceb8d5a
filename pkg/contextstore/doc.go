// Package contextstore holds the shared per-agent key/value context
// with namespace scoping and delta reads.
package contextstore
