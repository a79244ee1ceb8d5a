// Package api is the HTTP transport: a JSON-RPC tool endpoint, a
// server-sent-events stream over the watermark oracle, the ticketed
// artifact side channel, and the health and metrics endpoints.
package api
