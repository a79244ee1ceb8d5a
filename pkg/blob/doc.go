/*
Package blob implements the content-addressed payload engine.

Payloads too large for an inbox message or context value are stored once
under their SHA-256 and referenced by a small JSON envelope
({"v":"caep-1","k":"blob","h":...,"c":...}). Stored values themselves may
be transparently brotli-compressed inside a lossless envelope whose
integrity declarations (raw char count and SHA-256) are verified on
decode. A blob survives garbage collection for as long as any message or
context value still contains a textual reference to its hash.
*/
package blob
