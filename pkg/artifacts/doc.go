/*
Package artifacts manages the out-of-band binary side channel: artifact
metadata and shares in the database, bodies on disk, and single-use
in-memory tickets gating the HTTP upload and download endpoints.
*/
package artifacts
