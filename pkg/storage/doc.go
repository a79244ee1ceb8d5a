/*
Package storage provides the embedded relational store backing the hub.

A single SQLite database (modernc.org/sqlite, CGO-free) holds every
persisted collection. The store is opened with a single writable
connection so all transactions serialize through one writer, which is the
concurrency regime the rest of the hub assumes: races between concurrent
tool calls are decided by conditional UPDATE row counts, never by
application-level locking.

Schema creation is idempotent and runs at boot, followed by add-column
migrations for fields introduced after the initial layout. A migration
that cannot reconcile the on-disk schema fails with SCHEMA_MISMATCH.
*/
package storage
