/*
Package board implements the shared task board: task CRUD, the
dependency DAG, append-only status history and evidence sets, delta
listings, and TTL-driven archival into a separate table.
*/
package board
