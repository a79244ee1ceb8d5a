/*
Package waitloop is the long-poll surface: it watches the stream
watermarks for an agent until one advances past the caller's cursor,
hands back a new cursor, and advises a backoff when nothing moved.
*/
package waitloop
