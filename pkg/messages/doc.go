/*
Package messages is the inbox: directed and broadcast delivery,
per-agent read marks kept apart from the rows so broadcasts stay
shared, and cursor-based delta reads.
*/
package messages
