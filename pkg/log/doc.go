/*
Package log provides structured logging for the hive hub using zerolog.

The package wraps zerolog behind a global logger initialized once via
log.Init, with JSON output for production and a console writer for
development. Component loggers (log.WithComponent) attach a stable
component field so scheduler, maintenance and API logs can be filtered
independently.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	claimLog := log.WithComponent("claims")
	claimLog.Info().Int64("task_id", id).Str("agent_id", agent).Msg("claim acquired")
*/
package log
