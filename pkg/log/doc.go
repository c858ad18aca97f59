/*
Package log provides structured logging for the orchestrator built on zerolog.

Init configures the global logger once at boot (console output for local
development, JSON for production). Components obtain child loggers carrying
a stable component field:

	logger := log.WithComponent("manager")
	logger.Info().Str("session_id", id).Msg("session created")
*/
package log
