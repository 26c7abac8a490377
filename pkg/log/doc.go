/*
Package log provides structured logging for almsync using zerolog.

A single global Logger is configured once at startup with Init. Components
never log through the global directly: the binary derives a child logger
per component with WithComponent and hands it to the constructor, so tests
can pass zerolog.Nop().

# Usage

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	logger := log.WithComponent("lifecycle")
	entity := log.WithEntity(logger, "Issue", issueID)
	entity.Info().Str("remote_key", key).Msg("Remote record linked")

# Fields

Every sync-related line carries the same field names so that one entity's
history can be followed across components:

	component     lifecycle, dispatcher, upsert, materializer, api, ...
	kind          Requirement or Issue
	local_id      warehouse id of the entity
	remote_key    tracker key, once known
	attempt       transport delivery attempt
	class         transient, permanent, stale or storage

# Levels

Warnings mark recoverable conditions: a missing compliance score, a failed
publish, a failed link, an unknown envelope kind, a dead-lettered envelope.
Errors are reserved for permanent tracker failures, which need an operator.

Console output is the default. Set JSONOutput for log shippers.
*/
package log
