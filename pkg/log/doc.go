/*
Package log provides structured logging for Drover using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initializing the logger:

	import "github.com/droverhq/drover/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stderr,
	})

Simple logging:

	log.Info("tick complete")
	log.Error("failed to reach store")

Structured logging:

	log.Logger.Info().
		Str("task_id", "task-123").
		Str("blueprint", "impl-1").
		Msg("task claimed")

Component loggers:

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Msg("starting tick")

	taskLog := log.WithTaskID("task-123")
	taskLog.Error().Err(err).Msg("step execution failed")

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at process start (cmd/drover)
  - Accessible from all packages without passing

Context Logger Pattern:
  - Create child loggers with context fields
  - WithComponent, WithTaskID, WithBlueprint, WithInstanceID
  - Automatically includes context in all logs

Because the scheduler runs as a short-lived tick under an external supervisor,
logs default to stderr so result files and CLI output stay clean on stdout.

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
