package observability

import (
	"log/slog"
	"time"
)

// All logging helpers are nil-safe: a nil logger disables logging
// without branches at every call site.

// EnrichLogger adds engine context to a logger.
func EnrichLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String("component", component))
}

// LogEngineStart logs the start of the consumer loop.
func LogEngineStart(logger *slog.Logger, capacity int, pollPolicy string) {
	if logger == nil {
		return
	}
	logger.Info("engine starting",
		slog.Int("buffer_capacity", capacity),
		slog.String("poll_policy", pollPolicy),
	)
}

// LogEngineStop logs engine shutdown with the drain result.
func LogEngineStop(logger *slog.Logger, drained int, elapsed time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("engine stopped",
		slog.Int("drained_events", drained),
		slog.Duration("elapsed", elapsed),
	)
}

// LogEngineFatal logs an invariant violation that halts ingestion.
func LogEngineFatal(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Error("engine halted on invariant violation",
		slog.String("error", err.Error()),
	)
}

// LogStageError logs a contained per-event stage failure.
func LogStageError(logger *slog.Logger, stage string, sourceID uint32, seqNo uint64, err error) {
	if logger == nil {
		return
	}
	logger.Warn("stage failed, event dropped",
		slog.String("stage", stage),
		slog.Uint64("source_id", uint64(sourceID)),
		slog.Uint64("seq_no", seqNo),
		slog.String("error", err.Error()),
	)
}

// LogPluginLoaded logs a successful plugin load.
func LogPluginLoaded(logger *slog.Logger, name string, abiVersion int32, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Info("plugin loaded",
		slog.String("plugin", name),
		slog.Int("abi_version", int(abiVersion)),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogPluginUnloaded logs a plugin unload or replacement.
func LogPluginUnloaded(logger *slog.Logger, name string) {
	if logger == nil {
		return
	}
	logger.Info("plugin unloaded", slog.String("plugin", name))
}

// LogRouteChange logs a route table mutation.
func LogRouteChange(logger *slog.Logger, op string, sourceID uint32, channel string) {
	if logger == nil {
		return
	}
	logger.Info("route table updated",
		slog.String("op", op),
		slog.Uint64("source_id", uint64(sourceID)),
		slog.String("channel", channel),
	)
}

// LogConfigReload logs a configuration file reload.
func LogConfigReload(logger *slog.Logger, path string, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("config reload failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("config reloaded", slog.String("path", path))
}

// TimedOperation measures the duration of an operation. Returns a
// function that, when called, returns the elapsed time.
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
