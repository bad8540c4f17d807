// Package logger provides the global structured logger for Intake.
//
// All long-lived components (engine, poller, session manager, adapters)
// take a *zap.SugaredLogger in their constructor; this package only owns
// initialization and the process-wide default.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the global logger instance.
var Logger *zap.SugaredLogger

func init() {
	// Safe no-op logger at package load time so early callers never panic.
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger.
//
// jsonOutput selects JSON structured output for machine consumption;
// otherwise a human-readable console encoder is used. debug lowers the
// level to Debug.
func Initialize(jsonOutput, debug bool) error {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	var core zapcore.Core
	if jsonOutput {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core = zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(os.Stdout), level)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stdout), level)
	}

	Logger = zap.New(core).Sugar()
	return nil
}

// Named returns a child of the global logger with the given name attached.
// Components use this to tag their log lines ("poller", "session", "slack").
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// WithSource returns a child logger carrying the source id, so every line
// emitted on behalf of a configured source is attributable.
func WithSource(log *zap.SugaredLogger, sourceID string) *zap.SugaredLogger {
	return log.With("source_id", sourceID)
}

// Cleanup flushes any buffered log entries.
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
