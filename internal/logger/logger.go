package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Log is the process-wide logger, set by Init. Long-lived components
// that tag every record with a device or session id should derive a
// scoped logger with With instead of reading Log directly.
var Log *slog.Logger

// Init builds the process-wide logger from level/logFile and installs
// it as both Log and the slog default. cmd/tunneld and cmd/tunnel-agent
// call this once at startup for their single process-wide logger.
func Init(level string, logFile string) error {
	log, err := New(level, logFile)
	if err != nil {
		return err
	}
	Log = log
	slog.SetDefault(Log)
	return nil
}

// New builds a logger writing to stdout and, if logFile is non-empty,
// also appending to that file, without touching the package-level Log
// global. internal/agent, internal/signaling, and internal/relaybroker
// are handed a logger this way by their caller rather than reaching
// for the global, since a signaling or relay broker may want one
// logger per server instance.
func New(level, logFile string) (*slog.Logger, error) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelDebug
	}

	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Shorten time format
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	return slog.New(handler), nil
}

// With returns a child of base (or of Log, if base is nil) that
// carries the given attrs on every record it emits. The agent
// supervisor uses this to tag a device id onto everything it logs for
// the lifetime of one connection; the relay broker uses it to tag a
// session id onto one session's pump-task logs.
func With(base *slog.Logger, args ...any) *slog.Logger {
	if base == nil {
		base = Log
	}
	return base.With(args...)
}

// Debug logs at debug level on the process-wide logger.
func Debug(msg string, args ...any) {
	Log.Debug(msg, args...)
}

// Info logs at info level on the process-wide logger.
func Info(msg string, args ...any) {
	Log.Info(msg, args...)
}

// Warn logs at warn level on the process-wide logger.
func Warn(msg string, args ...any) {
	Log.Warn(msg, args...)
}

// Error logs at error level on the process-wide logger.
func Error(msg string, args ...any) {
	Log.Error(msg, args...)
}
