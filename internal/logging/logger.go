// Package logging provides centralized logging functionality for the application.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelTraceName for verbose diagnostics that are always safe to drop.
	LevelTraceName LogLevel = "trace"
	// LevelDebug for detailed troubleshooting information.
	LevelDebug LogLevel = "debug"
	// LevelInfo for general operational information.
	LevelInfo LogLevel = "info"
	// LevelWarn for potentially harmful situations.
	LevelWarn LogLevel = "warn"
	// LevelError for error events that might still allow the application to continue.
	LevelError LogLevel = "error"
)

// LevelTrace is the slog level used for trace output.
const LevelTrace = slog.LevelDebug - 4

var (
	// defaultLogger is the default logger instance.
	defaultLogger *slog.Logger
)

// init initializes the default logger.
func init() {
	// Get log level from environment variable, default to "info"
	logLevelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = string(LevelInfo)
	}

	// Set up the logger
	SetupLogger(os.Stdout, LogLevel(logLevelStr))
}

// ParseLevel maps a LogLevel onto its slog level, defaulting to info.
func ParseLevel(level LogLevel) slog.Level {
	switch LogLevel(strings.ToLower(string(level))) {
	case LevelTraceName:
		return LevelTrace
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger configures the logger with the specified output and level.
func SetupLogger(w io.Writer, level LogLevel) {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	handler := slog.NewTextHandler(w, opts)
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// OpenLogFile opens today's log file under ~/.<appName>/logs, creating the
// directory when needed. The caller closes the file.
func OpenLogFile(appName string) (*os.File, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}
	return openLogFileIn(filepath.Join(homeDir, "."+appName, "logs"), appName, time.Now())
}

func openLogFileIn(dir, appName string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.log", appName, now.Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Tee returns a writer duplicating output to stdout and f.
func Tee(f io.Writer) io.Writer {
	return io.MultiWriter(os.Stdout, f)
}

// Trace logs a message at trace level.
func Trace(msg string, args ...any) {
	defaultLogger.Log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs a message at debug level.
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Info logs a message at info level.
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Warn logs a message at warn level.
func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

// Error logs a message at error level.
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

// GetLogger returns the default logger.
func GetLogger() *slog.Logger {
	return defaultLogger
}

// MaskSensitive masks sensitive data for logging.
func MaskSensitive(value string) string {
	if value == "" {
		return "<not set>"
	}
	if len(value) <= 4 {
		return "<set>"
	}
	return value[:4] + "..." + strings.Repeat("*", 3)
}
