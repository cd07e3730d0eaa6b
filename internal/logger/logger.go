package logger

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// LogLevel selects the minimum emitted level.
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// Logger is the structured keyval logger used across the service.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
	With(keyvals ...any) Logger
}

type loggerImpl struct {
	charm *charmlog.Logger
}

// Config controls logger construction.
type Config struct {
	Level  LogLevel
	Output io.Writer
	JSON   bool
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{Level: InfoLevel, Output: os.Stdout}
}

func (l LogLevel) toCharm() charmlog.Level {
	switch l {
	case DebugLevel:
		return charmlog.DebugLevel
	case WarnLevel:
		return charmlog.WarnLevel
	case ErrorLevel:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// New creates a logger from config.
func New(cfg Config) Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	charm := charmlog.NewWithOptions(cfg.Output, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Level:           cfg.Level.toCharm(),
	})
	if cfg.JSON {
		charm.SetFormatter(charmlog.JSONFormatter)
	}
	return &loggerImpl{charm: charm}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() Logger {
	return &loggerImpl{charm: charmlog.NewWithOptions(io.Discard, charmlog.Options{})}
}

func (l *loggerImpl) Debug(msg string, keyvals ...any) { l.charm.Debug(msg, keyvals...) }
func (l *loggerImpl) Info(msg string, keyvals ...any)  { l.charm.Info(msg, keyvals...) }
func (l *loggerImpl) Warn(msg string, keyvals ...any)  { l.charm.Warn(msg, keyvals...) }
func (l *loggerImpl) Error(msg string, keyvals ...any) { l.charm.Error(msg, keyvals...) }

func (l *loggerImpl) With(keyvals ...any) Logger {
	return &loggerImpl{charm: l.charm.With(keyvals...)}
}
