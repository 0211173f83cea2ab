package utils

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/respcache/respcache/pkg/types"
)

// LogConfig describes how the process logger is built.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	File   string // optional output path; stderr when empty
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "INFO", "":
		return zapcore.InfoLevel, nil
	case "WARN", "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger builds a zap logger from cfg.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console", "text":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.DisableStacktrace = true

	if cfg.File != "" {
		zc.OutputPaths = []string{cfg.File}
	} else {
		zc.OutputPaths = []string{"stderr"}
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// ZapSink adapts a zap logger to the types.Logger collaborator used by
// the cache, pool and maintenance components.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink wraps logger. A nil logger yields a no-op sink.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger}
}

// NopLogger returns a sink that discards everything.
func NopLogger() types.Logger {
	return NewZapSink(nil)
}

// Log implements types.Logger.
func (s *ZapSink) Log(severity types.Severity, component, message string, err error) {
	fields := make([]zap.Field, 0, 2)
	if component != "" {
		fields = append(fields, zap.String("component", component))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	switch severity {
	case types.SeverityDebug:
		s.logger.Debug(message, fields...)
	case types.SeverityInfo:
		s.logger.Info(message, fields...)
	case types.SeverityWarn:
		s.logger.Warn(message, fields...)
	default:
		s.logger.Error(message, fields...)
	}
}

// Zap returns the wrapped logger.
func (s *ZapSink) Zap() *zap.Logger {
	return s.logger
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}

// ParseBytes parses a human-readable byte string such as "512MB" or "1GiB".
// SI suffixes are powers of 1000, IEC suffixes powers of 1024.
func ParseBytes(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("empty string")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n > uint64(1<<63-1) {
		return 0, fmt.Errorf("byte size %q overflows int64", s)
	}
	return int64(n), nil
}
