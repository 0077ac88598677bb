// Package observability holds the structured logger and the HTTP logging and tracing middlewares.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultLogLevel = "info"

// LoggerOption customises NewLogger.
type LoggerOption func(*loggerOptions)

type loggerOptions struct {
	level   string
	service string
	version string
}

// WithLevel overrides the LOG_LEVEL environment variable.
func WithLevel(level string) LoggerOption {
	return func(o *loggerOptions) {
		o.level = level
	}
}

// WithServiceContext attaches the serviceContext block Error Reporting groups entries by.
func WithServiceContext(service, version string) LoggerOption {
	return func(o *loggerOptions) {
		o.service = strings.TrimSpace(service)
		o.version = strings.TrimSpace(version)
	}
}

// NewLogger builds a JSON logger whose keys match Cloud Logging's structured payload.
func NewLogger(opts ...LoggerOption) (*zap.Logger, error) {
	o := loggerOptions{level: os.Getenv("LOG_LEVEL")}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(o.level)))); err != nil || strings.TrimSpace(o.level) == "" {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			NameKey:       "logger",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel:   severityEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}

	var fieldOpts []zap.Option
	if o.service != "" {
		fieldOpts = append(fieldOpts, zap.Fields(zap.Object("serviceContext", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
			enc.AddString("service", o.service)
			if o.version != "" {
				enc.AddString("version", o.version)
			}
			return nil
		}))))
	}
	return cfg.Build(fieldOpts...)
}

// severityEncoder maps zap levels to Cloud Logging severities.
func severityEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch level {
	case zapcore.DebugLevel:
		enc.AppendString("DEBUG")
	case zapcore.InfoLevel:
		enc.AppendString("INFO")
	case zapcore.WarnLevel:
		enc.AppendString("WARNING")
	case zapcore.ErrorLevel:
		enc.AppendString("ERROR")
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		enc.AppendString("CRITICAL")
	case zapcore.FatalLevel:
		enc.AppendString("EMERGENCY")
	default:
		enc.AppendString("DEFAULT")
	}
}
