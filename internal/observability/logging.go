package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger builds the process logger from the observability config.
// Output defaults to stderr so command output on stdout stays parseable.
//
// Levels: error for store and commit failures, warn for rejected or failed
// transitions, info for committed transitions, debug for role resolution and
// idempotent replays.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := cfg.LogFormat
	if encoding == "" {
		encoding = "json"
	}
	output := cfg.LogOutput
	if output == "" {
		output = "stderr"
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder
	if encoding == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encCfg,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// ActorLogger returns a logger enriched with the actor's identity and the
// active trace ID. actor may be nil, in which case the context's
// ActorContext is used if present.
func ActorLogger(ctx context.Context, fallback *zap.Logger, actor *model.ActorContext) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	if actor == nil {
		actor = model.ActorContextFrom(ctx)
	}

	var fields []zap.Field
	if actor != nil {
		fields = append(fields, zap.String("subject_id", actor.SubjectID))
		if actor.CorrelationID != "" {
			fields = append(fields, zap.String("correlation_id", actor.CorrelationID))
		}
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}

	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
