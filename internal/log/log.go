// Package log is a thin context-aware wrapper around zap.
//
// Callers log through package level functions that take a context so that
// fields attached with WithFields (request ids, watched keys) follow the
// call chain without threading a logger through every constructor:
//
//	ctx = log.WithFields(ctx, log.String("key", "a@x.com"))
//	log.Info(ctx, "wait finished", log.String("outcome", "new"))
package log

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Field = zap.Field

var (
	String   = zap.String
	Strings  = zap.Strings
	Int      = zap.Int
	Int64    = zap.Int64
	Bool     = zap.Bool
	Duration = zap.Duration
	Time     = zap.Time
	Any      = zap.Any
)

// Cause records err under the "cause" key.
func Cause(err error) Field {
	return zap.NamedError("cause", err)
}

// Config selects the encoder and minimum level of the global logger.
type Config struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "console"
	Name   string `json:"name"`
}

var global atomic.Pointer[zap.Logger]

func init() {
	global.Store(zap.NewNop())
}

// New builds a logger from cfg. Unknown levels fall back to info.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
	}

	var zcfg zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "time"
		zcfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.DisableStacktrace = true

	logger, err := zcfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return logger, nil
}

// SetGlobal replaces the logger used by the package level functions.
// A nil logger installs a no-op logger.
func SetGlobal(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	global.Store(logger)
}

// L returns the current global logger.
func L() *zap.Logger {
	return global.Load()
}

// Sync flushes buffered entries of the global logger.
func Sync() {
	_ = global.Load().Sync()
}

func Debug(ctx context.Context, msg string, fields ...Field) {
	logAt(ctx, zapcore.DebugLevel, msg, fields)
}

func Info(ctx context.Context, msg string, fields ...Field) {
	logAt(ctx, zapcore.InfoLevel, msg, fields)
}

func Warn(ctx context.Context, msg string, fields ...Field) {
	logAt(ctx, zapcore.WarnLevel, msg, fields)
}

func Error(ctx context.Context, msg string, fields ...Field) {
	logAt(ctx, zapcore.ErrorLevel, msg, fields)
}

func logAt(ctx context.Context, level zapcore.Level, msg string, fields []Field) {
	logger := global.Load()
	ce := logger.Check(level, msg)
	if ce == nil {
		return
	}
	for _, hook := range hooks {
		fields = append(fields, hook.Apply(ctx, msg)...)
	}
	ce.Write(fields...)
}
