package log

import "context"

// Hook contributes extra fields to every entry written with a context.
type Hook interface {
	Apply(ctx context.Context, msg string) []Field
}

type HookFunc func(ctx context.Context, msg string) []Field

func (f HookFunc) Apply(ctx context.Context, msg string) []Field {
	return f(ctx, msg)
}

var hooks = []Hook{HookFunc(contextFields)}

type fieldsKey struct{}

// WithFields returns a context carrying fields that are appended to every
// entry logged with it. Fields accumulate across nested calls.
func WithFields(ctx context.Context, fields ...Field) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	existing, _ := ctx.Value(fieldsKey{}).([]Field)
	merged := make([]Field, 0, len(existing)+len(fields))
	merged = append(merged, existing...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

func contextFields(ctx context.Context, _ string) []Field {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(fieldsKey{}).([]Field)
	return fields
}
