package consistency

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

const (
	commandIDKey   ctxKey = "commandID"
	commandTypeKey ctxKey = "commandType"
	aggregateIDKey ctxKey = "aggregateID"
	streamKey      ctxKey = "stream"
)

// WithCommandContext adds the identity of cmd to the context.
func WithCommandContext(ctx context.Context, cmd Command) context.Context {
	ctx = context.WithValue(ctx, commandIDKey, cmd.CommandID())
	ctx = context.WithValue(ctx, commandTypeKey, TypeName(cmd))
	ctx = context.WithValue(ctx, aggregateIDKey, cmd.AggregateID())
	return ctx
}

// WithStream adds the stream currently read or written to the context.
func WithStream(ctx context.Context, stream string) context.Context {
	return context.WithValue(ctx, streamKey, stream)
}

// CommandIDFromContext returns the command id or uuid.Nil if not present
func CommandIDFromContext(ctx context.Context) uuid.UUID {
	if v := ctx.Value(commandIDKey); v != nil {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}

// CommandTypeFromContext returns the command type name or "" if not present
func CommandTypeFromContext(ctx context.Context) string {
	if v := ctx.Value(commandTypeKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// AggregateIDFromContext returns the aggregate id or "" if not present
func AggregateIDFromContext(ctx context.Context) string {
	if v := ctx.Value(aggregateIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// StreamFromContext returns the stream or "" if not present
func StreamFromContext(ctx context.Context) string {
	if v := ctx.Value(streamKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
