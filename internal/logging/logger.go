// Package logging is the structured, context-aware logger shared by the queue,
// the upload driver and the transports.
package logging

import "context"

// Logger takes key/value pairs after the message:
//
//	log.Info(ctx, "upload completed", "recording_id", id, "duration_ms", ms)
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given pairs.
	With(args ...any) Logger
}
