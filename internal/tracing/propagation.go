package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RequestID != "" {
		lc = lc.Str("request_id", tc.RequestID)
	}
	if tc.NPCID != "" {
		lc = lc.Str("npc_id", tc.NPCID)
	}
	if tc.ConversationID != "" {
		lc = lc.Str("conversation_id", tc.ConversationID)
	}

	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// Detach returns a background context carrying the same tracing information.
// Used for work that must outlive the request, such as best-effort writes.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
