package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RequestIDKey is the context key for the HTTP request ID
	RequestIDKey ContextKey = "request_id"
	// NPCIDKey is the context key for the agent a request acts for
	NPCIDKey ContextKey = "npc_id"
	// ConversationIDKey is the context key for the active conversation
	ConversationIDKey ContextKey = "conversation_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID        string
	RequestID      string
	NPCID          string
	ConversationID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithNPCID adds the acting agent id to the context
func WithNPCID(ctx context.Context, npcID string) context.Context {
	return context.WithValue(ctx, NPCIDKey, npcID)
}

// WithConversationID adds a conversation id to the context
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, conversationID)
}

func getString(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

// GetNPCID retrieves the agent id from the context
func GetNPCID(ctx context.Context) string {
	return getString(ctx, NPCIDKey)
}

// GetConversationID retrieves the conversation id from the context
func GetConversationID(ctx context.Context) string {
	return getString(ctx, ConversationIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:        GetTraceID(ctx),
		RequestID:      GetRequestID(ctx),
		NPCID:          GetNPCID(ctx),
		ConversationID: GetConversationID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.NPCID != "" {
		ctx = WithNPCID(ctx, tc.NPCID)
	}
	if tc.ConversationID != "" {
		ctx = WithConversationID(ctx, tc.ConversationID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context, requestID string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	if requestID != "" {
		ctx = WithRequestID(ctx, requestID)
	}
	return ctx
}
