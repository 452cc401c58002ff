package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/memorygraph/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Type      string                 `json:"event_type"` // fact, data, config
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // request id, "cli", "seed" or "backup"
	Action    string                 `json:"action"`          // e.g. "feedback_applied", "snapshot_written"
	Status    string                 `json:"status"`          // success, failure
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var audit atomic.Pointer[AuditLogger]

func init() {
	audit.Store(&AuditLogger{logger: zerolog.Nop()})
}

// GetAuditLogger returns the process audit logger. It discards events until
// InitAuditLogger or SetAuditWriter is called.
func GetAuditLogger() *AuditLogger {
	return audit.Load()
}

// SetAuditWriter routes audit events to w.
func SetAuditWriter(w io.Writer) {
	swapAudit(&AuditLogger{logger: zerolog.New(w)})
}

// InitAuditLogger appends audit events to the file at path, creating its directory.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	swapAudit(&AuditLogger{logger: zerolog.New(file), closer: file})
	return nil
}

func swapAudit(next *AuditLogger) {
	if prev := audit.Swap(next); prev != nil {
		_ = prev.Close()
	}
}

// Record writes event. Actor defaults to the request id and TraceID to the
// active span's trace id; the event is also attached to that span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Actor == "" {
		event.Actor = tracing.GetRequestID(ctx)
	}

	span := trace.SpanFromContext(ctx)
	if sc := span.SpanContext(); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		span.AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
		))
	} else if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.Actor != "" {
		entry = entry.Str("actor", event.Actor)
	}
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// Close closes the audit file, if any.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	a.logger = zerolog.Nop()
	return err
}

// RecordFactAudit records a pin or feedback mutation.
func RecordFactAudit(ctx context.Context, action string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "fact",
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}

// RecordDataAudit records import, export and snapshot activity.
func RecordDataAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "data",
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordConfigAudit records configuration changes made through the CLI.
func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "config",
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
