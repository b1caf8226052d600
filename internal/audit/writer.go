package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mssola/useragent"
	"github.com/oklog/ulid/v2"

	"bastion/internal/audit/metrics"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/requestcontext"
)

// Writer stamps and appends audit records. Callers treat a Writer error as a
// veto: when the log cannot take the record, the action it describes must not
// proceed.
type Writer struct {
	store   Store
	clock   func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures the Writer.
type Option func(*Writer)

// WithClock injects the time source for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(w *Writer) { w.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// NewWriter constructs the audit writer.
func NewWriter(store Store, opts ...Option) *Writer {
	w := &Writer{store: store, clock: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Append fills in the record's identity, timestamp, and request origin, then
// persists it.
//
// Errors: CodeAuditUnavailable on any storage failure.
func (w *Writer) Append(ctx context.Context, rec *Record) (*Record, error) {
	stamped := *rec
	stamped.ID = ulid.Make().String()
	stamped.RecordedAt = w.clock()
	if stamped.CorrelationID == "" {
		stamped.CorrelationID = requestcontext.RequestID(ctx)
	}
	if stamped.Origin.IP == "" {
		stamped.Origin.IP = requestcontext.ClientIP(ctx)
	}
	if stamped.Origin.UserAgent == "" {
		stamped.Origin.UserAgent = requestcontext.UserAgent(ctx)
	}
	stamped.Origin.Signature = Signature(stamped.Origin.UserAgent)

	if err := w.store.Append(ctx, &stamped); err != nil {
		if w.metrics != nil {
			w.metrics.AppendFailures.Inc()
		}
		w.logger.ErrorContext(ctx, "audit append failed, blocking action",
			"tenant_id", stamped.TenantID.String(),
			"actor_id", stamped.ActorID.String(),
			"action_type", string(stamped.ActionType),
			"outcome", string(stamped.Outcome),
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeAuditUnavailable, "audit log unavailable")
	}

	if w.metrics != nil {
		w.metrics.RecordsWritten.WithLabelValues(string(stamped.Outcome)).Inc()
	}
	return &stamped, nil
}

// Signature condenses a raw user agent into a short human-readable form such
// as "Firefox 122.0 on Linux". Unparseable agents fall back to the raw
// string.
func Signature(raw string) string {
	if raw == "" {
		return ""
	}

	ua := useragent.New(raw)
	name, version := ua.Browser()
	if name == "" {
		return raw
	}

	var b strings.Builder
	b.WriteString(name)
	if version != "" {
		fmt.Fprintf(&b, " %s", version)
	}
	if os := ua.OS(); os != "" {
		fmt.Fprintf(&b, " on %s", os)
	}
	if ua.Bot() {
		b.WriteString(" (bot)")
	}
	return b.String()
}
