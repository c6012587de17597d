package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"portal-sessions/backend/internal/audit"
	auditdomain "portal-sessions/backend/internal/audit/domain"
)

// NewAuditEmitter returns an audit.Producer that mirrors audit records as
// OTel log records via the given LoggerProvider. If provider is nil, returns
// a no-op producer.
func NewAuditEmitter(provider *sdklog.LoggerProvider) audit.Producer {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("portal.audit")}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *auditdomain.Record) error { return nil }
func (noopEmitter) Close() error                                    { return nil }

type otelEmitter struct {
	logger otellog.Logger
}

// Emit converts the audit record to an OTel log record and emits it.
// Best-effort; the recorder logs and ignores errors.
func (e *otelEmitter) Emit(ctx context.Context, r *auditdomain.Record) error {
	if r == nil {
		return nil
	}
	rec := otellog.Record{}
	if !r.CreatedAt.IsZero() {
		rec.SetTimestamp(r.CreatedAt)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetBody(otellog.StringValue(string(r.EventType)))
	rec.AddAttributes(otellog.String("session_id", r.SessionID))
	rec.AddAttributes(otellog.String("actor_type", string(r.ActorType)))
	if r.PreviousStatus != "" {
		rec.AddAttributes(otellog.String("previous_status", r.PreviousStatus))
	}
	if r.NewStatus != "" {
		rec.AddAttributes(otellog.String("new_status", r.NewStatus))
	}
	if r.RequestID != "" {
		rec.AddAttributes(otellog.String("request_id", r.RequestID))
	}
	for k, v := range r.Data {
		rec.AddAttributes(otellog.String("data."+k, v))
	}
	e.logger.Emit(ctx, rec)
	return nil
}

func (e *otelEmitter) Close() error { return nil }
