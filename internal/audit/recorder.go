// Package audit records one immutable entry per portal session lifecycle
// event. Writes to the primary store are synchronous; mirroring to the event
// stream is asynchronous and best-effort.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-sessions/backend/internal/audit/domain"
	auditrepo "portal-sessions/backend/internal/audit/repository"
)

// streamTimeout bounds a single async stream emit.
const streamTimeout = 5 * time.Second

// Producer mirrors audit records to an event stream (e.g. Kafka). Best-effort;
// callers log and ignore errors.
type Producer interface {
	Emit(ctx context.Context, r *domain.Record) error
	Close() error
}

// Entry is one audit event to record. SessionID is required; everything else
// is optional.
type Entry struct {
	SessionID      string
	EventType      domain.EventType
	ActorType      domain.ActorType
	PreviousStatus string
	NewStatus      string
	RequestID      string
	IPDigest       string
	UADigest       string
	Data           map[string]string
}

// Recorder appends audit records. A Recorder write failure is logged and does
// not fail the caller: a lost audit entry must not roll back a financial
// state change that already happened.
type Recorder struct {
	repo   auditrepo.Repository
	stream Producer // may be nil
	log    *zap.Logger
	now    func() time.Time
}

// NewRecorder returns a Recorder persisting to repo and mirroring to stream.
// stream may be nil. now may be nil; time.Now is used.
func NewRecorder(repo auditrepo.Repository, stream Producer, log *zap.Logger, now func() time.Time) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{repo: repo, stream: stream, log: log, now: now}
}

// Record appends one audit record. The primary append happens on the calling
// goroutine, after the session mutation it describes; the stream mirror is
// fired asynchronously.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.repo == nil || e.SessionID == "" {
		return
	}
	rec := &domain.Record{
		ID:             uuid.New().String(),
		SessionID:      e.SessionID,
		EventType:      e.EventType,
		ActorType:      e.ActorType,
		PreviousStatus: e.PreviousStatus,
		NewStatus:      e.NewStatus,
		RequestID:      e.RequestID,
		IPDigest:       e.IPDigest,
		UADigest:       e.UADigest,
		Data:           e.Data,
		CreatedAt:      r.now().UTC(),
	}
	if err := r.repo.Append(ctx, rec); err != nil {
		r.log.Error("audit: append failed",
			zap.String("session_id", e.SessionID),
			zap.String("event_type", string(e.EventType)),
			zap.Error(err))
	}
	r.mirror(rec)
}

// mirror emits the record to the stream without blocking the caller.
func (r *Recorder) mirror(rec *domain.Record) {
	if r.stream == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
		defer cancel()
		if err := r.stream.Emit(ctx, rec); err != nil {
			r.log.Warn("audit: stream emit failed",
				zap.String("session_id", rec.SessionID),
				zap.Error(err))
		}
	}()
}
