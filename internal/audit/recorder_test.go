package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-sessions/backend/internal/audit/domain"
)

type fakeRepo struct {
	mu      sync.Mutex
	records []*domain.Record
	err     error
}

func (f *fakeRepo) Append(_ context.Context, r *domain.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, r)
	return nil
}

func (f *fakeRepo) ListBySession(_ context.Context, sessionID string, limit, offset int32) ([]*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Record
	for _, r := range f.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeStream struct {
	mu      sync.Mutex
	emitted []*domain.Record
	done    chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{done: make(chan struct{}, 16)}
}

func (f *fakeStream) Emit(_ context.Context, r *domain.Record) error {
	f.mu.Lock()
	f.emitted = append(f.emitted, r)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeStream) Close() error { return nil }

func TestRecorder_AppendsRecord(t *testing.T) {
	repo := &fakeRepo{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecorder(repo, nil, nil, func() time.Time { return fixed })

	rec.Record(context.Background(), Entry{
		SessionID:      "sess-1",
		EventType:      domain.EventSessionCreated,
		ActorType:      domain.ActorSystem,
		PreviousStatus: "",
		NewStatus:      "CREATED",
		RequestID:      "req-1",
		Data:           map[string]string{"maxUses": "1"},
	})

	require.Len(t, repo.records, 1)
	got := repo.records[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, domain.EventSessionCreated, got.EventType)
	assert.Equal(t, domain.ActorSystem, got.ActorType)
	assert.Equal(t, "CREATED", got.NewStatus)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, fixed, got.CreatedAt)
	assert.Equal(t, "1", got.Data["maxUses"])
}

func TestRecorder_UniqueIDsPerEntry(t *testing.T) {
	repo := &fakeRepo{}
	rec := NewRecorder(repo, nil, nil, nil)

	for i := 0; i < 3; i++ {
		rec.Record(context.Background(), Entry{
			SessionID: "sess-1",
			EventType: domain.EventSessionAccessed,
			ActorType: domain.ActorPortalToken,
		})
	}

	require.Len(t, repo.records, 3)
	ids := map[string]bool{}
	for _, r := range repo.records {
		ids[r.ID] = true
	}
	assert.Len(t, ids, 3)
}

func TestRecorder_SkipsEmptySessionID(t *testing.T) {
	repo := &fakeRepo{}
	rec := NewRecorder(repo, nil, nil, nil)

	rec.Record(context.Background(), Entry{EventType: domain.EventSessionCreated})

	assert.Empty(t, repo.records)
}

func TestRecorder_NilReceiverIsSafe(t *testing.T) {
	var rec *Recorder
	rec.Record(context.Background(), Entry{SessionID: "sess-1"})
}

func TestRecorder_AppendFailureDoesNotPanic(t *testing.T) {
	repo := &fakeRepo{err: errors.New("connection reset")}
	rec := NewRecorder(repo, nil, nil, nil)

	rec.Record(context.Background(), Entry{
		SessionID: "sess-1",
		EventType: domain.EventSessionCreated,
	})

	assert.Empty(t, repo.records)
}

func TestRecorder_MirrorsToStream(t *testing.T) {
	repo := &fakeRepo{}
	stream := newFakeStream()
	rec := NewRecorder(repo, stream, nil, nil)

	rec.Record(context.Background(), Entry{
		SessionID: "sess-1",
		EventType: domain.EventPaymentCompleted,
		ActorType: domain.ActorWebhook,
	})

	select {
	case <-stream.done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream emit never fired")
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	require.Len(t, stream.emitted, 1)
	assert.Equal(t, "sess-1", stream.emitted[0].SessionID)
	assert.Equal(t, domain.EventPaymentCompleted, stream.emitted[0].EventType)
}

func TestRecorder_MirrorsEvenWhenAppendFails(t *testing.T) {
	repo := &fakeRepo{err: errors.New("down")}
	stream := newFakeStream()
	rec := NewRecorder(repo, stream, nil, nil)

	rec.Record(context.Background(), Entry{
		SessionID: "sess-1",
		EventType: domain.EventSessionExpired,
	})

	select {
	case <-stream.done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream emit never fired")
	}
}
