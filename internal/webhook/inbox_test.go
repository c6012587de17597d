package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-sessions/backend/internal/audit"
	auditdomain "portal-sessions/backend/internal/audit/domain"
	portaldomain "portal-sessions/backend/internal/portal/domain"
	"portal-sessions/backend/internal/portal/service"
	"portal-sessions/backend/internal/webhook/domain"
	"portal-sessions/backend/internal/webhook/repository"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type memEventRepo struct {
	events map[string]*domain.Event // keyed by provider + "/" + provider event id
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{events: make(map[string]*domain.Event)}
}

func (m *memEventRepo) FindByProviderEventID(_ context.Context, provider, providerEventID string) (*domain.Event, error) {
	e, ok := m.events[provider+"/"+providerEventID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memEventRepo) Create(_ context.Context, e *domain.Event) error {
	key := e.Provider + "/" + e.ProviderEventID
	if _, ok := m.events[key]; ok {
		return repository.ErrDuplicate
	}
	cp := *e
	m.events[key] = &cp
	return nil
}

func (m *memEventRepo) Update(_ context.Context, e *domain.Event) error {
	cp := *e
	m.events[e.Provider+"/"+e.ProviderEventID] = &cp
	return nil
}

type fakeSettler struct {
	sessions    map[string]*portaldomain.Session // by id
	byState     map[string]*portaldomain.Session
	transitions []portaldomain.Status
}

func newFakeSettler() *fakeSettler {
	return &fakeSettler{
		sessions: make(map[string]*portaldomain.Session),
		byState:  make(map[string]*portaldomain.Session),
	}
}

func (f *fakeSettler) add(sess *portaldomain.Session) {
	f.sessions[sess.ID] = sess
	if sess.Redirect != nil {
		f.byState[sess.Redirect.StateToken] = sess
	}
}

func (f *fakeSettler) GetSessionByID(_ context.Context, id string) (*portaldomain.Session, error) {
	return f.sessions[id], nil
}

func (f *fakeSettler) FindByProcessorState(_ context.Context, stateToken string) (*portaldomain.Session, error) {
	return f.byState[stateToken], nil
}

func (f *fakeSettler) TransitionStatus(_ context.Context, sess *portaldomain.Session, to portaldomain.Status, _ auditdomain.ActorType, _ *service.RequestContext, _ map[string]string) error {
	if !sess.CanTransitionTo(to) {
		return &service.Error{Code: service.CodeInvalidTransition}
	}
	sess.Status = to
	f.transitions = append(f.transitions, to)
	return nil
}

type captureRecorder struct {
	entries []audit.Entry
}

func (c *captureRecorder) Record(_ context.Context, e audit.Entry) {
	c.entries = append(c.entries, e)
}

type inboxFixture struct {
	inbox   *Inbox
	repo    *memEventRepo
	settler *fakeSettler
	rec     *captureRecorder
}

func newInboxFixture(t *testing.T) *inboxFixture {
	t.Helper()
	repo := newMemEventRepo()
	settler := newFakeSettler()
	rec := &captureRecorder{}
	fixed := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	inbox := NewInbox(repo, settler, StaticSecrets{"stripe": "whsec_test"}, rec, nil, func() time.Time { return fixed })
	return &inboxFixture{inbox: inbox, repo: repo, settler: settler, rec: rec}
}

func redirectedSession(id string) *portaldomain.Session {
	return &portaldomain.Session{
		ID:     id,
		Status: portaldomain.StatusRedirected,
		Redirect: &portaldomain.RedirectInfo{
			Provider:    "STRIPE",
			SessionID:   "cs_" + id,
			StateToken:  "state-" + id,
			RedirectURL: "https://checkout.example.com/" + id,
		},
	}
}

func TestProcess_SettlesBySessionID(t *testing.T) {
	f := newInboxFixture(t)
	f.settler.add(redirectedSession("sess-1"))

	body := []byte(`{"id":"evt-1","type":"payment.succeeded","portal_session_id":"sess-1"}`)
	res, err := f.inbox.Process(context.Background(), "stripe", sign("whsec_test", body), body, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusProcessed, res.Status)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, []portaldomain.Status{portaldomain.StatusCompleted}, f.settler.transitions)

	require.Len(t, f.rec.entries, 1)
	assert.Equal(t, auditdomain.EventWebhookReceived, f.rec.entries[0].EventType)
	assert.Equal(t, auditdomain.ActorWebhook, f.rec.entries[0].ActorType)
	assert.Equal(t, "evt-1", f.rec.entries[0].Data["eventId"])
}

func TestProcess_SettlesByStateToken(t *testing.T) {
	f := newInboxFixture(t)
	f.settler.add(redirectedSession("sess-2"))

	body := []byte(`{"id":"evt-2","type":"payment.failed","state_token":"state-sess-2"}`)
	res, err := f.inbox.Process(context.Background(), "stripe", sign("whsec_test", body), body, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusProcessed, res.Status)
	assert.Equal(t, []portaldomain.Status{portaldomain.StatusFailed}, f.settler.transitions)
}

func TestProcess_DuplicateDeliveryIsNoOp(t *testing.T) {
	f := newInboxFixture(t)
	f.settler.add(redirectedSession("sess-1"))

	body := []byte(`{"id":"evt-1","type":"payment.succeeded","portal_session_id":"sess-1"}`)
	sig := sign("whsec_test", body)

	first, err := f.inbox.Process(context.Background(), "stripe", sig, body, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessed, first.Status)

	second, err := f.inbox.Process(context.Background(), "stripe", sig, body, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDuplicate, second.Status)
	assert.Equal(t, "sess-1", second.SessionID)

	assert.Len(t, f.settler.transitions, 1, "a redelivery must not settle twice")
	assert.Len(t, f.rec.entries, 1)
}

func TestProcess_BadSignature(t *testing.T) {
	f := newInboxFixture(t)
	body := []byte(`{"id":"evt-1","type":"payment.succeeded"}`)

	_, err := f.inbox.Process(context.Background(), "stripe", "deadbeef", body, nil)
	assert.ErrorIs(t, err, ErrBadSignature)
	assert.Empty(t, f.repo.events, "rejected deliveries must not land in the inbox")
}

func TestProcess_SignatureOverDifferentBody(t *testing.T) {
	f := newInboxFixture(t)
	body := []byte(`{"id":"evt-1","type":"payment.succeeded"}`)
	other := []byte(`{"id":"evt-1","type":"payment.failed"}`)

	_, err := f.inbox.Process(context.Background(), "stripe", sign("whsec_test", other), body, nil)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestProcess_UnknownProvider(t *testing.T) {
	f := newInboxFixture(t)
	body := []byte(`{"id":"evt-1","type":"payment.succeeded"}`)

	_, err := f.inbox.Process(context.Background(), "adyen", sign("whsec_test", body), body, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestProcess_MalformedPayload(t *testing.T) {
	f := newInboxFixture(t)

	body := []byte(`{"id":`)
	_, err := f.inbox.Process(context.Background(), "stripe", sign("whsec_test", body), body, nil)
	assert.Error(t, err)

	body = []byte(`{"type":"payment.succeeded"}`)
	_, err = f.inbox.Process(context.Background(), "stripe", sign("whsec_test", body), body, nil)
	assert.Error(t, err)
}

func TestProcess_NoMatchingSession(t *testing.T) {
	f := newInboxFixture(t)

	body := []byte(`{"id":"evt-9","type":"payment.succeeded","portal_session_id":"ghost"}`)
	res, err := f.inbox.Process(context.Background(), "stripe", sign("whsec_test", body), body, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)

	stored, err := f.repo.FindByProviderEventID(context.Background(), "stripe", "evt-9")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
}

func TestProcess_UnknownEventTypeRecordedButSettlesNothing(t *testing.T) {
	f := newInboxFixture(t)
	f.settler.add(redirectedSession("sess-1"))

	body := []byte(`{"id":"evt-3","type":"customer.updated","portal_session_id":"sess-1"}`)
	res, err := f.inbox.Process(context.Background(), "stripe", sign("whsec_test", body), body, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusProcessed, res.Status)
	assert.Empty(t, f.settler.transitions)
	require.Len(t, f.rec.entries, 1)
}

func TestProcess_SettlementOnTerminalSessionMarksEventFailed(t *testing.T) {
	f := newInboxFixture(t)
	sess := redirectedSession("sess-1")
	sess.Status = portaldomain.StatusCancelled
	f.settler.add(sess)

	body := []byte(`{"id":"evt-4","type":"payment.succeeded","portal_session_id":"sess-1"}`)
	res, err := f.inbox.Process(context.Background(), "stripe", sign("whsec_test", body), body, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Empty(t, f.settler.transitions)
}

func TestProcess_AlreadySettledSessionIsIdempotent(t *testing.T) {
	f := newInboxFixture(t)
	sess := redirectedSession("sess-1")
	sess.Status = portaldomain.StatusCompleted
	f.settler.add(sess)

	body := []byte(`{"id":"evt-5","type":"payment.succeeded","portal_session_id":"sess-1"}`)
	res, err := f.inbox.Process(context.Background(), "stripe", sign("whsec_test", body), body, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusProcessed, res.Status)
	assert.Empty(t, f.settler.transitions, "already-settled sessions are left alone")
}
