package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-sessions/backend/internal/audit"
	auditdomain "portal-sessions/backend/internal/audit/domain"
	"portal-sessions/backend/internal/portal/domain"
	"portal-sessions/backend/internal/portal/repository"
	"portal-sessions/backend/internal/security"
)

// memRepo is an in-memory SessionRepo with the same race semantics as the
// Postgres implementation: Create enforces uniqueness, Consume is a
// conditional increment under a single lock.
type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]*domain.Session)}
}

func clone(s *domain.Session) *domain.Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Redirect != nil {
		r := *s.Redirect
		cp.Redirect = &r
	}
	return &cp
}

func (m *memRepo) GetByID(_ context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.sessions[id]), nil
}

func (m *memRepo) FindByTokenDigest(_ context.Context, digest string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TokenDigest == digest {
			return clone(s), nil
		}
	}
	return nil, nil
}

func (m *memRepo) FindByIdempotencyDigest(_ context.Context, digest string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.IdempotencyKeyDigest == digest && !s.IsTerminal() {
			return clone(s), nil
		}
	}
	return nil, nil
}

func (m *memRepo) FindByProcessorStateToken(_ context.Context, stateToken string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Redirect != nil && s.Redirect.StateToken == stateToken {
			return clone(s), nil
		}
	}
	return nil, nil
}

func (m *memRepo) Create(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.TokenDigest == s.TokenDigest {
			return repository.ErrDuplicate
		}
		if s.IdempotencyKeyDigest != "" &&
			existing.IdempotencyKeyDigest == s.IdempotencyKeyDigest && !existing.IsTerminal() {
			return repository.ErrDuplicate
		}
	}
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *memRepo) Update(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return errors.New("not found")
	}
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *memRepo) Consume(_ context.Context, id string, now time.Time) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.CanConsume(now) {
		return nil, nil
	}
	s.UseCount++
	if s.ConsumedAt == nil {
		t := now
		s.ConsumedAt = &t
	}
	s.UpdatedAt = now
	return clone(s), nil
}

// capturingRecorder collects audit entries for assertions.
type capturingRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *capturingRecorder) Record(_ context.Context, e audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *capturingRecorder) byType(et auditdomain.EventType) []audit.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Entry
	for _, e := range c.entries {
		if e.EventType == et {
			out = append(out, e)
		}
	}
	return out
}

// denyAllPolicy rejects every creation.
type denyAllPolicy struct{}

func (denyAllPolicy) AuthorizeCreate(context.Context, string, int64, []string, int) error {
	return newError(CodePolicyDenied, "amount exceeds org ceiling")
}

func (denyAllPolicy) AuthorizeRedirect(context.Context, string, []string) error {
	return newError(CodePolicyDenied, "origin not allowed")
}

func validParams() CreateParams {
	return CreateParams{
		OrgID:          "org-1",
		SubOrgID:       "suborg-1",
		CustomerID:     "cust-1",
		AllowedActions: []domain.Action{domain.ActionViewPayment, domain.ActionPayByCard},
		AmountCents:    12550,
	}
}

type engineFixture struct {
	engine *Engine
	repo   *memRepo
	rec    *capturingRecorder
	clock  *time.Time
}

func newEngineFixture(t *testing.T, opts Options) *engineFixture {
	t.Helper()
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := &start
	repo := newMemRepo()
	rec := &capturingRecorder{}
	if opts.Now == nil {
		opts.Now = func() time.Time { return *clock }
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://portal.example.com"
	}
	return &engineFixture{
		engine: NewEngine(repo, rec, nil, opts),
		repo:   repo,
		rec:    rec,
		clock:  clock,
	}
}

func (f *engineFixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func TestCreateSession_Defaults(t *testing.T) {
	f := newEngineFixture(t, Options{})
	res, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)
	require.NotNil(t, res)

	sess := res.Session
	assert.Equal(t, domain.StatusCreated, sess.Status)
	assert.Equal(t, 1, sess.MaxUses)
	assert.Equal(t, 0, sess.UseCount)
	assert.Equal(t, "EUR", sess.Currency)
	assert.Equal(t, sess.CreatedAt.Add(DefaultTTL), sess.ExpiresAt)
	assert.False(t, res.WasIdempotentHit)

	require.True(t, security.TokenWellFormed(res.Token))
	assert.Equal(t, security.DigestToken(res.Token), sess.TokenDigest)
	assert.Equal(t, security.TokenVersion, sess.TokenVersion)
	assert.Equal(t, "https://portal.example.com/p/"+res.Token, res.PortalURL)

	created := f.rec.byType(auditdomain.EventSessionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, sess.ID, created[0].SessionID)
	assert.Equal(t, "900", created[0].Data["ttlSeconds"])
	assert.Equal(t, "12550", created[0].Data["amountCents"])
}

func TestCreateSession_TTLClampedToMax(t *testing.T) {
	f := newEngineFixture(t, Options{MaxTTL: time.Hour})
	p := validParams()
	p.TTL = 48 * time.Hour

	res, err := f.engine.CreateSession(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, res.Session.CreatedAt.Add(time.Hour), res.Session.ExpiresAt)
}

func TestCreateSession_InvalidInput(t *testing.T) {
	f := newEngineFixture(t, Options{})

	testCases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"missing org", func(p *CreateParams) { p.OrgID = "" }},
		{"missing suborg", func(p *CreateParams) { p.SubOrgID = "" }},
		{"missing customer", func(p *CreateParams) { p.CustomerID = "" }},
		{"no actions", func(p *CreateParams) { p.AllowedActions = nil }},
		{"unknown action", func(p *CreateParams) { p.AllowedActions = []domain.Action{"DELETE_EVERYTHING"} }},
		{"negative amount", func(p *CreateParams) { p.AmountCents = -1 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			_, err := f.engine.CreateSession(context.Background(), p)
			assert.True(t, IsCode(err, CodeInvalidInput), "got %v", err)
		})
	}
}

func TestCreateSession_PolicyDenied(t *testing.T) {
	f := newEngineFixture(t, Options{Policy: denyAllPolicy{}})
	_, err := f.engine.CreateSession(context.Background(), validParams())
	assert.True(t, IsCode(err, CodePolicyDenied), "got %v", err)
	assert.Empty(t, f.rec.byType(auditdomain.EventSessionCreated))
}

func TestCreateSession_IdempotentHit(t *testing.T) {
	f := newEngineFixture(t, Options{})
	p := validParams()
	p.IdempotencyKey = "invoice-2026-0042"

	first, err := f.engine.CreateSession(context.Background(), p)
	require.NoError(t, err)
	require.NotEmpty(t, first.Token)

	second, err := f.engine.CreateSession(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, second.WasIdempotentHit)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Empty(t, second.Token, "token must not be re-derivable")
	assert.Empty(t, second.PortalURL)

	assert.Len(t, f.rec.byType(auditdomain.EventSessionCreated), 1)
}

func TestCreateSession_IdempotencyReleasedOnTerminal(t *testing.T) {
	f := newEngineFixture(t, Options{})
	p := validParams()
	p.IdempotencyKey = "invoice-2026-0042"

	first, err := f.engine.CreateSession(context.Background(), p)
	require.NoError(t, err)
	_, err = f.engine.CancelSession(context.Background(), first.Session.ID, "customer paid by wire", auditdomain.ActorStaff)
	require.NoError(t, err)

	second, err := f.engine.CreateSession(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, second.WasIdempotentHit)
	assert.NotEqual(t, first.Session.ID, second.Session.ID)
	assert.NotEmpty(t, second.Token)
}

func TestValidateToken_Malformed(t *testing.T) {
	f := newEngineFixture(t, Options{})
	res, err := f.engine.ValidateToken(context.Background(), "not-a-token", nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, CodeTokenMalformed, res.Code)
	assert.Nil(t, res.Session)
}

func TestValidateToken_NotFound(t *testing.T) {
	f := newEngineFixture(t, Options{})
	unknown, err := security.GenerateToken()
	require.NoError(t, err)

	res, err := f.engine.ValidateToken(context.Background(), unknown, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, CodeSessionNotFound, res.Code)
}

func TestValidateToken_Valid(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)

	res, err := f.engine.ValidateToken(context.Background(), created.Token, &RequestContext{RequestID: "req-1"})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, created.Session.ID, res.Session.ID)

	validated := f.rec.byType(auditdomain.EventTokenValidated)
	require.Len(t, validated, 1)
	assert.Equal(t, "req-1", validated[0].RequestID)
}

func TestValidateToken_LazyExpiry(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)

	f.advance(DefaultTTL + time.Second)

	res, err := f.engine.ValidateToken(context.Background(), created.Token, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, CodeSessionExpired, res.Code)

	stored, err := f.repo.GetByID(context.Background(), created.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, stored.Status)

	expired := f.rec.byType(auditdomain.EventSessionExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, auditdomain.ActorSystem, expired[0].ActorType)
	assert.Equal(t, string(domain.StatusCreated), expired[0].PreviousStatus)
}

func TestValidateToken_ExactDeadlineCountsAsExpired(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)

	f.advance(DefaultTTL)

	res, err := f.engine.ValidateToken(context.Background(), created.Token, nil)
	require.NoError(t, err)
	assert.Equal(t, CodeSessionExpired, res.Code)
}

func TestValidateToken_Revoked(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)
	_, err = f.engine.RevokeSession(context.Background(), created.Session.ID, "fraud report", auditdomain.ActorAdmin)
	require.NoError(t, err)

	res, err := f.engine.ValidateToken(context.Background(), created.Token, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, CodeSessionRevoked, res.Code)

	rejected := f.rec.byType(auditdomain.EventTokenRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, string(CodeSessionRevoked), rejected[0].Data["errorCode"])
}

func TestValidateToken_RevokedWinsOverExpired(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)
	_, err = f.engine.RevokeSession(context.Background(), created.Session.ID, "", auditdomain.ActorAdmin)
	require.NoError(t, err)

	f.advance(DefaultTTL + time.Minute)

	res, err := f.engine.ValidateToken(context.Background(), created.Token, nil)
	require.NoError(t, err)
	assert.Equal(t, CodeSessionRevoked, res.Code)
}

func TestValidateToken_Terminal(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)
	_, err = f.engine.CancelSession(context.Background(), created.Session.ID, "", auditdomain.ActorStaff)
	require.NoError(t, err)

	res, err := f.engine.ValidateToken(context.Background(), created.Token, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, CodeSessionTerminal, res.Code)
}

func TestAccessSession_FirstAccessActivates(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)

	sess, err := f.engine.AccessSession(context.Background(), created.Token, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sess.Status)
	require.NotNil(t, sess.LastAccessedAt)

	activated := f.rec.byType(auditdomain.EventSessionActivated)
	require.Len(t, activated, 1)
	assert.Equal(t, string(domain.StatusCreated), activated[0].PreviousStatus)
	assert.Equal(t, string(domain.StatusActive), activated[0].NewStatus)
}

func TestAccessSession_RepeatAccessStaysActive(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)

	_, err = f.engine.AccessSession(context.Background(), created.Token, nil)
	require.NoError(t, err)
	f.advance(time.Minute)
	sess, err := f.engine.AccessSession(context.Background(), created.Token, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusActive, sess.Status)
	assert.Len(t, f.rec.byType(auditdomain.EventSessionActivated), 1)
	assert.Len(t, f.rec.byType(auditdomain.EventSessionAccessed), 1)
}

func TestAccessSession_ExpiredLink(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)
	f.advance(DefaultTTL + time.Second)

	_, err = f.engine.AccessSession(context.Background(), created.Token, nil)
	assert.True(t, IsCode(err, CodeSessionExpired), "got %v", err)
}

func TestConsumeToken_SingleUse(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)

	sess, err := f.engine.ConsumeToken(context.Background(), created.Token, domain.ActionPayByCard, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.UseCount)
	require.NotNil(t, sess.ConsumedAt)

	initiated := f.rec.byType(auditdomain.EventPaymentInitiated)
	require.Len(t, initiated, 1)
	assert.Equal(t, string(domain.ActionPayByCard), initiated[0].Data["action"])
}

func TestConsumeToken_SecondUseIsReplay(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)

	_, err = f.engine.ConsumeToken(context.Background(), created.Token, domain.ActionPayByCard, nil)
	require.NoError(t, err)

	_, err = f.engine.ConsumeToken(context.Background(), created.Token, domain.ActionPayByCard, nil)
	assert.True(t, IsCode(err, CodeSessionAlreadyUsed), "got %v", err)
	assert.Len(t, f.rec.byType(auditdomain.EventReplayDetected), 1)
}

func TestConsumeToken_ActionNotAllowed(t *testing.T) {
	f := newEngineFixture(t, Options{})
	p := validParams()
	p.AllowedActions = []domain.Action{domain.ActionViewPayment}
	created, err := f.engine.CreateSession(context.Background(), p)
	require.NoError(t, err)

	_, err = f.engine.ConsumeToken(context.Background(), created.Token, domain.ActionPayByCard, nil)
	assert.True(t, IsCode(err, CodeActionNotAllowed), "got %v", err)

	sess, err := f.repo.GetByID(context.Background(), created.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, sess.UseCount, "rejected action must not spend the budget")

	rejected := f.rec.byType(auditdomain.EventTokenRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, string(CodeActionNotAllowed), rejected[0].Data["errorCode"])
}

func TestConsumeToken_MultiUseBudget(t *testing.T) {
	f := newEngineFixture(t, Options{})
	p := validParams()
	p.MaxUses = 3
	created, err := f.engine.CreateSession(context.Background(), p)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		sess, err := f.engine.ConsumeToken(context.Background(), created.Token, domain.ActionPayByCard, nil)
		require.NoError(t, err)
		assert.Equal(t, i, sess.UseCount)
	}
	_, err = f.engine.ConsumeToken(context.Background(), created.Token, domain.ActionPayByCard, nil)
	assert.True(t, IsCode(err, CodeSessionAlreadyUsed), "got %v", err)
}

func TestConsumeToken_ConcurrentSingleWinner(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.ConsumeToken(context.Background(), created.Token, domain.ActionPayByCard, nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			require.True(t, IsCode(err, CodeSessionAlreadyUsed), "got %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one caller may spend a single-use session")

	sess, err := f.repo.GetByID(context.Background(), created.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.UseCount)
}

func TestTransitionStatus_RejectsInvalidEdge(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)

	sess := created.Session
	err = f.engine.TransitionStatus(context.Background(), sess, domain.StatusCompleted, auditdomain.ActorSystem, nil, nil)
	assert.True(t, IsCode(err, CodeInvalidTransition), "got %v", err)
	assert.Equal(t, domain.StatusCreated, sess.Status, "status must stay put on rejection")
}

func TestCancelSession(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)

	sess, err := f.engine.CancelSession(context.Background(), created.Session.ID, "duplicate invoice", auditdomain.ActorStaff)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, sess.Status)

	cancelled := f.rec.byType(auditdomain.EventSessionCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, auditdomain.ActorStaff, cancelled[0].ActorType)
	assert.Equal(t, "duplicate invoice", cancelled[0].Data["reason"])
}

func TestCancelSession_TerminalRejected(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)
	_, err = f.engine.CancelSession(context.Background(), created.Session.ID, "", auditdomain.ActorStaff)
	require.NoError(t, err)

	_, err = f.engine.CancelSession(context.Background(), created.Session.ID, "", auditdomain.ActorStaff)
	assert.True(t, IsCode(err, CodeSessionTerminal), "got %v", err)
}

func TestCancelSession_NotFound(t *testing.T) {
	f := newEngineFixture(t, Options{})
	_, err := f.engine.CancelSession(context.Background(), "missing", "", auditdomain.ActorStaff)
	assert.True(t, IsCode(err, CodeSessionNotFound), "got %v", err)
}

func TestRevokeSession_Idempotent(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)

	first, err := f.engine.RevokeSession(context.Background(), created.Session.ID, "lost phone", auditdomain.ActorAdmin)
	require.NoError(t, err)
	require.NotNil(t, first.RevokedAt)
	assert.Equal(t, domain.StatusCreated, first.Status, "revocation does not touch the state machine")

	second, err := f.engine.RevokeSession(context.Background(), created.Session.ID, "lost phone", auditdomain.ActorAdmin)
	require.NoError(t, err)
	assert.Equal(t, first.RevokedAt.Unix(), second.RevokedAt.Unix())
	assert.Len(t, f.rec.byType(auditdomain.EventSessionRevoked), 1)
}

func TestUpdateProcessorInfo_RequiresAllFields(t *testing.T) {
	f := newEngineFixture(t, Options{})
	created, err := f.engine.CreateSession(context.Background(), validParams())
	require.NoError(t, err)

	err = f.engine.UpdateProcessorInfo(context.Background(), created.Session, domain.RedirectInfo{
		Provider:  "STRIPE",
		SessionID: "cs_123",
	})
	assert.True(t, IsCode(err, CodeInvalidInput), "got %v", err)

	info := domain.RedirectInfo{
		Provider:    "STRIPE",
		SessionID:   "cs_123",
		StateToken:  "state-abc",
		RedirectURL: "https://checkout.stripe.com/cs_123",
	}
	require.NoError(t, f.engine.UpdateProcessorInfo(context.Background(), created.Session, info))

	found, err := f.engine.FindByProcessorState(context.Background(), "state-abc")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.Session.ID, found.ID)
}
