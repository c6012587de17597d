package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"portal-sessions/backend/internal/portal/domain"
)

// uniqueViolation is the Postgres SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

const sessionColumns = `
	id, org_id, suborg_id, customer_id, contract_id, payment_intent_id,
	token_digest, token_version, status, allowed_actions, expires_at,
	max_uses, use_count, idempotency_key_digest,
	amount_cents, currency, description, mandate_id, bank_ref_masked,
	processor_name, processor_session_id, processor_state_token, processor_redirect_url,
	metadata, created_at, updated_at, last_accessed_at, consumed_at, revoked_at`

// PostgresRepository persists sessions in portal_payment_session using the
// pgx stdlib driver.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the session for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	return r.findOne(ctx, "id = $1", id)
}

// FindByTokenDigest returns the session whose token hashes to digest, or nil.
func (r *PostgresRepository) FindByTokenDigest(ctx context.Context, digest string) (*domain.Session, error) {
	return r.findOne(ctx, "token_digest = $1", digest)
}

// FindByIdempotencyDigest returns the non-terminal session holding the digest,
// or nil. Terminal sessions are excluded: their key is free for reuse.
func (r *PostgresRepository) FindByIdempotencyDigest(ctx context.Context, digest string) (*domain.Session, error) {
	return r.findOne(ctx,
		"idempotency_key_digest = $1 AND status NOT IN ('COMPLETED','FAILED','EXPIRED','CANCELLED')",
		digest)
}

// FindByProcessorStateToken returns the session owning the redirect state
// token, or nil.
func (r *PostgresRepository) FindByProcessorStateToken(ctx context.Context, stateToken string) (*domain.Session, error) {
	return r.findOne(ctx, "processor_state_token = $1", stateToken)
}

func (r *PostgresRepository) findOne(ctx context.Context, where string, arg any) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT"+sessionColumns+" FROM portal_payment_session WHERE "+where, arg)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// Create inserts the session. The session must have ID, digests, and
// timestamps set. Unique violations surface as ErrDuplicate.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("portal: marshal metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO portal_payment_session (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,
		        $20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		s.ID, s.OrgID, s.SubOrgID, s.CustomerID,
		nullIfEmpty(s.ContractID), nullIfEmpty(s.PaymentIntentID),
		s.TokenDigest, s.TokenVersion, string(s.Status), joinActions(s.AllowedActions), s.ExpiresAt,
		s.MaxUses, s.UseCount, nullIfEmpty(s.IdempotencyKeyDigest),
		s.AmountCents, s.Currency, nullIfEmpty(s.Description),
		nullIfEmpty(s.MandateID), nullIfEmpty(s.BankRefMasked),
		redirectField(s.Redirect, func(ri *domain.RedirectInfo) string { return ri.Provider }),
		redirectField(s.Redirect, func(ri *domain.RedirectInfo) string { return ri.SessionID }),
		redirectField(s.Redirect, func(ri *domain.RedirectInfo) string { return ri.StateToken }),
		redirectField(s.Redirect, func(ri *domain.RedirectInfo) string { return ri.RedirectURL }),
		meta, s.CreatedAt, s.UpdatedAt,
		nullTime(s.LastAccessedAt), nullTime(s.ConsumedAt), nullTime(s.RevokedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Update rewrites the session's mutable columns. Identity, token, and
// idempotency columns are immutable after Create and deliberately absent.
func (r *PostgresRepository) Update(ctx context.Context, s *domain.Session) error {
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("portal: marshal metadata: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE portal_payment_session SET
			status = $2, use_count = $3,
			processor_name = $4, processor_session_id = $5,
			processor_state_token = $6, processor_redirect_url = $7,
			metadata = $8, updated_at = $9,
			last_accessed_at = $10, consumed_at = $11, revoked_at = $12
		WHERE id = $1`,
		s.ID, string(s.Status), s.UseCount,
		redirectField(s.Redirect, func(ri *domain.RedirectInfo) string { return ri.Provider }),
		redirectField(s.Redirect, func(ri *domain.RedirectInfo) string { return ri.SessionID }),
		redirectField(s.Redirect, func(ri *domain.RedirectInfo) string { return ri.StateToken }),
		redirectField(s.Redirect, func(ri *domain.RedirectInfo) string { return ri.RedirectURL }),
		meta, s.UpdatedAt,
		nullTime(s.LastAccessedAt), nullTime(s.ConsumedAt), nullTime(s.RevokedAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("portal: update: session %s not found", s.ID)
	}
	return err
}

// Consume performs the conditional increment in a single statement so the
// row-level atomicity of the store, not in-process locking, decides the race.
func (r *PostgresRepository) Consume(ctx context.Context, id string, now time.Time) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE portal_payment_session SET
			use_count = use_count + 1,
			consumed_at = COALESCE(consumed_at, $2),
			updated_at = $2
		WHERE id = $1
		  AND use_count < max_uses
		  AND revoked_at IS NULL
		  AND expires_at > $2
		  AND status NOT IN ('COMPLETED','FAILED','EXPIRED','CANCELLED')
		RETURNING`+sessionColumns,
		id, now,
	)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s                                  domain.Session
		contractID, paymentIntentID        sql.NullString
		status, actions                    string
		idemDigest, description            sql.NullString
		mandateID, bankRef                 sql.NullString
		procName, procSession              sql.NullString
		procState, procURL                 sql.NullString
		meta                               []byte
		lastAccessed, consumed, revoked    sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.OrgID, &s.SubOrgID, &s.CustomerID, &contractID, &paymentIntentID,
		&s.TokenDigest, &s.TokenVersion, &status, &actions, &s.ExpiresAt,
		&s.MaxUses, &s.UseCount, &idemDigest,
		&s.AmountCents, &s.Currency, &description, &mandateID, &bankRef,
		&procName, &procSession, &procState, &procURL,
		&meta, &s.CreatedAt, &s.UpdatedAt, &lastAccessed, &consumed, &revoked,
	)
	if err != nil {
		return nil, err
	}
	s.ContractID = contractID.String
	s.PaymentIntentID = paymentIntentID.String
	s.Status = domain.Status(status)
	s.AllowedActions = splitActions(actions)
	s.IdempotencyKeyDigest = idemDigest.String
	s.Description = description.String
	s.MandateID = mandateID.String
	s.BankRefMasked = bankRef.String
	if procState.Valid {
		s.Redirect = &domain.RedirectInfo{
			Provider:    procName.String,
			SessionID:   procSession.String,
			StateToken:  procState.String,
			RedirectURL: procURL.String,
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Metadata); err != nil {
			return nil, fmt.Errorf("portal: unmarshal metadata: %w", err)
		}
	}
	s.LastAccessedAt = timePtr(lastAccessed)
	s.ConsumedAt = timePtr(consumed)
	s.RevokedAt = timePtr(revoked)
	return &s, nil
}

func joinActions(actions []domain.Action) string {
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}

func splitActions(s string) []domain.Action {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]domain.Action, len(parts))
	for i, p := range parts {
		out[i] = domain.Action(p)
	}
	return out
}

func redirectField(ri *domain.RedirectInfo, get func(*domain.RedirectInfo) string) sql.NullString {
	if ri == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: get(ri), Valid: true}
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
