package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"portal-sessions/backend/internal/webhook/domain"
)

const uniqueViolation = "23505"

// PostgresRepository persists webhook inbox events in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a webhook inbox repository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const eventColumns = `id, provider, provider_event_id, event_type, portal_session_id,
	status, payload, error, created_at, updated_at`

// FindByProviderEventID returns the stored event, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) FindByProviderEventID(ctx context.Context, provider, providerEventID string) (*domain.Event, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM processor_event_inbox WHERE provider = $1 AND provider_event_id = $2`,
		provider, providerEventID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Create persists the event. The unique index on (provider, provider_event_id)
// turns concurrent redeliveries into ErrDuplicate.
func (r *PostgresRepository) Create(ctx context.Context, e *domain.Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processor_event_inbox (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Provider, e.ProviderEventID, e.EventType, nullIfEmpty(e.SessionID),
		string(e.Status), e.Payload, nullIfEmpty(e.Error), e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Update rewrites the event's mutable fields.
func (r *PostgresRepository) Update(ctx context.Context, e *domain.Event) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE processor_event_inbox
		SET portal_session_id = $2, status = $3, error = $4, updated_at = $5
		WHERE id = $1`,
		e.ID, nullIfEmpty(e.SessionID), string(e.Status), nullIfEmpty(e.Error), e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("webhook event %s not found", e.ID)
	}
	return nil
}

func scanEvent(row *sql.Row) (*domain.Event, error) {
	var (
		e                 domain.Event
		status            string
		sessionID, errMsg sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Provider, &e.ProviderEventID, &e.EventType, &sessionID,
		&status, &e.Payload, &errMsg, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = domain.Status(status)
	e.SessionID = sessionID.String
	e.Error = errMsg.String
	return &e, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
