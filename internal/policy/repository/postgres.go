package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"portal-sessions/backend/internal/policy/domain"
)

// PostgresRepository persists org portal policies in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a policy repository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const policyColumns = `id, org_id, max_amount_cents, allowed_actions, max_ttl_seconds,
	allowed_redirect_origins, rules, enabled, created_at, updated_at`

// GetByOrg returns the enabled policy for org, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByOrg(ctx context.Context, orgID string) (*domain.OrgPolicy, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM org_portal_policy WHERE org_id = $1 AND enabled`, orgID)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Upsert creates or replaces the org's policy, keyed by org_id.
func (r *PostgresRepository) Upsert(ctx context.Context, p *domain.OrgPolicy) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO org_portal_policy (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (org_id) DO UPDATE SET
			max_amount_cents = EXCLUDED.max_amount_cents,
			allowed_actions = EXCLUDED.allowed_actions,
			max_ttl_seconds = EXCLUDED.max_ttl_seconds,
			allowed_redirect_origins = EXCLUDED.allowed_redirect_origins,
			rules = EXCLUDED.rules,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.OrgID, p.MaxAmountCents, joinList(p.AllowedActions), p.MaxTTLSeconds,
		joinList(p.AllowedRedirectOrigins), p.Rules, p.Enabled, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func scanPolicy(row *sql.Row) (*domain.OrgPolicy, error) {
	var (
		p                domain.OrgPolicy
		actions, origins string
	)
	if err := row.Scan(&p.ID, &p.OrgID, &p.MaxAmountCents, &actions, &p.MaxTTLSeconds,
		&origins, &p.Rules, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.AllowedActions = splitList(actions)
	p.AllowedRedirectOrigins = splitList(origins)
	return &p, nil
}

func joinList(vals []string) string {
	return strings.Join(vals, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
