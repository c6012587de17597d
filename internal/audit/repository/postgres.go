package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"portal-sessions/backend/internal/audit/domain"
)

// PostgresRepository persists audit records in portal_session_audit. The table
// carries no-update/no-delete rules; this type only ever inserts and selects.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append inserts one audit record.
func (r *PostgresRepository) Append(ctx context.Context, rec *domain.Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("audit: marshal data: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO portal_session_audit
			(id, portal_session_id, event_type, actor_type,
			 previous_status, new_status, request_id, ip_digest, ua_digest,
			 data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.SessionID, string(rec.EventType), string(rec.ActorType),
		nullIfEmpty(rec.PreviousStatus), nullIfEmpty(rec.NewStatus),
		nullIfEmpty(rec.RequestID), nullIfEmpty(rec.IPDigest), nullIfEmpty(rec.UADigest),
		data, rec.CreatedAt,
	)
	return err
}

// ListBySession returns the audit trail for a session, oldest first.
func (r *PostgresRepository) ListBySession(ctx context.Context, sessionID string, limit, offset int32) ([]*domain.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, portal_session_id, event_type, actor_type,
		       previous_status, new_status, request_id, ip_digest, ua_digest,
		       data, created_at
		FROM portal_session_audit
		WHERE portal_session_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		var (
			rec     domain.Record
			et, at  string
			prev    sql.NullString
			next    sql.NullString
			reqID   sql.NullString
			ip, ua  sql.NullString
			rawData []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &et, &at,
			&prev, &next, &reqID, &ip, &ua, &rawData, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.EventType = domain.EventType(et)
		rec.ActorType = domain.ActorType(at)
		rec.PreviousStatus = prev.String
		rec.NewStatus = next.String
		rec.RequestID = reqID.String
		rec.IPDigest = ip.String
		rec.UADigest = ua.String
		if len(rawData) > 0 {
			if err := json.Unmarshal(rawData, &rec.Data); err != nil {
				return nil, fmt.Errorf("audit: unmarshal data: %w", err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
