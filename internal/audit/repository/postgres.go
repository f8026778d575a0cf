package repository

import (
	"context"
	"database/sql"

	"batonrelay/internal/audit/domain"
	"batonrelay/internal/db"
)

// PostgresRepository persists scan audit events with hand-written SQL.
type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns an audit repository backed by q.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

// WithTx returns a copy bound to tx so its calls join the caller's transaction.
func (r *PostgresRepository) WithTx(tx *sql.Tx) *PostgresRepository {
	return &PostgresRepository{q: tx}
}

const eventColumns = `id, session_id, participant_id, kind, token_id, chain_id, outcome, error_code, fingerprint, ip, created_at`

// Create persists the scan event. The event must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, e *domain.ScanEvent) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO scan_audit (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.SessionID, e.ParticipantID, e.Kind, e.TokenID, e.ChainID,
		string(e.Outcome), e.ErrorCode, e.Fingerprint, e.IP, e.CreatedAt,
	)
	return err
}

// ListBySession returns the newest events of the session, newest first.
func (r *PostgresRepository) ListBySession(ctx context.Context, sessionID string, limit int32) ([]*domain.ScanEvent, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM scan_audit WHERE session_id = $1 ORDER BY created_at DESC, id LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ScanEvent
	for rows.Next() {
		var e domain.ScanEvent
		var outcome string
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.ParticipantID, &e.Kind, &e.TokenID, &e.ChainID,
			&outcome, &e.ErrorCode, &e.Fingerprint, &e.IP, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Outcome = domain.Outcome(outcome)
		out = append(out, &e)
	}
	return out, rows.Err()
}
