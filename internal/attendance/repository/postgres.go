package repository

import (
	"context"
	"database/sql"

	"batonrelay/internal/attendance/domain"
	"batonrelay/internal/db"
)

// PostgresRepository persists attendance marks with hand-written SQL.
type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns an attendance repository backed by q.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

// WithTx returns a copy bound to tx so its calls join the caller's transaction.
func (r *PostgresRepository) WithTx(tx *sql.Tx) *PostgresRepository {
	return &PostgresRepository{q: tx}
}

// Mark records the attendance mark. The unique (session, participant, kind)
// constraint makes repeat marks no-ops; Mark reports whether a row was
// actually written.
func (r *PostgresRepository) Mark(ctx context.Context, m *domain.Mark) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO attendance_marks (id, session_id, participant_id, kind, via, chain_id, token_id, marked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, participant_id, kind) DO NOTHING`,
		m.ID, m.SessionID, m.ParticipantID, string(m.Kind), string(m.Via), m.ChainID, m.TokenID, m.MarkedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IsMarked reports whether the participant already carries a mark of kind.
func (r *PostgresRepository) IsMarked(ctx context.Context, sessionID, participantID string, kind domain.Kind) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_marks
			WHERE session_id = $1 AND participant_id = $2 AND kind = $3
		)`,
		sessionID, participantID, string(kind),
	).Scan(&exists)
	return exists, err
}

// ListBySession returns every mark of the session in mark order.
func (r *PostgresRepository) ListBySession(ctx context.Context, sessionID string) ([]*domain.Mark, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, session_id, participant_id, kind, via, chain_id, token_id, marked_at
		FROM attendance_marks WHERE session_id = $1 ORDER BY marked_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Mark
	for rows.Next() {
		var m domain.Mark
		var kind, via string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.ParticipantID, &kind, &via, &m.ChainID, &m.TokenID, &m.MarkedAt); err != nil {
			return nil, err
		}
		m.Kind = domain.Kind(kind)
		m.Via = domain.Via(via)
		out = append(out, &m)
	}
	return out, rows.Err()
}
