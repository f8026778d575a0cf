package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"batonrelay/internal/db"
	"batonrelay/internal/rotating/domain"
	"batonrelay/internal/token"
)

// PostgresRepository persists rotating windows with hand-written SQL.
type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns a rotating-window repository backed by q.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

// WithTx returns a copy bound to tx so its calls join the caller's transaction.
func (r *PostgresRepository) WithTx(tx *sql.Tx) *PostgresRepository {
	return &PostgresRepository{q: tx}
}

const windowColumns = `session_id, purpose, is_open, token_id, token_etag, token_value, token_expires_at, opened_at, closed_at, updated_at`

// Get returns the window row, or nil when the purpose was never opened.
func (r *PostgresRepository) Get(ctx context.Context, sessionID string, purpose token.Kind) (*domain.Window, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+windowColumns+` FROM rotating_windows WHERE session_id = $1 AND purpose = $2`,
		sessionID, string(purpose),
	)
	w, err := scanWindow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return w, nil
}

// Open marks the window open. Reopening an already-open window keeps its
// original OpenedAt.
func (r *PostgresRepository) Open(ctx context.Context, sessionID string, purpose token.Kind, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO rotating_windows (session_id, purpose, is_open, opened_at, updated_at)
		VALUES ($1, $2, TRUE, $3, $3)
		ON CONFLICT (session_id, purpose) DO UPDATE
		SET is_open = TRUE,
		    opened_at = CASE WHEN rotating_windows.is_open THEN rotating_windows.opened_at ELSE EXCLUDED.opened_at END,
		    closed_at = NULL,
		    updated_at = EXCLUDED.updated_at`,
		sessionID, string(purpose), at,
	)
	return err
}

// Close marks the window closed and discards its token. Closing a closed
// or never-opened window is a no-op.
func (r *PostgresRepository) Close(ctx context.Context, sessionID string, purpose token.Kind, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE rotating_windows
		SET is_open = FALSE, token_id = '', token_etag = '', token_value = '',
		    token_expires_at = NULL, closed_at = $3, updated_at = $3
		WHERE session_id = $1 AND purpose = $2 AND is_open`,
		sessionID, string(purpose), at,
	)
	return err
}

// SetToken installs a freshly minted token. The old pair guard makes
// concurrent refreshes converge: the loser sees false and re-reads the
// winner's token instead of overwriting it.
func (r *PostgresRepository) SetToken(ctx context.Context, sessionID string, purpose token.Kind, p SetTokenParams) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE rotating_windows
		SET token_id = $5, token_etag = $6, token_value = $7, token_expires_at = $8, updated_at = now()
		WHERE session_id = $1 AND purpose = $2 AND token_id = $3 AND token_etag = $4 AND is_open`,
		sessionID, string(purpose), p.OldTokenID, p.OldEtag, p.TokenID, p.Etag, p.Value, p.ExpiresAt,
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

// Consume clears the live token if (tokenID, etag) still matches. The
// guarded update is the single-use guarantee for rotating tokens.
func (r *PostgresRepository) Consume(ctx context.Context, sessionID string, purpose token.Kind, tokenID, etag string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE rotating_windows
		SET token_id = '', token_etag = '', token_value = '', token_expires_at = NULL, updated_at = now()
		WHERE session_id = $1 AND purpose = $2 AND token_id = $3 AND token_etag = $4 AND is_open`,
		sessionID, string(purpose), tokenID, etag,
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

func scanWindow(row *sql.Row) (*domain.Window, error) {
	var w domain.Window
	var purpose string
	var tokenExpires, openedAt, closedAt sql.NullTime
	if err := row.Scan(
		&w.SessionID, &purpose, &w.IsOpen, &w.TokenID, &w.TokenEtag, &w.TokenValue,
		&tokenExpires, &openedAt, &closedAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	w.Purpose = token.Kind(purpose)
	if tokenExpires.Valid {
		w.TokenExpiresAt = tokenExpires.Time
	}
	if openedAt.Valid {
		w.OpenedAt = openedAt.Time
	}
	if closedAt.Valid {
		w.ClosedAt = closedAt.Time
	}
	return &w, nil
}
