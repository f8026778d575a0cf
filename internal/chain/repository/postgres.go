package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"batonrelay/internal/chain/domain"
	"batonrelay/internal/db"
)

// PostgresRepository persists relay chains with hand-written SQL.
type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns a chain repository backed by q.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

// WithTx returns a copy bound to tx so its calls join the caller's transaction.
func (r *PostgresRepository) WithTx(tx *sql.Tx) *PostgresRepository {
	return &PostgresRepository{q: tx}
}

const chainColumns = `id, session_id, phase, idx, holder_id, sequence, state, token_id, token_etag, token_value, token_expires_at, last_activity_at, created_at, updated_at`

// CreateBatch inserts the given chains. Run inside a transaction when the
// batch must be all-or-nothing.
func (r *PostgresRepository) CreateBatch(ctx context.Context, chains []*domain.Chain) error {
	for _, c := range chains {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO chains (`+chainColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			c.ID, c.SessionID, string(c.Phase), c.Index, nullString(c.HolderID),
			c.Sequence, string(c.State), c.TokenID, c.TokenEtag, c.TokenValue,
			nullTime(c.TokenExpiresAt), c.LastActivityAt, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetByID returns the chain for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Chain, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+chainColumns+` FROM chains WHERE id = $1`, id)
	return scanChainRow(row)
}

// GetByTokenID returns the chain whose live token is tokenID, or nil.
func (r *PostgresRepository) GetByTokenID(ctx context.Context, tokenID string) (*domain.Chain, error) {
	if tokenID == "" {
		return nil, nil
	}
	row := r.q.QueryRowContext(ctx, `SELECT `+chainColumns+` FROM chains WHERE token_id = $1`, tokenID)
	return scanChainRow(row)
}

// GetByHolder returns the active chain held by participantID in the
// session, or nil.
func (r *PostgresRepository) GetByHolder(ctx context.Context, sessionID, participantID string) (*domain.Chain, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+chainColumns+` FROM chains
		WHERE session_id = $1 AND holder_id = $2 AND state = 'active'
		ORDER BY phase, idx LIMIT 1`,
		sessionID, participantID,
	)
	return scanChainRow(row)
}

// ListBySession returns every chain of the session ordered by phase and index.
func (r *PostgresRepository) ListBySession(ctx context.Context, sessionID string) ([]*domain.Chain, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+chainColumns+` FROM chains WHERE session_id = $1 ORDER BY phase, idx`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Chain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Advance consumes the chain's live token and installs the successor in one
// guarded update. The WHERE clause is the single-use guarantee: it matches
// only while the presented (TokenID, Etag) pair is still the live token of
// an active chain, so two racing consumers cannot both succeed.
func (r *PostgresRepository) Advance(ctx context.Context, chainID string, p AdvanceParams) (bool, error) {
	var res sql.Result
	var err error
	if p.Complete {
		res, err = r.q.ExecContext(ctx, `
			UPDATE chains
			SET holder_id = $4, sequence = sequence + 1, state = 'completed',
			    token_id = '', token_etag = '', token_value = '', token_expires_at = NULL,
			    last_activity_at = $5, updated_at = now()
			WHERE id = $1 AND token_id = $2 AND token_etag = $3 AND state = 'active'`,
			chainID, p.TokenID, p.Etag, nullString(p.NewHolderID), p.ActivityAt,
		)
	} else {
		res, err = r.q.ExecContext(ctx, `
			UPDATE chains
			SET holder_id = $4, sequence = sequence + 1,
			    token_id = $5, token_etag = $6, token_value = $7, token_expires_at = $8,
			    last_activity_at = $9, updated_at = now()
			WHERE id = $1 AND token_id = $2 AND token_etag = $3 AND state = 'active'`,
			chainID, p.TokenID, p.Etag, nullString(p.NewHolderID),
			p.NewTokenID, p.NewTokenEtag, p.NewTokenValue, nullTime(p.TokenExpiresAt), p.ActivityAt,
		)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RefreshToken swaps the live token without advancing the chain. The same
// guard as Advance protects against a concurrent handoff: if the old pair
// was consumed first, no row matches and the refresh reports false.
func (r *PostgresRepository) RefreshToken(ctx context.Context, chainID string, p RefreshParams) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE chains
		SET token_id = $4, token_etag = $5, token_value = $6, token_expires_at = $7, updated_at = now()
		WHERE id = $1 AND token_id = $2 AND token_etag = $3 AND state = 'active'`,
		chainID, p.OldTokenID, p.OldEtag,
		p.NewTokenID, p.NewTokenEtag, p.NewTokenValue, nullTime(p.TokenExpiresAt),
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

// SweepStale flips active chains idle since before cutoff to stalled and
// returns them.
func (r *PostgresRepository) SweepStale(ctx context.Context, cutoff time.Time) ([]*domain.Chain, error) {
	rows, err := r.q.QueryContext(ctx, `
		UPDATE chains SET state = 'stalled', updated_at = now()
		WHERE state = 'active' AND last_activity_at < $1
		RETURNING `+chainColumns,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Chain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CloseStalled completes every stalled chain of the phase, releasing their
// tokens, and returns how many were closed.
func (r *PostgresRepository) CloseStalled(ctx context.Context, sessionID string, phase domain.Phase) (int, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE chains
		SET state = 'completed', token_id = '', token_etag = '', token_value = '',
		    token_expires_at = NULL, updated_at = now()
		WHERE session_id = $1 AND phase = $2 AND state = 'stalled'`,
		sessionID, string(phase),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// NextIndex returns the next free chain ordinal for the phase.
func (r *PostgresRepository) NextIndex(ctx context.Context, sessionID string, phase domain.Phase) (int, error) {
	var next int
	err := r.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM chains WHERE session_id = $1 AND phase = $2`,
		sessionID, string(phase),
	).Scan(&next)
	return next, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChainRow(row *sql.Row) (*domain.Chain, error) {
	c, err := scanChain(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func scanChain(row rowScanner) (*domain.Chain, error) {
	var c domain.Chain
	var phase, state string
	var holder sql.NullString
	var tokenExpires sql.NullTime
	if err := row.Scan(
		&c.ID, &c.SessionID, &phase, &c.Index, &holder,
		&c.Sequence, &state, &c.TokenID, &c.TokenEtag, &c.TokenValue,
		&tokenExpires, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Phase = domain.Phase(phase)
	c.State = domain.State(state)
	if holder.Valid {
		c.HolderID = holder.String
	}
	if tokenExpires.Valid {
		c.TokenExpiresAt = tokenExpires.Time
	}
	return &c, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
