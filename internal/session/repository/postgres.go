package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"batonrelay/internal/db"
	"batonrelay/internal/session/domain"
)

// PostgresRepository persists sessions and participants with hand-written SQL.
type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns a session repository backed by q.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

// WithTx returns a copy bound to tx so its calls join the caller's transaction.
func (r *PostgresRepository) WithTx(tx *sql.Tx) *PostgresRepository {
	return &PostgresRepository{q: tx}
}

const sessionColumns = `id, title, state, starts_at, ends_at, join_token_id, join_etag, join_token_value, policy, policy_rego, created_at, updated_at`

// Create persists the session. The session must have ID and join token set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	policyJSON, err := json.Marshal(s.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.Title, string(s.State), s.StartsAt, s.EndsAt,
		s.JoinTokenID, s.JoinEtag, s.JoinTokenValue,
		policyJSON, s.PolicyRego, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// UpdateState sets the session lifecycle state.
func (r *PostgresRepository) UpdateState(ctx context.Context, id string, state domain.State) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE sessions SET state = $2, updated_at = now() WHERE id = $1`,
		id, string(state),
	)
	return err
}

// UpdatePolicy replaces the session's anti-cheat policy and custom module.
func (r *PostgresRepository) UpdatePolicy(ctx context.Context, id string, pol domain.Policy, customRego string) error {
	policyJSON, err := json.Marshal(pol)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	_, err = r.q.ExecContext(ctx,
		`UPDATE sessions SET policy = $2, policy_rego = $3, updated_at = now() WHERE id = $1`,
		id, policyJSON, customRego,
	)
	return err
}

// AddParticipant inserts a roster member. Fails if the device token is
// already registered; callers check GetParticipantByDeviceToken first for
// idempotent joins.
func (r *PostgresRepository) AddParticipant(ctx context.Context, p *domain.Participant) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO participants (id, session_id, display_name, device_token, fingerprint, eligible, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.SessionID, p.DisplayName, p.DeviceToken, p.Fingerprint, p.Eligible, p.JoinedAt,
	)
	return err
}

// SetParticipantFingerprint records the device fingerprint presented at
// join time, replacing any previous one.
func (r *PostgresRepository) SetParticipantFingerprint(ctx context.Context, id, fingerprint string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE participants SET fingerprint = $2 WHERE id = $1`,
		id, fingerprint,
	)
	return err
}

const participantColumns = `id, session_id, display_name, device_token, fingerprint, eligible, joined_at`

// GetParticipantByID returns the participant for id, or nil if not found.
func (r *PostgresRepository) GetParticipantByID(ctx context.Context, id string) (*domain.Participant, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
	return scanParticipantRow(row)
}

// GetParticipantByDeviceToken returns the participant holding deviceToken,
// or nil if no device has registered it.
func (r *PostgresRepository) GetParticipantByDeviceToken(ctx context.Context, deviceToken string) (*domain.Participant, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE device_token = $1`, deviceToken)
	return scanParticipantRow(row)
}

// ListParticipants returns the session roster ordered by join time.
func (r *PostgresRepository) ListParticipants(ctx context.Context, sessionID string) ([]*domain.Participant, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = $1 ORDER BY joined_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParticipants(rows)
}

// SeedCandidates returns up to limit eligible participants who are not yet
// marked with markKind and do not currently hold an active chain of phase,
// in random order.
func (r *PostgresRepository) SeedCandidates(ctx context.Context, sessionID, markKind, phase string, limit int) ([]*domain.Participant, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+participantColumns+` FROM participants p
		WHERE p.session_id = $1 AND p.eligible
		  AND NOT EXISTS (
			SELECT 1 FROM attendance_marks m
			WHERE m.session_id = p.session_id AND m.participant_id = p.id AND m.kind = $2
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM chains c
			WHERE c.session_id = p.session_id AND c.phase = $3 AND c.holder_id = p.id AND c.state = 'active'
		  )
		ORDER BY random()
		LIMIT $4`,
		sessionID, markKind, phase, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParticipants(rows)
}

// CountUnmarkedEligible returns how many eligible participants still lack a
// markKind attendance mark.
func (r *PostgresRepository) CountUnmarkedEligible(ctx context.Context, sessionID, markKind string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT count(*) FROM participants p
		WHERE p.session_id = $1 AND p.eligible
		  AND NOT EXISTS (
			SELECT 1 FROM attendance_marks m
			WHERE m.session_id = p.session_id AND m.participant_id = p.id AND m.kind = $2
		  )`,
		sessionID, markKind,
	).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var state string
	var policyJSON []byte
	if err := row.Scan(
		&s.ID, &s.Title, &state, &s.StartsAt, &s.EndsAt,
		&s.JoinTokenID, &s.JoinEtag, &s.JoinTokenValue,
		&policyJSON, &s.PolicyRego, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.State = domain.State(state)
	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &s.Policy); err != nil {
			return nil, fmt.Errorf("unmarshal policy: %w", err)
		}
	}
	return &s, nil
}

func scanParticipantRow(row *sql.Row) (*domain.Participant, error) {
	var p domain.Participant
	if err := row.Scan(&p.ID, &p.SessionID, &p.DisplayName, &p.DeviceToken, &p.Fingerprint, &p.Eligible, &p.JoinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func collectParticipants(rows *sql.Rows) ([]*domain.Participant, error) {
	var out []*domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.ID, &p.SessionID, &p.DisplayName, &p.DeviceToken, &p.Fingerprint, &p.Eligible, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
