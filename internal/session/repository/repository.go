package repository

import (
	"context"

	"batonrelay/internal/session/domain"
)

// Repository defines persistence for sessions and their rosters.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	UpdateState(ctx context.Context, id string, state domain.State) error
	UpdatePolicy(ctx context.Context, id string, pol domain.Policy, customRego string) error

	AddParticipant(ctx context.Context, p *domain.Participant) error
	// SetParticipantFingerprint records the device fingerprint presented at
	// join time, replacing any previous one.
	SetParticipantFingerprint(ctx context.Context, id, fingerprint string) error
	GetParticipantByID(ctx context.Context, id string) (*domain.Participant, error)
	GetParticipantByDeviceToken(ctx context.Context, deviceToken string) (*domain.Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]*domain.Participant, error)

	// SeedCandidates returns up to limit eligible participants who are not
	// yet marked with markKind and do not currently hold an active chain of
	// phase, in random order.
	SeedCandidates(ctx context.Context, sessionID, markKind, phase string, limit int) ([]*domain.Participant, error)
	// CountUnmarkedEligible returns how many eligible participants still
	// lack a markKind attendance mark.
	CountUnmarkedEligible(ctx context.Context, sessionID, markKind string) (int, error)
}
