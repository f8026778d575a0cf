package repository

import (
	"context"

	"batonrelay/internal/attendance/domain"
)

// Repository defines persistence for attendance marks.
type Repository interface {
	// Mark records the attendance mark. It reports false when an identical
	// (session, participant, kind) mark already existed; repeat marks are
	// not an error.
	Mark(ctx context.Context, m *domain.Mark) (bool, error)
	IsMarked(ctx context.Context, sessionID, participantID string, kind domain.Kind) (bool, error)
	ListBySession(ctx context.Context, sessionID string) ([]*domain.Mark, error)
}
