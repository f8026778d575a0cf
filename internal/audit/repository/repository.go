package repository

import (
	"context"

	"batonrelay/internal/audit/domain"
)

// Repository defines persistence for scan audit events.
type Repository interface {
	Create(ctx context.Context, e *domain.ScanEvent) error
	ListBySession(ctx context.Context, sessionID string, limit int32) ([]*domain.ScanEvent, error)
}
