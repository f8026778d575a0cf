package repository

import (
	"context"
	"time"

	"batonrelay/internal/rotating/domain"
	"batonrelay/internal/token"
)

// SetTokenParams is one guarded token swap. The old pair must match the
// window's current trio; a window that has never carried a token (or
// whose token was consumed) holds empty strings there.
type SetTokenParams struct {
	OldTokenID string
	OldEtag    string
	TokenID    string
	Etag       string
	Value      string
	ExpiresAt  time.Time
}

// Repository defines persistence for rotating windows.
type Repository interface {
	Get(ctx context.Context, sessionID string, purpose token.Kind) (*domain.Window, error)
	// Open marks the window open. Reopening an already-open window keeps
	// its original OpenedAt.
	Open(ctx context.Context, sessionID string, purpose token.Kind, at time.Time) error
	// Close marks the window closed and discards its token. Closing a
	// closed or never-opened window is a no-op.
	Close(ctx context.Context, sessionID string, purpose token.Kind, at time.Time) error
	// SetToken installs a freshly minted token. It reports false when the
	// window is not open or another writer replaced the token first.
	SetToken(ctx context.Context, sessionID string, purpose token.Kind, p SetTokenParams) (bool, error)
	// Consume clears the live token if (tokenID, etag) still matches,
	// reporting whether this call was the one that consumed it.
	Consume(ctx context.Context, sessionID string, purpose token.Kind, tokenID, etag string) (bool, error)
}
