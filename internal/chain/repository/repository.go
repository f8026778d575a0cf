package repository

import (
	"context"
	"time"

	"batonrelay/internal/chain/domain"
)

// AdvanceParams is one atomic handoff: the consumed (TokenID, Etag) pair
// plus the successor state. When Complete is set the chain terminates and
// no successor token is written.
type AdvanceParams struct {
	TokenID        string
	Etag           string
	NewHolderID    string
	NewTokenID     string
	NewTokenEtag   string
	NewTokenValue  string
	TokenExpiresAt time.Time
	ActivityAt     time.Time
	Complete       bool
}

// RefreshParams replaces an expired, unconsumed baton with a fresh one
// for the same holder. Holder, sequence, and last activity are untouched:
// a refresh keeps the display alive, it is not progress.
type RefreshParams struct {
	OldTokenID     string
	OldEtag        string
	NewTokenID     string
	NewTokenEtag   string
	NewTokenValue  string
	TokenExpiresAt time.Time
}

// Repository defines persistence for relay chains.
type Repository interface {
	CreateBatch(ctx context.Context, chains []*domain.Chain) error
	GetByID(ctx context.Context, id string) (*domain.Chain, error)
	// GetByTokenID returns the chain whose live token is tokenID, or nil.
	GetByTokenID(ctx context.Context, tokenID string) (*domain.Chain, error)
	// GetByHolder returns the active chain held by participantID in the
	// session, or nil.
	GetByHolder(ctx context.Context, sessionID, participantID string) (*domain.Chain, error)
	ListBySession(ctx context.Context, sessionID string) ([]*domain.Chain, error)

	// Advance consumes the chain's live token and installs the successor in
	// one guarded update. It reports false when the (TokenID, Etag) pair no
	// longer matches the live token or the chain is not active.
	Advance(ctx context.Context, chainID string, p AdvanceParams) (bool, error)

	// RefreshToken swaps the live token without advancing the chain. Guarded
	// like Advance; reports false when the old pair was consumed first.
	RefreshToken(ctx context.Context, chainID string, p RefreshParams) (bool, error)

	// SweepStale flips active chains idle since before cutoff to stalled and
	// returns them.
	SweepStale(ctx context.Context, cutoff time.Time) ([]*domain.Chain, error)
	// CloseStalled completes every stalled chain of the phase, releasing
	// their tokens, and returns how many were closed.
	CloseStalled(ctx context.Context, sessionID string, phase domain.Phase) (int, error)
	// NextIndex returns the next free chain ordinal for the phase.
	NextIndex(ctx context.Context, sessionID string, phase domain.Phase) (int, error)
}
