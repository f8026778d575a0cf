// Package domain holds the relay chain aggregate: one lineage of baton
// handoffs together with the single live token that advances it.
package domain

import "time"

// Phase is the attendance direction a chain collects.
type Phase string

const (
	PhaseEntry Phase = "entry"
	PhaseExit  Phase = "exit"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p == PhaseEntry || p == PhaseExit
}

// State is the chain lifecycle state. Completed is terminal.
type State string

const (
	StateActive    State = "active"
	StateStalled   State = "stalled"
	StateCompleted State = "completed"
)

// Chain is one relay lineage. TokenID, TokenEtag, and TokenValue describe
// the single live token; consuming it advances Sequence and replaces the
// trio atomically, so a (TokenID, TokenEtag) pair never validates twice.
type Chain struct {
	ID             string
	SessionID      string
	Phase          Phase
	Index          int
	HolderID       string // empty when the chain has no bearer
	Sequence       int64
	State          State
	TokenID        string
	TokenEtag      string
	TokenValue     string
	TokenExpiresAt time.Time
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
