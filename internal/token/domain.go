// Package token defines the relay token, its compact signed encoding, and
// the expiry arithmetic shared by scanning clients and the verification
// server. Tokens are minted server-side, carried as QR payloads, and
// consumed exactly once.
package token

import "time"

// Kind discriminates what a scanned token is for.
type Kind string

const (
	// KindSessionJoin adds the scanner to the session roster.
	KindSessionJoin Kind = "session_join"
	// KindEntryChain relays the entry baton to the scanner.
	KindEntryChain Kind = "entry_chain"
	// KindExitChain relays the exit baton to the scanner.
	KindExitChain Kind = "exit_chain"
	// KindLateEntry is the rotating late-arrival token.
	KindLateEntry Kind = "late_entry"
	// KindEarlyLeave is the rotating early-departure token.
	KindEarlyLeave Kind = "early_leave"
)

// Valid reports whether k is one of the five token kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSessionJoin, KindEntryChain, KindExitChain, KindLateEntry, KindEarlyLeave:
		return true
	}
	return false
}

// IsChain reports whether k is relayed hand-to-hand (carries a holder).
func (k Kind) IsChain() bool { return k == KindEntryChain || k == KindExitChain }

// IsRotating reports whether k belongs to a self-refreshing window.
func (k Kind) IsRotating() bool { return k == KindLateEntry || k == KindEarlyLeave }

/// Token is one unit of relay capability. A token is single-use: once its
// (ID, Etag) pair is consumed, it never validates again. ExpiresAt carries
// whole-second precision; the wire encoding cannot represent finer.
type Token struct {
	ID        string
	Kind      Kind
	SessionID string
	HolderID  string // current bearer; set for chain kinds only
	Etag      string // opaque optimistic-concurrency tag
	ExpiresAt time.Time
}
