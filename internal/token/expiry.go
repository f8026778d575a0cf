package token

import "time"

// Nominal validity windows per kind. Relay batons are short-lived by
// design (a handoff happens within seconds); rotating and join tokens are
// displayed unattended and live longer. Callers use NominalValidity with
// Remaining to render progress without duplicating these constants.
const (
	ChainValidity    = 20 * time.Second
	RotatingValidity = 60 * time.Second
)

// NominalValidity returns the full validity window tokens of kind k are
// minted with.
func NominalValidity(k Kind) time.Duration {
	if k.IsChain() {
		return ChainValidity
	}
	return RotatingValidity
}

// Remaining returns how much validity t has left at now. Zero or negative
// means expired.
func Remaining(t Token, now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// IsExpired reports whether t is dead at now. The boundary instant is
// expired: a token scanned exactly at ExpiresAt does not verify.
func IsExpired(t Token, now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Progress returns the consumed fraction of t's nominal window at now,
// clamped to [0, 1]. 0 means freshly minted, 1 means expired.
func Progress(t Token, now time.Time) float64 {
	window := NominalValidity(t.Kind)
	if window <= 0 {
		return 1
	}
	left := Remaining(t, now)
	if left <= 0 {
		return 1
	}
	if left >= window {
		return 0
	}
	return 1 - float64(left)/float64(window)
}
