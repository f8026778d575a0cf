// Package middleware holds the HTTP middleware chain: participant and
// operator authentication, per-participant scan rate limiting, and
// request telemetry.
package middleware

import (
	"context"

	sessiondomain "batonrelay/internal/session/domain"
)

type ctxKey int

const participantKey ctxKey = iota

// WithParticipant returns a context carrying the authenticated
// participant.
func WithParticipant(ctx context.Context, p *sessiondomain.Participant) context.Context {
	return context.WithValue(ctx, participantKey, p)
}

// ParticipantFromContext returns the authenticated participant, if any.
func ParticipantFromContext(ctx context.Context) (*sessiondomain.Participant, bool) {
	p, ok := ctx.Value(participantKey).(*sessiondomain.Participant)
	return p, ok && p != nil
}
