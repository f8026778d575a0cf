// Package domain holds the rotating window: the self-refreshing token
// channel stragglers use for late entry and early leave.
package domain

import (
	"time"

	"batonrelay/internal/token"
)

// Window is one rotating channel of a session. The token trio is the
// current live token; it is cleared on close and on consumption, and a
// refresh fully replaces it.
type Window struct {
	SessionID      string
	Purpose        token.Kind // KindLateEntry or KindEarlyLeave
	IsOpen         bool
	TokenID        string
	TokenEtag      string
	TokenValue     string
	TokenExpiresAt time.Time
	OpenedAt       time.Time
	ClosedAt       time.Time
	UpdatedAt      time.Time
}

// HasLiveToken reports whether the window carries an unexpired token.
func (w *Window) HasLiveToken(now time.Time) bool {
	return w.IsOpen && w.TokenID != "" && now.Before(w.TokenExpiresAt)
}
