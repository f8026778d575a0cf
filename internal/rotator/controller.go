// Package rotator drives the self-refreshing token window used for
// late-entry and early-leave verification. While the window is open it
// keeps a current token on display, replacing it shortly before expiry
// and immediately after a peer consumes it.
package rotator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"batonrelay/internal/clock"
	"batonrelay/internal/token"
	"batonrelay/internal/wire"
)

// DefaultRefreshInterval is how long a token stays on display before a
// scheduled replacement. Strictly shorter than the 60s rotating
// validity so a fresh token is up before the old one dies.
const DefaultRefreshInterval = 55 * time.Second

var (
	// ErrClosed is returned by refresh operations on a closed window.
	ErrClosed = errors.New("rotator: window closed")

	// ErrInactive is returned when the service reports the window as not
	// active. The local window stays open and keeps retrying.
	ErrInactive = errors.New("rotator: window inactive upstream")

	// ErrWrongKind is returned when a controller is built for a kind that
	// is not a rotating one.
	ErrWrongKind = errors.New("rotator: kind has no rotating window")
)

// Fetcher obtains the window's current token from the service.
type Fetcher interface {
	FetchRotating(ctx context.Context, kind token.Kind) (wire.RotatingFetchResponse, error)
}

// State of the window.
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Controller is the window state machine for one rotating kind. The
// scheduled refresh and the consumed reaction both funnel into one
// fetch path guarded by an in-flight flag, so a window never has two
// fetches racing.
type Controller struct {
	log     *zap.Logger
	clk     clock.Clock
	fetcher Fetcher
	kind    token.Kind
	every   time.Duration
	onToken func(*wire.IssuedToken)

	mu           sync.Mutex
	open         bool
	gen          int
	fetching     bool
	current      *wire.IssuedToken
	refreshTimer *clock.Timer
	expiryTimer  *clock.Timer
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides the refresh clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clk = clk }
}

// WithRefreshInterval overrides the scheduled replacement cadence.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Controller) { c.every = d }
}

// WithTokenCallback is invoked with every newly fetched token, outside
// the controller lock. Display code uses it to swap the rendered code.
func WithTokenCallback(f func(*wire.IssuedToken)) Option {
	return func(c *Controller) { c.onToken = f }
}

// NewController builds the window for one rotating kind.
func NewController(log *zap.Logger, fetcher Fetcher, kind token.Kind, opts ...Option) (*Controller, error) {
	if !kind.IsRotating() {
		return nil, ErrWrongKind
	}
	c := &Controller{
		log:     log,
		clk:     clock.Real(),
		fetcher: fetcher,
		kind:    kind,
		every:   DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the window state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return StateOpen
	}
	return StateClosed
}

// Current returns the token on display and whether the window is open.
func (c *Controller) Current() (*wire.IssuedToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, c.open
	}
	cp := *c.current
	return &cp, c.open
}

// Open transitions Closed to Open and fetches the first token. A fetch
// failure is returned but leaves the window open; the scheduled refresh
// and manual Refresh both retry it. Opening an open window is a no-op.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = true
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.log.Info("rotating window opened", zap.String("kind", string(c.kind)))
	return c.fetch(ctx, gen)
}

// Close discards the current token and cancels every scheduled action.
// Closing a closed window is a no-op, not an error.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return
	}
	c.open = false
	c.gen++
	c.current = nil
	c.stopTimersLocked()
	c.log.Info("rotating window closed", zap.String("kind", string(c.kind)))
}

// Refresh fetches a replacement token now instead of waiting for the
// scheduled tick. Callers use it when the service reports the current
// token consumed or expired. Returns ErrClosed on a closed window;
// returns nil without fetching when a fetch is already in flight.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrClosed
	}
	gen := c.gen
	c.mu.Unlock()
	return c.fetch(ctx, gen)
}

// TokenConsumed is the notification hook for a successful peer scan of
// the displayed token.
func (c *Controller) TokenConsumed(ctx context.Context) error {
	return c.Refresh(ctx)
}

func (c *Controller) fetch(ctx context.Context, gen int) error {
	c.mu.Lock()
	if !c.open || gen != c.gen {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.fetching {
		c.mu.Unlock()
		return nil
	}
	c.fetching = true
	c.mu.Unlock()

	resp, err := c.fetcher.FetchRotating(ctx, c.kind)

	c.mu.Lock()
	c.fetching = false
	if !c.open || gen != c.gen {
		// Window closed while the fetch was in flight; drop the result.
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.scheduleRefreshLocked(gen)
		c.mu.Unlock()
		c.log.Warn("rotating token fetch failed, window stays open",
			zap.String("kind", string(c.kind)), zap.Error(err))
		return err
	}
	if resp.Token == nil || !resp.Active {
		c.current = nil
		c.scheduleRefreshLocked(gen)
		c.mu.Unlock()
		return ErrInactive
	}

	c.current = resp.Token
	c.scheduleRefreshLocked(gen)
	c.scheduleExpiryGuardLocked(gen, resp.Token)
	cb := c.onToken
	tok := *resp.Token
	c.mu.Unlock()

	c.log.Debug("rotating token replaced",
		zap.String("kind", string(c.kind)),
		zap.String("token_id", tok.TokenID))
	if cb != nil {
		cb(&tok)
	}
	return nil
}

// scheduleRefreshLocked arms the next scheduled replacement, dropping
// any previously armed one so an immediate fetch resets the cadence.
func (c *Controller) scheduleRefreshLocked(gen int) {
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = c.clk.AfterFunc(c.every, func() {
		if err := c.fetch(context.Background(), gen); err != nil && !errors.Is(err, ErrClosed) {
			c.log.Warn("scheduled rotating refresh failed", zap.Error(err))
		}
	})
}

// scheduleExpiryGuardLocked arms a fetch at the token's own expiry, for
// the case where the scheduled refresh failed and the token dies on
// display. The guard checks it still owns the current token before
// firing a fetch.
func (c *Controller) scheduleExpiryGuardLocked(gen int, tok *wire.IssuedToken) {
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
	}
	d := time.Unix(tok.ExpiresAt, 0).Sub(c.clk.Now())
	if d <= 0 {
		return
	}
	id := tok.TokenID
	c.expiryTimer = c.clk.AfterFunc(d, func() {
		c.mu.Lock()
		stale := !c.open || gen != c.gen || c.current == nil || c.current.TokenID != id
		c.mu.Unlock()
		if stale {
			return
		}
		if err := c.fetch(context.Background(), gen); err != nil && !errors.Is(err, ErrClosed) {
			c.log.Warn("expiry-triggered rotating refresh failed", zap.Error(err))
		}
	})
}

func (c *Controller) stopTimersLocked() {
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
}
