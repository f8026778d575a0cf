// Package tracker mirrors relay-chain progress on the client. It is a
// reducer over realtime chain-update events plus a local staleness
// sweep; display code reads it, the dispatch path never calls into it.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"batonrelay/internal/clock"
	"batonrelay/internal/wire"
)

// Phase distinguishes entry chains from exit chains.
type Phase string

const (
	PhaseEntry Phase = "entry"
	PhaseExit  Phase = "exit"
)

// State is a chain's lifecycle state. Completed is terminal and only
// ever set from an explicit completion signal, never inferred here.
type State string

const (
	StateActive    State = "active"
	StateStalled   State = "stalled"
	StateCompleted State = "completed"
)

const (
	// DefaultStaleThreshold is how long a chain may sit without a handoff
	// before the sweep flips it to stalled.
	DefaultStaleThreshold = 90 * time.Second

	// DefaultSweepInterval is the cadence of the background sweep.
	DefaultSweepInterval = 15 * time.Second
)

// RelayChain is one lineage of token handoffs as last observed.
type RelayChain struct {
	ChainID        string
	Phase          Phase
	Index          int
	HolderID       string
	Sequence       int64
	LastActivityAt time.Time
	State          State
}

// Tracker holds the chain set for one session. Records are replaced
// whole on every mutation, so a reader never observes a half-applied
// update.
type Tracker struct {
	log       *zap.Logger
	clk       clock.Clock
	threshold time.Duration
	interval  time.Duration

	mu     sync.RWMutex
	chains map[string]*RelayChain
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock overrides the sweep clock.
func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) { t.clk = clk }
}

// WithStaleThreshold overrides the idle duration that counts as a stall.
func WithStaleThreshold(d time.Duration) Option {
	return func(t *Tracker) { t.threshold = d }
}

// WithSweepInterval overrides the background sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

func New(log *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		log:       log,
		clk:       clock.Real(),
		threshold: DefaultStaleThreshold,
		interval:  DefaultSweepInterval,
		chains:    make(map[string]*RelayChain),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track registers or replaces a chain record, typically from the
// session roster loaded at startup or a fresh seed response.
func (t *Tracker) Track(ch RelayChain) {
	if ch.LastActivityAt.IsZero() {
		ch.LastActivityAt = t.clk.Now()
	}
	if ch.State == "" {
		ch.State = StateActive
	}
	t.mu.Lock()
	t.chains[ch.ChainID] = &ch
	t.mu.Unlock()
}

// ApplyUpdate folds one realtime event into the chain set. The holder
// follows the event, the sequence never regresses, activity resumption
// clears a stall, and a completed chain ignores everything.
func (t *Tracker) ApplyUpdate(ev wire.ChainUpdateEvent) {
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.chains[ev.ChainID]
	if !ok {
		next := &RelayChain{
			ChainID:        ev.ChainID,
			Phase:          Phase(ev.Phase),
			HolderID:       ev.LastHolder,
			Sequence:       ev.LastSeq,
			LastActivityAt: now,
			State:          StateActive,
		}
		if State(ev.State) == StateCompleted {
			next.State = StateCompleted
		}
		t.chains[ev.ChainID] = next
		return
	}
	if cur.State == StateCompleted {
		return
	}

	next := *cur
	next.HolderID = ev.LastHolder
	if ev.LastSeq > next.Sequence {
		next.Sequence = ev.LastSeq
	}
	next.LastActivityAt = now
	next.State = StateActive
	if State(ev.State) == StateCompleted {
		next.State = StateCompleted
	}
	t.chains[ev.ChainID] = &next
}

// MarkStalled applies a stalled-chains event. Completed chains are left
// alone.
func (t *Tracker) MarkStalled(chainIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range chainIDs {
		cur, ok := t.chains[id]
		if !ok || cur.State != StateActive {
			continue
		}
		next := *cur
		next.State = StateStalled
		t.chains[id] = &next
	}
}

// Complete records the explicit external completion signal for a chain.
func (t *Tracker) Complete(chainID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.chains[chainID]
	if !ok || cur.State == StateCompleted {
		return
	}
	next := *cur
	next.State = StateCompleted
	t.chains[chainID] = &next
}

// SweepStaleness flips every active chain idle for longer than the
// threshold to stalled and returns the ids it flipped. Repeated sweeps
// over an already stalled chain change nothing.
func (t *Tracker) SweepStaleness(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stalled []string
	for id, cur := range t.chains {
		if cur.State != StateActive {
			continue
		}
		if now.Sub(cur.LastActivityAt) <= t.threshold {
			continue
		}
		next := *cur
		next.State = StateStalled
		t.chains[id] = &next
		stalled = append(stalled, id)
	}
	sort.Strings(stalled)
	return stalled
}

// Get returns a copy of one chain record.
func (t *Tracker) Get(chainID string) (RelayChain, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cur, ok := t.chains[chainID]
	if !ok {
		return RelayChain{}, false
	}
	return *cur, true
}

// Snapshot returns copies of every chain, ordered by phase then index.
func (t *Tracker) Snapshot() []RelayChain {
	t.mu.RLock()
	out := make([]RelayChain, 0, len(t.chains))
	for _, cur := range t.chains {
		out = append(out, *cur)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return out[i].Phase < out[j].Phase
		}
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].ChainID < out[j].ChainID
	})
	return out
}

// Run drives the background sweep until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clk.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if ids := t.SweepStaleness(now); len(ids) > 0 {
				t.log.Info("chains stalled", zap.Strings("chain_ids", ids))
			}
		}
	}
}
