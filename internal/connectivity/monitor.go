// Package connectivity tracks whether the agent can reach the relay
// service and fans out state transitions. The offline delivery queue
// drains on the offline-to-online edge; nothing else triggers it.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"batonrelay/internal/clock"
)

// State is the reachability of the relay service as last observed.
type State int

const (
	StateOffline State = iota
	StateOnline
)

func (s State) String() string {
	if s == StateOnline {
		return "online"
	}
	return "offline"
}

// Probe checks reachability once. A nil error means online.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// Monitor holds the current state and notifies subscribers on
// transitions. State changes come from transport errors reported by the
// HTTP client, from the background probe loop, or from both.
type Monitor struct {
	log      *zap.Logger
	clk      clock.Clock
	probe    Probe
	interval time.Duration

	mu     sync.Mutex
	state  State
	nextID int
	subs   map[int]chan State
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock overrides the probe loop clock.
func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) { m.clk = clk }
}

// WithProbe enables the background probe loop started by Run.
func WithProbe(p Probe, interval time.Duration) Option {
	return func(m *Monitor) {
		m.probe = p
		m.interval = interval
	}
}

// NewMonitor starts in the given state without notifying anyone.
func NewMonitor(log *zap.Logger, initial State, opts ...Option) *Monitor {
	m := &Monitor{
		log:   log,
		clk:   clock.Real(),
		state: initial,
		subs:  make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the last observed state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the service was reachable at last observation.
func (m *Monitor) Online() bool { return m.State() == StateOnline }

// Set records an observation. Subscribers are notified only when the
// state actually changes; repeated observations of the same state are
// silent.
func (m *Monitor) Set(st State) {
	m.mu.Lock()
	if st == m.state {
		m.mu.Unlock()
		return
	}
	m.state = st
	chans := make([]chan State, 0, len(m.subs))
	for _, ch := range m.subs {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	m.log.Info("connectivity changed", zap.Stringer("state", st))
	for _, ch := range chans {
		deliverLatest(ch, st)
	}
}

// deliverLatest replaces any undelivered value so a slow subscriber
// always wakes to the newest state.
func deliverLatest(ch chan State, st State) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe registers for transition notifications. The channel carries
// the newest state; intermediate transitions a slow reader misses are
// coalesced. Cancel releases the subscription.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan State, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Run drives the probe loop until ctx is done. Without a configured
// probe it returns immediately; transport-error reporting through Set
// still works.
func (m *Monitor) Run(ctx context.Context) {
	if m.probe == nil {
		return
	}
	ticker := m.clk.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.probe.Check(ctx); err != nil {
				m.Set(StateOffline)
			} else {
				m.Set(StateOnline)
			}
		}
	}
}
