// Package outbox buffers deliveries that failed on transport errors and
// replays them when connectivity returns. One queue instance is shared
// by the whole process and handed to its users explicitly.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"batonrelay/internal/clock"
	"batonrelay/internal/connectivity"
)

const (
	// DefaultMaxRetries is how many replay failures an item survives
	// before it is dropped and reported terminal.
	DefaultMaxRetries = 3

	// DefaultRetryDelay spaces successive replay passes. Constant, not
	// exponential; the contract only needs bounded, spaced retries.
	DefaultRetryDelay = 5 * time.Second
)

// Operation is a deferred, retryable action, typically "attempt this
// delivery again". It must be safe to call more than once.
type Operation func(ctx context.Context) error

// Item is a queued operation with its retry bookkeeping.
type Item struct {
	ID          string
	Description string
	RetryCount  int
	EnqueuedAt  time.Time

	op Operation
}

// TerminalFunc is invoked once per item that exhausts its retries,
// with the error from the final attempt.
type TerminalFunc func(item Item, err error)

// Queue replays operations in enqueue order. Replay runs are
// single-flight: a trigger arriving mid-drain is absorbed by the drain
// already in progress, so no item is ever attempted twice concurrently.
type Queue struct {
	log        *zap.Logger
	clk        clock.Clock
	maxRetries int
	retryDelay time.Duration
	onTerminal TerminalFunc

	mu       sync.Mutex
	items    []*Item
	inflight bool
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock overrides the retry-delay clock.
func WithClock(clk clock.Clock) Option {
	return func(q *Queue) { q.clk = clk }
}

// WithMaxRetries overrides the per-item retry budget.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithRetryDelay overrides the delay between replay passes.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) { q.retryDelay = d }
}

// WithTerminalCallback registers the exhaustion callback.
func WithTerminalCallback(f TerminalFunc) Option {
	return func(q *Queue) { q.onTerminal = f }
}

func NewQueue(log *zap.Logger, opts ...Option) *Queue {
	q := &Queue{
		log:        log,
		clk:        clock.Real(),
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends op and returns its id. The caller is expected to have
// already surfaced a "queued, will retry" indication; Enqueue itself
// never attempts delivery.
func (q *Queue) Enqueue(description string, op Operation) string {
	it := &Item{
		ID:          uuid.New().String(),
		Description: description,
		EnqueuedAt:  q.clk.Now(),
		op:          op,
	}
	q.mu.Lock()
	q.items = append(q.items, it)
	n := len(q.items)
	q.mu.Unlock()

	q.log.Info("delivery queued",
		zap.String("id", it.ID),
		zap.String("description", description),
		zap.Int("depth", n))
	return it.ID
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot of the queue in enqueue order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

// RetryAll drains the queue: every item is attempted once per pass, in
// enqueue order, with passes spaced by the retry delay until the queue
// empties or ctx is done. Items that succeed are removed; items that
// fail stay queued until their retry count reaches the budget, at which
// point they are dropped and reported through the terminal callback.
// Concurrent calls return immediately while a drain is in flight.
func (q *Queue) RetryAll(ctx context.Context) {
	q.mu.Lock()
	if q.inflight {
		q.mu.Unlock()
		return
	}
	q.inflight = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.inflight = false
		q.mu.Unlock()
	}()

	for {
		q.runPass(ctx)
		if ctx.Err() != nil {
			return
		}
		if q.Len() == 0 {
			return
		}
		select {
		case <-q.clk.After(q.retryDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) runPass(ctx context.Context) {
	q.mu.Lock()
	snapshot := make([]*Item, len(q.items))
	copy(snapshot, q.items)
	q.mu.Unlock()

	for _, it := range snapshot {
		if ctx.Err() != nil {
			return
		}
		err := it.op(ctx)
		if err == nil {
			q.remove(it)
			q.log.Info("queued delivery succeeded",
				zap.String("id", it.ID),
				zap.String("description", it.Description))
			continue
		}

		q.mu.Lock()
		it.RetryCount++
		exhausted := it.RetryCount >= q.maxRetries
		q.mu.Unlock()

		if !exhausted {
			q.log.Warn("queued delivery failed, will retry",
				zap.String("id", it.ID),
				zap.Int("retry_count", it.RetryCount),
				zap.Error(err))
			continue
		}

		q.remove(it)
		q.log.Error("queued delivery dropped after exhausting retries",
			zap.String("id", it.ID),
			zap.String("description", it.Description),
			zap.Error(err))
		if q.onTerminal != nil {
			q.onTerminal(*it, err)
		}
	}
}

func (q *Queue) remove(target *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it == target {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// Watch consumes connectivity transitions and starts a drain on each
// offline-to-online edge. This is the queue's only automatic trigger;
// it never polls. Blocks until ctx is done.
func (q *Queue) Watch(ctx context.Context, events <-chan connectivity.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-events:
			if !ok {
				return
			}
			if st == connectivity.StateOnline {
				q.RetryAll(ctx)
			}
		}
	}
}
