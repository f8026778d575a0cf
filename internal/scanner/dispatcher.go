// Package scanner turns raw capture events into verification calls. It
// owns the per-capture state machine: decode, classify, expiry check,
// the duplicate-capture cooldown gate, and routing to the endpoint for
// the token's kind. Transport failures fall through to the offline
// queue; endpoint rejections and local errors surface synchronously.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"batonrelay/internal/clock"
	"batonrelay/internal/outbox"
	"batonrelay/internal/token"
	"batonrelay/internal/wire"
)

// DefaultCooldown is how long an identical capture is ignored after an
// accepted one. Scanners refire several times a second on a steady
// code; the gate keeps that from double-submitting a baton.
const DefaultCooldown = 2 * time.Second

var (
	// ErrInvalidFormat wraps a capture that did not decode to a token.
	ErrInvalidFormat = errors.New("scanner: capture is not a recognizable token")

	// ErrExpiredToken means the token died before dispatch; only a fresh
	// capture can proceed.
	ErrExpiredToken = errors.New("scanner: token expired before dispatch")
)

// State is the dispatcher's position in the capture state machine,
// exposed for display purposes only.
type State int

const (
	StateIdle State = iota
	StateDecoding
	StateClassified
	StateCoolingDown
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateDecoding:
		return "decoding"
	case StateClassified:
		return "classified"
	case StateCoolingDown:
		return "cooling_down"
	case StateDispatching:
		return "dispatching"
	default:
		return "idle"
	}
}

// Status of a completed dispatch.
type Status int

const (
	// StatusVerified: the endpoint accepted the scan.
	StatusVerified Status = iota
	// StatusJoined: a session-join token was exchanged for membership.
	StatusJoined
	// StatusDuplicate: the capture was silently absorbed by the cooldown
	// gate; nothing was dispatched.
	StatusDuplicate
	// StatusQueued: transport failed and the delivery now sits in the
	// offline queue.
	StatusQueued
)

func (s Status) String() string {
	switch s {
	case StatusVerified:
		return "verified"
	case StatusJoined:
		return "joined"
	case StatusDuplicate:
		return "duplicate"
	case StatusQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// Outcome is the structured result surfaced to the caller of Dispatch.
type Outcome struct {
	Status Status
	Kind   token.Kind

	// PeerMarked is the participant whose presence the scan established.
	PeerMarked string
	// BecameHolder reports the relay advanced and this device's user now
	// carries the baton described by Response.
	BecameHolder bool

	Response *wire.VerifyResponse
	Joined   *wire.JoinResponse

	// QueueID identifies the buffered delivery when Status is
	// StatusQueued.
	QueueID string
}

// Rejection is a structured endpoint failure translated for display.
type Rejection struct {
	Code     wire.Code
	Message  string
	Category wire.Category
	CanRetry bool
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("scan rejected (%s): %s", r.Code, r.Message)
}

// Decoder parses a raw capture into a token without verifying it.
type Decoder interface {
	Decode(raw string) (token.Token, error)
}

// Deliverer submits one verification request to the endpoint for the
// token's kind. A *wire.EndpointError return is a structured rejection;
// any other error is a transport failure.
type Deliverer interface {
	Verify(ctx context.Context, kind token.Kind, req wire.VerifyRequest) (wire.VerifyResponse, error)
}

// Joiner exchanges a session-join token for roster membership. Join
// bypasses verification dispatch entirely.
type Joiner interface {
	Join(ctx context.Context, sessionID string, req wire.JoinRequest) (wire.JoinResponse, error)
}

// MetadataSource supplies the anti-cheat envelope.
type MetadataSource interface {
	Collect(ctx context.Context) wire.Envelope
}

// DeliveryQueue buffers deliveries that failed on transport.
type DeliveryQueue interface {
	Enqueue(description string, op outbox.Operation) string
}

// DeferredResultFunc receives the outcome of a delivery that was
// replayed from the offline queue. Exactly one of resp and err is set.
type DeferredResultFunc func(kind token.Kind, tokenID string, resp *wire.VerifyResponse, err error)

// Dispatcher is the capture state machine. Safe for concurrent use; the
// cooldown marker is checked and written under one lock, so two
// identical captures racing each other still collapse to one dispatch.
type Dispatcher struct {
	log           *zap.Logger
	clk           clock.Clock
	decoder       Decoder
	meta          MetadataSource
	deliver       Deliverer
	joiner        Joiner
	queue         DeliveryQueue
	participantID string
	cooldown      time.Duration
	onDeferred    DeferredResultFunc

	mu             sync.Mutex
	state          State
	lastPayload    string
	lastAcceptedAt time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the cooldown clock.
func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) { d.clk = clk }
}

// WithCooldown overrides the duplicate-capture window.
func WithCooldown(cd time.Duration) Option {
	return func(d *Dispatcher) { d.cooldown = cd }
}

// WithDeferredResult registers the callback for replayed deliveries.
func WithDeferredResult(f DeferredResultFunc) Option {
	return func(d *Dispatcher) { d.onDeferred = f }
}

func NewDispatcher(
	log *zap.Logger,
	decoder Decoder,
	meta MetadataSource,
	deliver Deliverer,
	joiner Joiner,
	queue DeliveryQueue,
	participantID string,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		log:           log,
		clk:           clock.Real(),
		decoder:       decoder,
		meta:          meta,
		deliver:       deliver,
		joiner:        joiner,
		queue:         queue,
		participantID: participantID,
		cooldown:      DefaultCooldown,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the dispatcher's current display state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Dispatch runs one capture through the state machine and returns its
// outcome. Decode failures, expired tokens, and endpoint rejections
// come back as errors; an absorbed duplicate and a queued delivery come
// back as non-error outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, raw string) (Outcome, error) {
	d.setState(StateDecoding)
	tok, err := d.decoder.Decode(raw)
	if err != nil {
		d.setState(StateIdle)
		d.log.Debug("capture did not decode", zap.Error(err))
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	d.setState(StateClassified)

	// Session join never passes through cooldown or delivery.
	if tok.Kind == token.KindSessionJoin {
		return d.join(ctx, tok, raw)
	}

	if token.IsExpired(tok, d.clk.Now()) {
		d.setState(StateIdle)
		return Outcome{}, fmt.Errorf("%w: %s %s", ErrExpiredToken, tok.Kind, tok.ID)
	}

	if !d.acceptCapture(raw) {
		d.setState(StateIdle)
		d.log.Debug("duplicate capture absorbed",
			zap.String("token_id", tok.ID),
			zap.Duration("cooldown", d.cooldown))
		return Outcome{Status: StatusDuplicate, Kind: tok.Kind}, nil
	}

	return d.dispatchVerify(ctx, tok, raw)
}

// acceptCapture is the cooldown gate. The comparison key is the raw
// payload, not the token identity, and the last-accepted marker is
// written in the same critical section as the check, so captures
// arriving faster than any state propagation still deduplicate.
func (d *Dispatcher) acceptCapture(raw string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clk.Now()
	if raw == d.lastPayload && now.Sub(d.lastAcceptedAt) < d.cooldown {
		d.state = StateCoolingDown
		return false
	}
	d.lastPayload = raw
	d.lastAcceptedAt = now
	d.state = StateDispatching
	return true
}

func (d *Dispatcher) join(ctx context.Context, tok token.Token, raw string) (Outcome, error) {
	env := d.meta.Collect(ctx)
	resp, err := d.joiner.Join(ctx, tok.SessionID, wire.JoinRequest{
		TokenID:       tok.ID,
		Etag:          tok.Etag,
		ParticipantID: d.participantID,
		Raw:           raw,
		Metadata:      &env,
	})
	d.setState(StateIdle)
	if err != nil {
		var epErr *wire.EndpointError
		if errors.As(err, &epErr) {
			return Outcome{}, rejection(epErr)
		}
		return Outcome{}, fmt.Errorf("session join: %w", err)
	}
	d.log.Info("joined session",
		zap.String("session_id", resp.SessionID),
		zap.String("participant_id", d.participantID))
	return Outcome{Status: StatusJoined, Kind: tok.Kind, Joined: &resp}, nil
}

func (d *Dispatcher) dispatchVerify(ctx context.Context, tok token.Token, raw string) (Outcome, error) {
	env := d.meta.Collect(ctx)
	req := wire.VerifyRequest{
		TokenID:  tok.ID,
		Etag:     tok.Etag,
		HolderID: tok.HolderID,
		Raw:      raw,
		Metadata: &env,
	}

	resp, err := d.deliver.Verify(ctx, tok.Kind, req)
	d.setState(StateIdle)

	if err == nil {
		d.log.Info("scan verified",
			zap.String("kind", string(tok.Kind)),
			zap.String("token_id", tok.ID),
			zap.String("holder_marked", resp.HolderMarked),
			zap.String("new_holder", resp.NewHolder))
		return Outcome{
			Status:       StatusVerified,
			Kind:         tok.Kind,
			PeerMarked:   resp.HolderMarked,
			BecameHolder: resp.NewHolder != "",
			Response:     &resp,
		}, nil
	}

	var epErr *wire.EndpointError
	if errors.As(err, &epErr) {
		// A structured rejection is final; retrying the same token cannot
		// change the answer.
		return Outcome{}, rejection(epErr)
	}

	id := d.queue.Enqueue(
		fmt.Sprintf("verify %s token %s", tok.Kind, tok.ID),
		d.replayOp(tok, raw),
	)
	d.log.Warn("transport failed, delivery queued",
		zap.String("token_id", tok.ID),
		zap.String("queue_id", id),
		zap.Error(err))
	return Outcome{Status: StatusQueued, Kind: tok.Kind, QueueID: id}, nil
}

// replayOp rebuilds and resubmits the request. The envelope is
// collected fresh per attempt so a replay carries current location. A
// structured rejection during replay ends the retries; the answer is
// handed to the deferred-result callback instead.
func (d *Dispatcher) replayOp(tok token.Token, raw string) outbox.Operation {
	return func(ctx context.Context) error {
		env := d.meta.Collect(ctx)
		req := wire.VerifyRequest{
			TokenID:  tok.ID,
			Etag:     tok.Etag,
			HolderID: tok.HolderID,
			Raw:      raw,
			Metadata: &env,
		}
		resp, err := d.deliver.Verify(ctx, tok.Kind, req)
		if err == nil {
			if d.onDeferred != nil {
				d.onDeferred(tok.Kind, tok.ID, &resp, nil)
			}
			return nil
		}
		var epErr *wire.EndpointError
		if errors.As(err, &epErr) {
			if d.onDeferred != nil {
				d.onDeferred(tok.Kind, tok.ID, nil, rejection(epErr))
			}
			return nil
		}
		return err
	}
}

func rejection(e *wire.EndpointError) *Rejection {
	cls, _ := wire.Classify(e.Code)
	return &Rejection{Code: e.Code, Message: e.Message, Category: cls.Category, CanRetry: cls.CanRetry}
}
