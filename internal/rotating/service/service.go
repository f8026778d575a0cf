// Package service manages rotating windows: the operator opens and
// closes the late-entry and early-leave channels, and display fetches
// keep an open window stocked with a live token.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"batonrelay/internal/clock"
	"batonrelay/internal/rotating/domain"
	"batonrelay/internal/rotating/repository"
	sessiondomain "batonrelay/internal/session/domain"
	"batonrelay/internal/token"
)

// maxFetchAttempts bounds the read-mint-swap loop when concurrent
// displays refresh the same window.
const maxFetchAttempts = 3

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session is not accepting scans")
	ErrInvalidPurpose   = errors.New("purpose is not a rotating token kind")
	ErrWindowClosed     = errors.New("rotating window is closed")
)

// SessionStore is the slice of session persistence the rotating service
// reads.
type SessionStore interface {
	GetByID(ctx context.Context, id string) (*sessiondomain.Session, error)
}

// WindowStore is the slice of window persistence the rotating service
// uses. Consumption belongs to the verification flow, not here.
type WindowStore interface {
	Get(ctx context.Context, sessionID string, purpose token.Kind) (*domain.Window, error)
	Open(ctx context.Context, sessionID string, purpose token.Kind, at time.Time) error
	Close(ctx context.Context, sessionID string, purpose token.Kind, at time.Time) error
	SetToken(ctx context.Context, sessionID string, purpose token.Kind, p repository.SetTokenParams) (bool, error)
}

// RotatingService owns rotating window lifecycle and token refresh.
type RotatingService struct {
	sessions SessionStore
	windows  WindowStore
	codec    *token.Codec
	log      *zap.Logger
	clk      clock.Clock
}

// Option tunes a RotatingService.
type Option func(*RotatingService)

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(s *RotatingService) { s.clk = clk }
}

// NewRotatingService wires a RotatingService.
func NewRotatingService(sessions SessionStore, windows WindowStore, codec *token.Codec, log *zap.Logger, opts ...Option) *RotatingService {
	s := &RotatingService{
		sessions: sessions,
		windows:  windows,
		codec:    codec,
		log:      log,
		clk:      clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the window for purpose. Reopening an open window is a
// no-op that keeps the original OpenedAt.
func (s *RotatingService) Open(ctx context.Context, sessionID string, purpose token.Kind) error {
	if !purpose.IsRotating() {
		return fmt.Errorf("%w: %q", ErrInvalidPurpose, purpose)
	}
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if !sess.AcceptsScans() {
		return ErrSessionNotActive
	}
	if err := s.windows.Open(ctx, sessionID, purpose, s.clk.Now().UTC()); err != nil {
		return fmt.Errorf("open window: %w", err)
	}
	s.log.Info("rotating window opened",
		zap.String("session_id", sessionID),
		zap.String("purpose", string(purpose)))
	return nil
}

// Close closes the window and discards its token. Closing a closed or
// never-opened window is a no-op. It works on ended sessions so
// operators can tidy up after the fact.
func (s *RotatingService) Close(ctx context.Context, sessionID string, purpose token.Kind) error {
	if !purpose.IsRotating() {
		return fmt.Errorf("%w: %q", ErrInvalidPurpose, purpose)
	}
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if err := s.windows.Close(ctx, sessionID, purpose, s.clk.Now().UTC()); err != nil {
		return fmt.Errorf("close window: %w", err)
	}
	s.log.Info("rotating window closed",
		zap.String("session_id", sessionID),
		zap.String("purpose", string(purpose)))
	return nil
}

// Fetch returns the window with a live token, minting a fresh one when
// the current token expired or was consumed. Every display polling an
// open window converges on the same token value: when two refreshes
// race, the loser's guarded swap fails and it re-reads the winner's.
func (s *RotatingService) Fetch(ctx context.Context, sessionID string, purpose token.Kind) (*domain.Window, error) {
	if !purpose.IsRotating() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPurpose, purpose)
	}
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if !sess.AcceptsScans() {
		return nil, ErrSessionNotActive
	}

	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		w, err := s.windows.Get(ctx, sessionID, purpose)
		if err != nil {
			return nil, fmt.Errorf("load window: %w", err)
		}
		if w == nil || !w.IsOpen {
			return nil, ErrWindowClosed
		}
		now := s.clk.Now().UTC()
		if w.HasLiveToken(now) {
			return w, nil
		}

		tok := token.Token{
			ID:        uuid.New().String(),
			Kind:      purpose,
			SessionID: sessionID,
			Etag:      uuid.New().String(),
			ExpiresAt: now.Add(token.RotatingValidity),
		}
		value, err := s.codec.Encode(tok)
		if err != nil {
			return nil, fmt.Errorf("mint rotating token: %w", err)
		}
		swapped, err := s.windows.SetToken(ctx, sessionID, purpose, repository.SetTokenParams{
			OldTokenID: w.TokenID,
			OldEtag:    w.TokenEtag,
			TokenID:    tok.ID,
			Etag:       tok.Etag,
			Value:      value,
			ExpiresAt:  tok.ExpiresAt,
		})
		if err != nil {
			return nil, fmt.Errorf("install rotating token: %w", err)
		}
		if swapped {
			w.TokenID = tok.ID
			w.TokenEtag = tok.Etag
			w.TokenValue = value
			w.TokenExpiresAt = tok.ExpiresAt
			return w, nil
		}
		// Another display refreshed first; read again and use its token.
	}
	return nil, errors.New("rotating token refresh contended")
}
