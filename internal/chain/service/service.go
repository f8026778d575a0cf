// Package service drives relay chain lifecycle: seeding entry lineages,
// opening the exit phase, reseeding after stalls, keeping holders'
// batons renderable, and sweeping idle chains to stalled.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	attendancedomain "batonrelay/internal/attendance/domain"
	"batonrelay/internal/chain/domain"
	chainrepo "batonrelay/internal/chain/repository"
	"batonrelay/internal/clock"
	"batonrelay/internal/events"
	sessiondomain "batonrelay/internal/session/domain"
	"batonrelay/internal/token"
	"batonrelay/internal/wire"
)

const (
	// DefaultStaleThreshold is how long a chain may sit without a handoff
	// before the sweep flips it to stalled. Matches the threshold client
	// trackers use, so both sides agree on when a chain is dead.
	DefaultStaleThreshold = 90 * time.Second

	// DefaultSweepInterval is how often the staleness sweep runs.
	DefaultSweepInterval = 15 * time.Second
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionNotActive       = errors.New("session is not accepting scans")
	ErrInvalidCount           = errors.New("seed count out of range")
	ErrInsufficientCandidates = errors.New("not enough eligible candidates")
	ErrNoActiveChain          = errors.New("no active chain held")
)

// SessionStore is the slice of session persistence the chain service
// reads.
type SessionStore interface {
	GetByID(ctx context.Context, id string) (*sessiondomain.Session, error)
	SeedCandidates(ctx context.Context, sessionID, markKind, phase string, limit int) ([]*sessiondomain.Participant, error)
}

// ChainStore is the slice of chain persistence the chain service uses.
type ChainStore interface {
	CreateBatch(ctx context.Context, chains []*domain.Chain) error
	GetByHolder(ctx context.Context, sessionID, participantID string) (*domain.Chain, error)
	ListBySession(ctx context.Context, sessionID string) ([]*domain.Chain, error)
	RefreshToken(ctx context.Context, chainID string, p chainrepo.RefreshParams) (bool, error)
	SweepStale(ctx context.Context, cutoff time.Time) ([]*domain.Chain, error)
	CloseStalled(ctx context.Context, sessionID string, phase domain.Phase) (int, error)
	NextIndex(ctx context.Context, sessionID string, phase domain.Phase) (int, error)
}

// Atomic runs fn as one all-or-nothing unit. The Postgres wiring opens a
// transaction and hands fn transaction-bound stores; any error fn
// returns rolls the whole unit back.
type Atomic func(ctx context.Context, fn func(sessions SessionStore, chains ChainStore) error) error

// SeedResult reports one seeding operation: the phase it targeted, the
// chains created, and how many stalled chains a reseed retired first.
type SeedResult struct {
	Phase  domain.Phase
	Chains []*domain.Chain
	Closed int
}

// ChainService owns chain lifecycle operations. Seeding runs inside a
// transaction so a request either creates every chain it asked for or
// none of them.
type ChainService struct {
	sessions SessionStore
	chains   ChainStore
	atomic   Atomic
	codec    *token.Codec
	bus      *events.Broadcaster
	log      *zap.Logger
	clk      clock.Clock

	staleAfter time.Duration
	sweepEvery time.Duration
}

// Option tunes a ChainService.
type Option func(*ChainService)

// WithStaleThreshold overrides how long a chain may idle before the
// sweep flips it to stalled.
func WithStaleThreshold(d time.Duration) Option {
	return func(s *ChainService) { s.staleAfter = d }
}

// WithSweepInterval overrides how often the staleness sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(s *ChainService) { s.sweepEvery = d }
}

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(s *ChainService) { s.clk = clk }
}

// NewChainService wires a ChainService. bus may be nil when no realtime
// feed is attached.
func NewChainService(sessions SessionStore, chains ChainStore, atomic Atomic, codec *token.Codec, bus *events.Broadcaster, log *zap.Logger, opts ...Option) *ChainService {
	s := &ChainService{
		sessions:   sessions,
		chains:     chains,
		atomic:     atomic,
		codec:      codec,
		bus:        bus,
		log:        log,
		clk:        clock.Real(),
		staleAfter: DefaultStaleThreshold,
		sweepEvery: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed creates count entry-phase chains, each handed to a distinct
// eligible participant who is not yet marked present and holds no other
// entry chain.
func (s *ChainService) Seed(ctx context.Context, sessionID string, count int) (*SeedResult, error) {
	return s.seed(ctx, sessionID, domain.PhaseEntry, count, false)
}

// StartExit opens the exit phase by seeding count exit-phase chains.
func (s *ChainService) StartExit(ctx context.Context, sessionID string, count int) (*SeedResult, error) {
	return s.seed(ctx, sessionID, domain.PhaseExit, count, false)
}

// Reseed retires the session's stalled chains and seeds count fresh ones
// in their place. The phase is inferred: once the exit phase has been
// opened every reseed targets it, otherwise entry.
func (s *ChainService) Reseed(ctx context.Context, sessionID string, count int) (*SeedResult, error) {
	return s.seed(ctx, sessionID, "", count, true)
}

func (s *ChainService) seed(ctx context.Context, sessionID string, phase domain.Phase, count int, retireStalled bool) (*SeedResult, error) {
	if count < 1 || count > wire.MaxSeedCount {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}

	var result *SeedResult
	err := s.atomic(ctx, func(sessions SessionStore, chains ChainStore) error {
		sess, err := sessions.GetByID(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if sess == nil {
			return ErrSessionNotFound
		}
		if !sess.AcceptsScans() {
			return ErrSessionNotActive
		}

		ph := phase
		if ph == "" {
			if ph, err = currentPhase(ctx, chains, sessionID); err != nil {
				return err
			}
		}

		closed := 0
		if retireStalled {
			if closed, err = chains.CloseStalled(ctx, sessionID, ph); err != nil {
				return fmt.Errorf("close stalled chains: %w", err)
			}
		}

		markKind := attendancedomain.ChainMarkKind(string(ph))
		candidates, err := sessions.SeedCandidates(ctx, sessionID, string(markKind), string(ph), count)
		if err != nil {
			return fmt.Errorf("pick candidates: %w", err)
		}
		if len(candidates) < count {
			return fmt.Errorf("%w: need %d, have %d", ErrInsufficientCandidates, count, len(candidates))
		}

		start, err := chains.NextIndex(ctx, sessionID, ph)
		if err != nil {
			return fmt.Errorf("next chain index: %w", err)
		}

		now := s.clk.Now().UTC()
		batch := make([]*domain.Chain, 0, count)
		for i, cand := range candidates {
			tok, value, err := s.mintBaton(sessionID, cand.ID, ph, now)
			if err != nil {
				return err
			}
			batch = append(batch, &domain.Chain{
				ID:             uuid.New().String(),
				SessionID:      sessionID,
				Phase:          ph,
				Index:          start + i,
				HolderID:       cand.ID,
				State:          domain.StateActive,
				TokenID:        tok.ID,
				TokenEtag:      tok.Etag,
				TokenValue:     value,
				TokenExpiresAt: tok.ExpiresAt,
				LastActivityAt: now,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
		if err := chains.CreateBatch(ctx, batch); err != nil {
			return fmt.Errorf("create chains: %w", err)
		}

		result = &SeedResult{Phase: ph, Chains: batch, Closed: closed}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("chains seeded",
		zap.String("session_id", sessionID),
		zap.String("phase", string(result.Phase)),
		zap.Int("count", len(result.Chains)),
		zap.Int("closed", result.Closed))
	return result, nil
}

// currentPhase infers which phase a reseed applies to. Exit chains exist
// only after StartExit, so any exit index means the session has moved on.
func currentPhase(ctx context.Context, chains ChainStore, sessionID string) (domain.Phase, error) {
	next, err := chains.NextIndex(ctx, sessionID, domain.PhaseExit)
	if err != nil {
		return "", fmt.Errorf("infer phase: %w", err)
	}
	if next > 0 {
		return domain.PhaseExit, nil
	}
	return domain.PhaseEntry, nil
}

// HolderChain returns the active chain participantID holds, replacing
// its baton if the current one expired unconsumed. A refresh swaps the
// token trio only; holder, sequence, and last activity stay put, so
// polling never keeps a dead chain off the stall sweep.
func (s *ChainService) HolderChain(ctx context.Context, sessionID, participantID string) (*domain.Chain, error) {
	ch, err := s.chains.GetByHolder(ctx, sessionID, participantID)
	if err != nil {
		return nil, fmt.Errorf("load chain: %w", err)
	}
	if ch == nil {
		return nil, ErrNoActiveChain
	}

	now := s.clk.Now().UTC()
	if ch.TokenValue != "" && now.Before(ch.TokenExpiresAt) {
		return ch, nil
	}

	tok, value, err := s.mintBaton(sessionID, participantID, ch.Phase, now)
	if err != nil {
		return nil, err
	}
	swapped, err := s.chains.RefreshToken(ctx, ch.ID, chainrepo.RefreshParams{
		OldTokenID:     ch.TokenID,
		OldEtag:        ch.TokenEtag,
		NewTokenID:     tok.ID,
		NewTokenEtag:   tok.Etag,
		NewTokenValue:  value,
		TokenExpiresAt: tok.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("refresh baton: %w", err)
	}
	if !swapped {
		// Lost the race: a scan consumed the old baton or the sweep moved
		// the chain. Report whatever is true now.
		if ch, err = s.chains.GetByHolder(ctx, sessionID, participantID); err != nil {
			return nil, fmt.Errorf("load chain: %w", err)
		}
		if ch == nil {
			return nil, ErrNoActiveChain
		}
		return ch, nil
	}

	ch.TokenID = tok.ID
	ch.TokenEtag = tok.Etag
	ch.TokenValue = value
	ch.TokenExpiresAt = tok.ExpiresAt
	return ch, nil
}

// Roster lists every chain of the session, including completed and
// stalled ones. It works on closed sessions so operators can review a
// finished run.
func (s *ChainService) Roster(ctx context.Context, sessionID string) ([]*domain.Chain, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return s.chains.ListBySession(ctx, sessionID)
}

// Run drives the staleness sweep until ctx is cancelled.
func (s *ChainService) Run(ctx context.Context) {
	ticker := s.clk.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce flips chains idle past the threshold to stalled and pushes
// one chains_stalled event per affected session.
func (s *ChainService) sweepOnce(ctx context.Context) {
	cutoff := s.clk.Now().UTC().Add(-s.staleAfter)
	stalled, err := s.chains.SweepStale(ctx, cutoff)
	if err != nil {
		s.log.Warn("staleness sweep failed", zap.Error(err))
		return
	}
	if len(stalled) == 0 {
		return
	}

	bySession := make(map[string][]string)
	for _, ch := range stalled {
		bySession[ch.SessionID] = append(bySession[ch.SessionID], ch.ID)
	}
	for sessionID, ids := range bySession {
		s.log.Info("chains stalled",
			zap.String("session_id", sessionID),
			zap.Int("count", len(ids)))
		if s.bus != nil {
			s.bus.Publish(events.Event{
				SessionID: sessionID,
				Name:      wire.EventChainsStalled,
				Payload:   wire.ChainsStalledEvent{StalledChainIDs: ids},
			})
		}
	}
}

func (s *ChainService) mintBaton(sessionID, holderID string, phase domain.Phase, now time.Time) (token.Token, string, error) {
	t := token.Token{
		ID:        uuid.New().String(),
		Kind:      phaseTokenKind(phase),
		SessionID: sessionID,
		HolderID:  holderID,
		Etag:      uuid.New().String(),
		ExpiresAt: now.Add(token.ChainValidity),
	}
	value, err := s.codec.Encode(t)
	if err != nil {
		return token.Token{}, "", fmt.Errorf("mint baton: %w", err)
	}
	return t, value, nil
}

func phaseTokenKind(phase domain.Phase) token.Kind {
	if phase == domain.PhaseExit {
		return token.KindExitChain
	}
	return token.KindEntryChain
}
