// Package service implements scan verification: the single flow through
// which every captured token becomes (or fails to become) an attendance
// mark. Chain scans additionally hand the baton to the scanner; rotating
// scans mark the scanner directly.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	attendancedomain "batonrelay/internal/attendance/domain"
	auditdomain "batonrelay/internal/audit/domain"
	chaindomain "batonrelay/internal/chain/domain"
	chainrepo "batonrelay/internal/chain/repository"
	"batonrelay/internal/clock"
	"batonrelay/internal/events"
	"batonrelay/internal/policy/engine"
	rotatingdomain "batonrelay/internal/rotating/domain"
	sessiondomain "batonrelay/internal/session/domain"
	"batonrelay/internal/token"
	"batonrelay/internal/wire"
)

// Rejection is a verification failure carrying its wire code. The
// transport layer turns Code into the error body; Reason is for logs and
// the audit trail.
type Rejection struct {
	Code   wire.Code
	Reason string
}

func (e *Rejection) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Reason) }

func reject(code wire.Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// SessionStore is the slice of session persistence verification uses.
type SessionStore interface {
	GetByID(ctx context.Context, id string) (*sessiondomain.Session, error)
	SetParticipantFingerprint(ctx context.Context, id, fingerprint string) error
	CountUnmarkedEligible(ctx context.Context, sessionID, markKind string) (int, error)
}

// ChainStore is the slice of chain persistence verification uses.
type ChainStore interface {
	GetByTokenID(ctx context.Context, tokenID string) (*chaindomain.Chain, error)
	Advance(ctx context.Context, chainID string, p chainrepo.AdvanceParams) (bool, error)
}

// WindowStore is the slice of rotating-window persistence verification
// uses.
type WindowStore interface {
	Get(ctx context.Context, sessionID string, purpose token.Kind) (*rotatingdomain.Window, error)
	Consume(ctx context.Context, sessionID string, purpose token.Kind, tokenID, etag string) (bool, error)
}

// MarkStore records attendance marks.
type MarkStore interface {
	Mark(ctx context.Context, m *attendancedomain.Mark) (bool, error)
}

// Recorder receives one audit event per decided scan.
type Recorder interface {
	Record(ctx context.Context, event *auditdomain.ScanEvent)
}

// Stores bundles the persistence slices one verification touches.
type Stores struct {
	Sessions SessionStore
	Chains   ChainStore
	Windows  WindowStore
	Marks    MarkStore
}

// Atomic runs fn as one all-or-nothing unit. The Postgres wiring opens a
// transaction and hands fn transaction-bound stores; any error fn
// returns rolls the whole unit back.
type Atomic func(ctx context.Context, fn func(st Stores) error) error

// Scan is one verification attempt as the transport hands it over: the
// request body fields plus the authenticated scanner and connection
// metadata.
type Scan struct {
	TokenID  string
	Etag     string
	Raw      string
	Scanner  *sessiondomain.Participant
	Metadata *wire.Envelope
	IP       string
}

/// Result is a successful verification: whose presence was established
// and, for chain scans, the successor baton the scanner now carries.
// NewHolder and the token pair are empty when the chain completed.
type Result struct {
	SessionID    string
	HolderMarked string
	NewHolder    string
	NewToken     string
	NewTokenEtag string
	Completed    bool
}

// VerifyService runs the verification flow. Its reads happen on the
// pool-bound stores; the consume-and-mark step runs through atomic.
type VerifyService struct {
	stores   Stores
	atomic   Atomic
	codec    *token.Codec
	policy   engine.Evaluator
	recorder Recorder
	bus      *events.Broadcaster
	log      *zap.Logger
	clk      clock.Clock
}

// Option tunes a VerifyService.
type Option func(*VerifyService)

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(s *VerifyService) { s.clk = clk }
}

// NewVerifyService wires a VerifyService. policy, recorder, and bus may
// be nil; verification then runs without anti-cheat checks, audit, or
// realtime events respectively.
func NewVerifyService(stores Stores, atomic Atomic, codec *token.Codec, policy engine.Evaluator, recorder Recorder, bus *events.Broadcaster, log *zap.Logger, opts ...Option) *VerifyService {
	s := &VerifyService{
		stores:   stores,
		atomic:   atomic,
		codec:    codec,
		policy:   policy,
		recorder: recorder,
		bus:      bus,
		log:      log,
		clk:      clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify runs one scan through the full flow for the endpoint's kind.
// Rejections come back as *Rejection; any other error is infrastructure
// failure. Both decided outcomes are written to the audit trail.
func (s *VerifyService) Verify(ctx context.Context, kind token.Kind, scan Scan) (*Result, error) {
	ev := s.newEvent(string(kind), scan)
	res, err := s.verify(ctx, kind, scan, ev)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			ev.Outcome = auditdomain.OutcomeRejected
			ev.ErrorCode = string(rej.Code)
			s.record(ctx, ev)
		}
		return nil, err
	}
	ev.Outcome = auditdomain.OutcomeVerified
	s.record(ctx, ev)
	return res, nil
}

func (s *VerifyService) verify(ctx context.Context, kind token.Kind, scan Scan, ev *auditdomain.ScanEvent) (*Result, error) {
	if !kind.IsChain() && !kind.IsRotating() {
		return nil, reject(wire.CodeInvalidState, "kind %q is not verifiable", kind)
	}

	tok, err := s.codec.VerifyAndDecode(scan.Raw)
	if err != nil {
		return nil, reject(wire.CodeUnauthorized, "token rejected: %v", err)
	}
	ev.SessionID = tok.SessionID
	if tok.Kind != kind {
		return nil, reject(wire.CodeInvalidState, "token kind %q does not match endpoint %q", tok.Kind, kind)
	}
	if tok.ID != scan.TokenID || tok.Etag != scan.Etag {
		return nil, reject(wire.CodeUnauthorized, "request does not match token claims")
	}
	if token.IsExpired(tok, s.clk.Now()) {
		return nil, reject(wire.CodeExpiredToken, "token expired at %s", tok.ExpiresAt.Format(time.RFC3339))
	}

	sess, scanner, err := s.admit(ctx, tok.SessionID, scan)
	if err != nil {
		return nil, err
	}
	if err := s.checkPolicy(ctx, sess, string(kind), scan); err != nil {
		return nil, err
	}

	if kind.IsChain() {
		return s.verifyChain(ctx, tok, sess, scanner, ev)
	}
	return s.verifyRotating(ctx, tok, sess, scanner)
}

// admit loads the session and checks that it accepts scans and that the
// authenticated scanner belongs to it and is eligible.
func (s *VerifyService) admit(ctx context.Context, sessionID string, scan Scan) (*sessiondomain.Session, *sessiondomain.Participant, error) {
	sess, err := s.stores.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, nil, reject(wire.CodeInvalidState, "unknown session %q", sessionID)
	}
	if !sess.AcceptsScans() {
		return nil, nil, reject(wire.CodeInvalidState, "session is %s", sess.State)
	}

	scanner := scan.Scanner
	if scanner == nil {
		return nil, nil, reject(wire.CodeUnauthorized, "no authenticated participant")
	}
	if scanner.SessionID != sess.ID {
		return nil, nil, reject(wire.CodeUnauthorized, "participant belongs to another session")
	}
	if !scanner.Eligible {
		return nil, nil, reject(wire.CodeIneligibleStudent, "participant %s is not eligible", scanner.ID)
	}
	return sess, scanner, nil
}

func (s *VerifyService) checkPolicy(ctx context.Context, sess *sessiondomain.Session, kind string, scan Scan) error {
	if s.policy == nil {
		return nil
	}
	violations, err := s.policy.Evaluate(ctx, sess, engineScan(kind, scan))
	if err != nil {
		return fmt.Errorf("evaluate policy: %w", err)
	}
	if len(violations) > 0 {
		return reject(wire.Code(violations[0]), "policy violations %v", violations)
	}
	return nil
}

func (s *VerifyService) verifyChain(ctx context.Context, tok token.Token, sess *sessiondomain.Session, scanner *sessiondomain.Participant, ev *auditdomain.ScanEvent) (*Result, error) {
	row, err := s.stores.Chains.GetByTokenID(ctx, tok.ID)
	if err != nil {
		return nil, fmt.Errorf("load chain: %w", err)
	}
	if row == nil {
		return nil, reject(wire.CodeTokenAlreadyUsed, "baton already consumed")
	}
	ev.ChainID = row.ID
	if row.SessionID != sess.ID {
		return nil, reject(wire.CodeUnauthorized, "chain belongs to another session")
	}
	switch row.State {
	case chaindomain.StateActive:
	case chaindomain.StateStalled:
		return nil, reject(wire.CodeInvalidState, "chain is stalled; wait for a reseed")
	default:
		return nil, reject(wire.CodeInvalidState, "chain is %s", row.State)
	}
	if row.TokenEtag != tok.Etag {
		return nil, reject(wire.CodeTokenAlreadyUsed, "baton was replaced")
	}

	holder := row.HolderID
	if holder == "" {
		return nil, reject(wire.CodeInvalidState, "chain has no holder")
	}
	if holder == scanner.ID {
		return nil, reject(wire.CodeInvalidState, "holder cannot scan their own baton")
	}

	markKind, via, ok := attendancedomain.ForTokenKind(tok.Kind)
	if !ok {
		return nil, reject(wire.CodeInvalidState, "kind %q produces no mark", tok.Kind)
	}

	now := s.clk.Now().UTC()
	res := &Result{SessionID: sess.ID, HolderMarked: holder}
	err = s.atomic(ctx, func(st Stores) error {
		if _, err := st.Marks.Mark(ctx, &attendancedomain.Mark{
			ID:            uuid.New().String(),
			SessionID:     sess.ID,
			ParticipantID: holder,
			Kind:          markKind,
			Via:           via,
			ChainID:       row.ID,
			TokenID:       tok.ID,
			MarkedAt:      now,
		}); err != nil {
			return fmt.Errorf("mark attendance: %w", err)
		}

		remaining, err := st.Sessions.CountUnmarkedEligible(ctx, sess.ID, string(markKind))
		if err != nil {
			return fmt.Errorf("count unmarked: %w", err)
		}
		res.Completed = remaining == 0

		p := chainrepo.AdvanceParams{
			TokenID:    tok.ID,
			Etag:       tok.Etag,
			ActivityAt: now,
			Complete:   res.Completed,
		}
		if !res.Completed {
			succ, value, err := s.mintBaton(sess.ID, scanner.ID, tok.Kind, now)
			if err != nil {
				return err
			}
			p.NewHolderID = scanner.ID
			p.NewTokenID = succ.ID
			p.NewTokenEtag = succ.Etag
			p.NewTokenValue = value
			p.TokenExpiresAt = succ.ExpiresAt
			res.NewHolder = scanner.ID
			res.NewToken = value
			res.NewTokenEtag = succ.Etag
		}

		swapped, err := st.Chains.Advance(ctx, row.ID, p)
		if err != nil {
			return fmt.Errorf("advance chain: %w", err)
		}
		if !swapped {
			return reject(wire.CodeTokenAlreadyUsed, "baton consumed concurrently")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishChainUpdate(row, holder, scanner.ID, res.Completed)
	s.log.Info("baton handed off",
		zap.String("session_id", sess.ID),
		zap.String("chain_id", row.ID),
		zap.String("marked", holder),
		zap.Bool("completed", res.Completed))
	return res, nil
}

func (s *VerifyService) verifyRotating(ctx context.Context, tok token.Token, sess *sessiondomain.Session, scanner *sessiondomain.Participant) (*Result, error) {
	w, err := s.stores.Windows.Get(ctx, sess.ID, tok.Kind)
	if err != nil {
		return nil, fmt.Errorf("load window: %w", err)
	}
	if w == nil || !w.IsOpen {
		return nil, reject(wire.CodeInvalidState, "%s window is closed", tok.Kind)
	}

	markKind, via, ok := attendancedomain.ForTokenKind(tok.Kind)
	if !ok {
		return nil, reject(wire.CodeInvalidState, "kind %q produces no mark", tok.Kind)
	}

	now := s.clk.Now().UTC()
	err = s.atomic(ctx, func(st Stores) error {
		consumed, err := st.Windows.Consume(ctx, sess.ID, tok.Kind, tok.ID, tok.Etag)
		if err != nil {
			return fmt.Errorf("consume rotating token: %w", err)
		}
		if !consumed {
			return reject(wire.CodeTokenAlreadyUsed, "rotating token already consumed")
		}
		if _, err := st.Marks.Mark(ctx, &attendancedomain.Mark{
			ID:            uuid.New().String(),
			SessionID:     sess.ID,
			ParticipantID: scanner.ID,
			Kind:          markKind,
			Via:           via,
			TokenID:       tok.ID,
			MarkedAt:      now,
		}); err != nil {
			return fmt.Errorf("mark attendance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("rotating scan verified",
		zap.String("session_id", sess.ID),
		zap.String("participant_id", scanner.ID),
		zap.String("kind", string(tok.Kind)))
	return &Result{SessionID: sess.ID, HolderMarked: scanner.ID}, nil
}

// Join validates the session join code for the authenticated participant
// and records their device fingerprint. Joining again is a no-op that
// refreshes the fingerprint.
func (s *VerifyService) Join(ctx context.Context, sessionID string, scan Scan) error {
	ev := s.newEvent(string(token.KindSessionJoin), scan)
	ev.SessionID = sessionID
	err := s.join(ctx, sessionID, scan)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			ev.Outcome = auditdomain.OutcomeRejected
			ev.ErrorCode = string(rej.Code)
			s.record(ctx, ev)
		}
		return err
	}
	ev.Outcome = auditdomain.OutcomeVerified
	s.record(ctx, ev)
	return nil
}

func (s *VerifyService) join(ctx context.Context, sessionID string, scan Scan) error {
	tok, err := s.codec.VerifyAndDecode(scan.Raw)
	if err != nil {
		return reject(wire.CodeUnauthorized, "join code rejected: %v", err)
	}
	if tok.Kind != token.KindSessionJoin {
		return reject(wire.CodeInvalidState, "token kind %q is not a join code", tok.Kind)
	}
	if tok.ID != scan.TokenID || tok.Etag != scan.Etag {
		return reject(wire.CodeUnauthorized, "request does not match token claims")
	}
	if tok.SessionID != sessionID {
		return reject(wire.CodeUnauthorized, "join code belongs to another session")
	}
	if token.IsExpired(tok, s.clk.Now()) {
		return reject(wire.CodeExpiredToken, "join code expired")
	}

	sess, scanner, err := s.admit(ctx, sessionID, scan)
	if err != nil {
		return err
	}
	if sess.JoinTokenID != tok.ID || sess.JoinEtag != tok.Etag {
		return reject(wire.CodeUnauthorized, "join code was rotated")
	}

	if scan.Metadata != nil && scan.Metadata.DeviceFingerprint != "" {
		if err := s.stores.Sessions.SetParticipantFingerprint(ctx, scanner.ID, scan.Metadata.DeviceFingerprint); err != nil {
			return fmt.Errorf("record fingerprint: %w", err)
		}
	}
	s.log.Info("participant joined",
		zap.String("session_id", sess.ID),
		zap.String("participant_id", scanner.ID))
	return nil
}

func (s *VerifyService) publishChainUpdate(row *chaindomain.Chain, marked, newHolder string, completed bool) {
	if s.bus == nil {
		return
	}
	update := wire.ChainUpdateEvent{
		ChainID:    row.ID,
		Phase:      string(row.Phase),
		LastHolder: newHolder,
		LastSeq:    row.Sequence + 1,
		State:      string(chaindomain.StateActive),
	}
	if completed {
		update.LastHolder = marked
		update.State = string(chaindomain.StateCompleted)
	}
	s.bus.Publish(events.Event{
		SessionID: row.SessionID,
		Name:      wire.EventChainUpdate,
		Payload:   update,
	})
}

func (s *VerifyService) newEvent(kind string, scan Scan) *auditdomain.ScanEvent {
	ev := &auditdomain.ScanEvent{
		Kind:    kind,
		TokenID: scan.TokenID,
		IP:      scan.IP,
	}
	if scan.Scanner != nil {
		ev.ParticipantID = scan.Scanner.ID
		ev.SessionID = scan.Scanner.SessionID
	}
	if scan.Metadata != nil {
		ev.Fingerprint = scan.Metadata.DeviceFingerprint
	}
	return ev
}

func (s *VerifyService) record(ctx context.Context, ev *auditdomain.ScanEvent) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, ev)
}

func (s *VerifyService) mintBaton(sessionID, holderID string, kind token.Kind, now time.Time) (token.Token, string, error) {
	t := token.Token{
		ID:        uuid.New().String(),
		Kind:      kind,
		SessionID: sessionID,
		HolderID:  holderID,
		Etag:      uuid.New().String(),
		ExpiresAt: now.Add(token.ChainValidity),
	}
	value, err := s.codec.Encode(t)
	if err != nil {
		return token.Token{}, "", fmt.Errorf("mint successor baton: %w", err)
	}
	return t, value, nil
}

func engineScan(kind string, scan Scan) engine.Scan {
	es := engine.Scan{Kind: kind}
	if scan.Metadata != nil {
		es.Fingerprint = scan.Metadata.DeviceFingerprint
		es.UserAgent = scan.Metadata.UserAgent
		es.Wifi = scan.Metadata.Wifi
		if scan.Metadata.GPS != nil {
			es.HasGPS = true
			es.Latitude = scan.Metadata.GPS.Latitude
			es.Longitude = scan.Metadata.GPS.Longitude
		}
	}
	return es
}
