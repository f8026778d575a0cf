package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

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

type mockSessions struct {
	mu           sync.Mutex
	session      *sessiondomain.Session
	fingerprints map[string]string
	unmarked     int
}

func (m *mockSessions) GetByID(ctx context.Context, id string) (*sessiondomain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.ID != id {
		return nil, nil
	}
	return m.session, nil
}

func (m *mockSessions) SetParticipantFingerprint(ctx context.Context, id, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fingerprints == nil {
		m.fingerprints = map[string]string{}
	}
	m.fingerprints[id] = fingerprint
	return nil
}

func (m *mockSessions) CountUnmarkedEligible(ctx context.Context, sessionID, markKind string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unmarked, nil
}

type mockChains struct {
	mu        sync.Mutex
	row       *chaindomain.Chain
	advanceOK bool
	advanced  []chainrepo.AdvanceParams
}

func (m *mockChains) GetByTokenID(ctx context.Context, tokenID string) (*chaindomain.Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.row == nil || m.row.TokenID != tokenID {
		return nil, nil
	}
	return m.row, nil
}

func (m *mockChains) Advance(ctx context.Context, chainID string, p chainrepo.AdvanceParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanced = append(m.advanced, p)
	return m.advanceOK, nil
}

type mockWindows struct {
	mu        sync.Mutex
	window    *rotatingdomain.Window
	consumeOK bool
	consumed  [][2]string
}

func (m *mockWindows) Get(ctx context.Context, sessionID string, purpose token.Kind) (*rotatingdomain.Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.window == nil || m.window.Purpose != purpose {
		return nil, nil
	}
	return m.window, nil
}

func (m *mockWindows) Consume(ctx context.Context, sessionID string, purpose token.Kind, tokenID, etag string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed = append(m.consumed, [2]string{tokenID, etag})
	return m.consumeOK, nil
}

type mockMarks struct {
	mu    sync.Mutex
	marks []*attendancedomain.Mark
}

func (m *mockMarks) Mark(ctx context.Context, mark *attendancedomain.Mark) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = append(m.marks, mark)
	return true, nil
}

type mockRecorder struct {
	mu     sync.Mutex
	events []*auditdomain.ScanEvent
}

func (m *mockRecorder) Record(ctx context.Context, event *auditdomain.ScanEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

type stubEvaluator struct {
	violations []string
	err        error
}

func (s *stubEvaluator) Evaluate(ctx context.Context, sess *sessiondomain.Session, scan engine.Scan) ([]string, error) {
	return s.violations, s.err
}

var testBase = time.Unix(1767000000, 0)

type fixture struct {
	svc      *VerifyService
	codec    *token.Codec
	clk      *clock.FakeClock
	sessions *mockSessions
	chains   *mockChains
	windows  *mockWindows
	marks    *mockMarks
	recorder *mockRecorder
	eval     *stubEvaluator
	bus      *events.Broadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &fixture{
		codec: token.NewCodec(key, key.Public(), "batonrelay-test"),
		clk:   clock.Fake(testBase),
		sessions: &mockSessions{
			session: &sessiondomain.Session{
				ID:          "sess-1",
				Title:       "Lecture",
				State:       sessiondomain.StateActive,
				JoinTokenID: "join-1",
				JoinEtag:    "join-etag-1",
			},
			unmarked: 5,
		},
		chains:   &mockChains{advanceOK: true},
		windows:  &mockWindows{consumeOK: true},
		marks:    &mockMarks{},
		recorder: &mockRecorder{},
		eval:     &stubEvaluator{},
		bus:      events.NewBroadcaster(zap.NewNop()),
	}
	stores := Stores{Sessions: f.sessions, Chains: f.chains, Windows: f.windows, Marks: f.marks}
	atomic := func(ctx context.Context, fn func(st Stores) error) error { return fn(stores) }
	f.svc = NewVerifyService(stores, atomic, f.codec, f.eval, f.recorder, f.bus, zap.NewNop(), WithClock(f.clk))
	return f
}

func scannerOf(id string) *sessiondomain.Participant {
	return &sessiondomain.Participant{ID: id, SessionID: "sess-1", Eligible: true}
}

func envelope() *wire.Envelope {
	return &wire.Envelope{DeviceFingerprint: "fp_abc123", UserAgent: "kiosk/1.0"}
}

// mintRaw signs tok with the fixture codec and returns the encoded
// capture plus the scan request fields a client would submit.
func (f *fixture) mintRaw(t *testing.T, tok token.Token) (string, Scan) {
	t.Helper()
	raw, err := f.codec.Encode(tok)
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	return raw, Scan{
		TokenID:  tok.ID,
		Etag:     tok.Etag,
		Raw:      raw,
		Scanner:  scannerOf("stu-2"),
		Metadata: envelope(),
		IP:       "203.0.113.9",
	}
}

func (f *fixture) chainToken() token.Token {
	return token.Token{
		ID:        "t1",
		Kind:      token.KindEntryChain,
		SessionID: "sess-1",
		HolderID:  "stu-1",
		Etag:      "e1",
		ExpiresAt: testBase.Add(token.ChainValidity),
	}
}

func (f *fixture) installChain(tok token.Token) *chaindomain.Chain {
	f.chains.row = &chaindomain.Chain{
		ID:             "chain-1",
		SessionID:      "sess-1",
		Phase:          chaindomain.PhaseEntry,
		Index:          0,
		HolderID:       tok.HolderID,
		Sequence:       0,
		State:          chaindomain.StateActive,
		TokenID:        tok.ID,
		TokenEtag:      tok.Etag,
		TokenValue:     "stored-value",
		TokenExpiresAt: tok.ExpiresAt,
	}
	return f.chains.row
}

func wantRejection(t *testing.T, err error, code wire.Code) {
	t.Helper()
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("error = %v, want a Rejection", err)
	}
	if rej.Code != code {
		t.Fatalf("rejection code = %s, want %s", rej.Code, code)
	}
}

func (f *fixture) lastAudit(t *testing.T) *auditdomain.ScanEvent {
	t.Helper()
	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	if len(f.recorder.events) == 0 {
		t.Fatal("no audit event recorded")
	}
	return f.recorder.events[len(f.recorder.events)-1]
}

func TestVerify_ChainHandoff(t *testing.T) {
	f := newFixture(t)
	tok := f.chainToken()
	f.installChain(tok)
	_, scan := f.mintRaw(t, tok)

	sub, cancel := f.bus.Subscribe("sess-1")
	defer cancel()

	res, err := f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.HolderMarked != "stu-1" {
		t.Errorf("holderMarked = %q, want stu-1", res.HolderMarked)
	}
	if res.NewHolder != "stu-2" {
		t.Errorf("newHolder = %q, want stu-2", res.NewHolder)
	}
	if res.Completed {
		t.Error("completed = true, want false while unmarked participants remain")
	}

	succ, err := f.codec.Decode(res.NewToken)
	if err != nil {
		t.Fatalf("decode successor baton: %v", err)
	}
	if succ.Kind != token.KindEntryChain || succ.HolderID != "stu-2" {
		t.Errorf("successor = %q/%q, want entry_chain/stu-2", succ.Kind, succ.HolderID)
	}
	if succ.Etag != res.NewTokenEtag {
		t.Errorf("successor etag = %q, want %q", succ.Etag, res.NewTokenEtag)
	}
	if !succ.ExpiresAt.Equal(testBase.UTC().Add(token.ChainValidity)) {
		t.Errorf("successor expiry = %v, want %v", succ.ExpiresAt, testBase.UTC().Add(token.ChainValidity))
	}

	if len(f.marks.marks) != 1 {
		t.Fatalf("marks = %d, want 1", len(f.marks.marks))
	}
	mark := f.marks.marks[0]
	if mark.ParticipantID != "stu-1" || mark.Kind != attendancedomain.KindEntry || mark.Via != attendancedomain.ViaChain {
		t.Errorf("mark = %s/%s/%s, want stu-1/entry/chain", mark.ParticipantID, mark.Kind, mark.Via)
	}
	if mark.ChainID != "chain-1" || mark.TokenID != "t1" {
		t.Errorf("mark references = %q/%q, want chain-1/t1", mark.ChainID, mark.TokenID)
	}

	if len(f.chains.advanced) != 1 {
		t.Fatalf("Advance called %d times, want 1", len(f.chains.advanced))
	}
	p := f.chains.advanced[0]
	if p.TokenID != "t1" || p.Etag != "e1" {
		t.Errorf("consumed pair = %q/%q, want t1/e1", p.TokenID, p.Etag)
	}
	if p.NewHolderID != "stu-2" || p.Complete {
		t.Errorf("advance params = holder %q complete %v, want stu-2/false", p.NewHolderID, p.Complete)
	}

	select {
	case e := <-sub:
		if e.Name != wire.EventChainUpdate {
			t.Fatalf("event = %q, want chain_update", e.Name)
		}
		update := e.Payload.(wire.ChainUpdateEvent)
		if update.ChainID != "chain-1" || update.LastHolder != "stu-2" || update.LastSeq != 1 {
			t.Errorf("update = %+v, want chain-1/stu-2/seq 1", update)
		}
		if update.State != string(chaindomain.StateActive) {
			t.Errorf("update state = %q, want active", update.State)
		}
	default:
		t.Fatal("no chain_update published")
	}

	ev := f.lastAudit(t)
	if ev.Outcome != auditdomain.OutcomeVerified || ev.ErrorCode != "" {
		t.Errorf("audit = %s/%q, want verified with no code", ev.Outcome, ev.ErrorCode)
	}
	if ev.SessionID != "sess-1" || ev.ParticipantID != "stu-2" || ev.ChainID != "chain-1" {
		t.Errorf("audit refs = %q/%q/%q, want sess-1/stu-2/chain-1", ev.SessionID, ev.ParticipantID, ev.ChainID)
	}
	if ev.Fingerprint != "fp_abc123" || ev.IP != "203.0.113.9" {
		t.Errorf("audit envelope = %q/%q", ev.Fingerprint, ev.IP)
	}
}

func TestVerify_ChainCompletion(t *testing.T) {
	f := newFixture(t)
	f.sessions.unmarked = 0
	tok := f.chainToken()
	f.installChain(tok)
	_, scan := f.mintRaw(t, tok)

	sub, cancel := f.bus.Subscribe("sess-1")
	defer cancel()

	res, err := f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Completed {
		t.Error("completed = false, want true when no unmarked participants remain")
	}
	if res.NewHolder != "" || res.NewToken != "" {
		t.Errorf("successor = %q/%q, want none on completion", res.NewHolder, res.NewToken)
	}

	p := f.chains.advanced[0]
	if !p.Complete || p.NewTokenID != "" {
		t.Errorf("advance params = complete %v token %q, want true/empty", p.Complete, p.NewTokenID)
	}

	select {
	case e := <-sub:
		update := e.Payload.(wire.ChainUpdateEvent)
		if update.State != string(chaindomain.StateCompleted) || update.LastHolder != "stu-1" {
			t.Errorf("update = %+v, want completed with last holder stu-1", update)
		}
	default:
		t.Fatal("no chain_update published")
	}
}

func TestVerify_RejectsForgedToken(t *testing.T) {
	f := newFixture(t)
	tok := f.chainToken()
	f.installChain(tok)

	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forger := token.NewCodec(otherKey, otherKey.Public(), "batonrelay-test")
	raw, err := forger.Encode(tok)
	if err != nil {
		t.Fatalf("encode forged token: %v", err)
	}
	scan := Scan{TokenID: tok.ID, Etag: tok.Etag, Raw: raw, Scanner: scannerOf("stu-2"), Metadata: envelope()}

	_, err = f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeUnauthorized)

	if len(f.marks.marks) != 0 || len(f.chains.advanced) != 0 {
		t.Error("forged scan reached consumption")
	}
	ev := f.lastAudit(t)
	if ev.Outcome != auditdomain.OutcomeRejected || ev.ErrorCode != string(wire.CodeUnauthorized) {
		t.Errorf("audit = %s/%q, want rejected/UNAUTHORIZED", ev.Outcome, ev.ErrorCode)
	}
	if ev.SessionID != "sess-1" {
		t.Errorf("audit session = %q, want scanner fallback sess-1", ev.SessionID)
	}
}

func TestVerify_KindMismatch(t *testing.T) {
	f := newFixture(t)
	tok := f.chainToken()
	f.installChain(tok)
	_, scan := f.mintRaw(t, tok)

	_, err := f.svc.Verify(context.Background(), token.KindLateEntry, scan)
	wantRejection(t, err, wire.CodeInvalidState)
}

func TestVerify_ClaimsMismatch(t *testing.T) {
	f := newFixture(t)
	tok := f.chainToken()
	f.installChain(tok)
	_, scan := f.mintRaw(t, tok)
	scan.Etag = "not-the-real-etag"

	_, err := f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeUnauthorized)
}

func TestVerify_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	tok := f.chainToken()
	f.installChain(tok)
	_, scan := f.mintRaw(t, tok)

	f.clk.Advance(token.ChainValidity)

	_, err := f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeExpiredToken)
	if len(f.chains.advanced) != 0 {
		t.Error("expired scan reached consumption")
	}
	ev := f.lastAudit(t)
	if ev.ErrorCode != string(wire.CodeExpiredToken) {
		t.Errorf("audit code = %q, want EXPIRED_TOKEN", ev.ErrorCode)
	}
}

func TestVerify_SessionChecks(t *testing.T) {
	f := newFixture(t)
	tok := f.chainToken()
	f.installChain(tok)
	_, scan := f.mintRaw(t, tok)

	f.sessions.session.State = sessiondomain.StateClosed
	_, err := f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeInvalidState)

	f.sessions.session = nil
	_, err = f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeInvalidState)
}

func TestVerify_ScannerChecks(t *testing.T) {
	f := newFixture(t)
	tok := f.chainToken()
	f.installChain(tok)
	_, scan := f.mintRaw(t, tok)

	scan.Scanner = nil
	_, err := f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeUnauthorized)

	_, scan = f.mintRaw(t, tok)
	scan.Scanner.SessionID = "sess-other"
	_, err = f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeUnauthorized)

	_, scan = f.mintRaw(t, tok)
	scan.Scanner.Eligible = false
	_, err = f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeIneligibleStudent)
}

func TestVerify_PolicyViolation(t *testing.T) {
	f := newFixture(t)
	f.eval.violations = []string{string(wire.CodeGeofenceViolation), string(wire.CodeWifiViolation)}
	tok := f.chainToken()
	f.installChain(tok)
	_, scan := f.mintRaw(t, tok)

	_, err := f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeGeofenceViolation)
	if len(f.chains.advanced) != 0 {
		t.Error("violating scan reached consumption")
	}
}

func TestVerify_SelfScan(t *testing.T) {
	f := newFixture(t)
	tok := f.chainToken()
	f.installChain(tok)
	_, scan := f.mintRaw(t, tok)
	scan.Scanner = scannerOf("stu-1") // the current holder

	_, err := f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeInvalidState)
}

func TestVerify_ChainTokenStates(t *testing.T) {
	f := newFixture(t)
	tok := f.chainToken()
	_, scan := f.mintRaw(t, tok)

	// No chain carries this token id anymore.
	_, err := f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeTokenAlreadyUsed)

	// Stalled chains reject until a reseed replaces them.
	row := f.installChain(tok)
	row.State = chaindomain.StateStalled
	_, err = f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeInvalidState)

	// A refreshed baton leaves the old etag behind.
	row.State = chaindomain.StateActive
	row.TokenEtag = "e2-refreshed"
	_, err = f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeTokenAlreadyUsed)
}

func TestVerify_AdvanceRace(t *testing.T) {
	f := newFixture(t)
	f.chains.advanceOK = false
	tok := f.chainToken()
	f.installChain(tok)
	_, scan := f.mintRaw(t, tok)

	_, err := f.svc.Verify(context.Background(), token.KindEntryChain, scan)
	wantRejection(t, err, wire.CodeTokenAlreadyUsed)
}

func (f *fixture) rotatingToken() token.Token {
	return token.Token{
		ID:        "r1",
		Kind:      token.KindLateEntry,
		SessionID: "sess-1",
		Etag:      "re1",
		ExpiresAt: testBase.Add(token.RotatingValidity),
	}
}

func (f *fixture) openWindow(purpose token.Kind, tok token.Token) {
	f.windows.window = &rotatingdomain.Window{
		SessionID:      "sess-1",
		Purpose:        purpose,
		IsOpen:         true,
		TokenID:        tok.ID,
		TokenEtag:      tok.Etag,
		TokenValue:     "stored-value",
		TokenExpiresAt: tok.ExpiresAt,
	}
}

func TestVerify_RotatingMarksScanner(t *testing.T) {
	f := newFixture(t)
	tok := f.rotatingToken()
	f.openWindow(token.KindLateEntry, tok)
	_, scan := f.mintRaw(t, tok)

	res, err := f.svc.Verify(context.Background(), token.KindLateEntry, scan)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.HolderMarked != "stu-2" {
		t.Errorf("holderMarked = %q, want the scanner stu-2", res.HolderMarked)
	}
	if res.NewHolder != "" || res.NewToken != "" {
		t.Errorf("successor = %q/%q, want none for rotating scans", res.NewHolder, res.NewToken)
	}

	if len(f.windows.consumed) != 1 || f.windows.consumed[0] != [2]string{"r1", "re1"} {
		t.Errorf("consumed = %v, want [r1 re1]", f.windows.consumed)
	}
	if len(f.marks.marks) != 1 {
		t.Fatalf("marks = %d, want 1", len(f.marks.marks))
	}
	mark := f.marks.marks[0]
	if mark.ParticipantID != "stu-2" || mark.Kind != attendancedomain.KindLateEntry || mark.Via != attendancedomain.ViaRotating {
		t.Errorf("mark = %s/%s/%s, want stu-2/late_entry/rotating", mark.ParticipantID, mark.Kind, mark.Via)
	}
	if mark.ChainID != "" {
		t.Errorf("mark chain = %q, want empty", mark.ChainID)
	}
}

func TestVerify_RotatingWindowClosed(t *testing.T) {
	f := newFixture(t)
	tok := f.rotatingToken()
	_, scan := f.mintRaw(t, tok)

	_, err := f.svc.Verify(context.Background(), token.KindLateEntry, scan)
	wantRejection(t, err, wire.CodeInvalidState)

	f.openWindow(token.KindLateEntry, tok)
	f.windows.window.IsOpen = false
	_, err = f.svc.Verify(context.Background(), token.KindLateEntry, scan)
	wantRejection(t, err, wire.CodeInvalidState)
}

func TestVerify_RotatingConsumeRace(t *testing.T) {
	f := newFixture(t)
	f.windows.consumeOK = false
	tok := f.rotatingToken()
	f.openWindow(token.KindLateEntry, tok)
	_, scan := f.mintRaw(t, tok)

	_, err := f.svc.Verify(context.Background(), token.KindLateEntry, scan)
	wantRejection(t, err, wire.CodeTokenAlreadyUsed)
}

func (f *fixture) joinToken() token.Token {
	return token.Token{
		ID:        "join-1",
		Kind:      token.KindSessionJoin,
		SessionID: "sess-1",
		Etag:      "join-etag-1",
		ExpiresAt: testBase.Add(2 * time.Hour),
	}
}

func TestJoin_RecordsFingerprint(t *testing.T) {
	f := newFixture(t)
	_, scan := f.mintRaw(t, f.joinToken())

	if err := f.svc.Join(context.Background(), "sess-1", scan); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got := f.sessions.fingerprints["stu-2"]; got != "fp_abc123" {
		t.Errorf("fingerprint = %q, want fp_abc123", got)
	}
	ev := f.lastAudit(t)
	if ev.Outcome != auditdomain.OutcomeVerified || ev.Kind != string(token.KindSessionJoin) {
		t.Errorf("audit = %s/%s, want verified/session_join", ev.Outcome, ev.Kind)
	}
}

func TestJoin_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, scan := f.mintRaw(t, f.joinToken())

	for i := 0; i < 2; i++ {
		if err := f.svc.Join(context.Background(), "sess-1", scan); err != nil {
			t.Fatalf("Join attempt %d: %v", i+1, err)
		}
	}
}

func TestJoin_Rejections(t *testing.T) {
	f := newFixture(t)

	// A chain baton is not a join code.
	chainTok := f.chainToken()
	_, scan := f.mintRaw(t, chainTok)
	err := f.svc.Join(context.Background(), "sess-1", scan)
	wantRejection(t, err, wire.CodeInvalidState)

	// Wrong session in the URL.
	_, scan = f.mintRaw(t, f.joinToken())
	err = f.svc.Join(context.Background(), "sess-other", scan)
	wantRejection(t, err, wire.CodeUnauthorized)

	// The session rotated its join code after this one was printed.
	stale := f.joinToken()
	stale.ID = "join-0"
	stale.Etag = "join-etag-0"
	_, scan = f.mintRaw(t, stale)
	err = f.svc.Join(context.Background(), "sess-1", scan)
	wantRejection(t, err, wire.CodeUnauthorized)

	// Expired join code.
	expired := f.joinToken()
	expired.ExpiresAt = testBase.Add(-time.Minute)
	_, scan = f.mintRaw(t, expired)
	err = f.svc.Join(context.Background(), "sess-1", scan)
	wantRejection(t, err, wire.CodeExpiredToken)
}
