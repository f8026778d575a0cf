package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	auditdomain "batonrelay/internal/audit/domain"
	chaindomain "batonrelay/internal/chain/domain"
	chainsvc "batonrelay/internal/chain/service"
	"batonrelay/internal/events"
	rotatingdomain "batonrelay/internal/rotating/domain"
	rotatingsvc "batonrelay/internal/rotating/service"
	"batonrelay/internal/server/middleware"
	sessiondomain "batonrelay/internal/session/domain"
	"batonrelay/internal/token"
	verifysvc "batonrelay/internal/verify/service"
	"batonrelay/internal/wire"
)

// fakeSessions implements sessionrepo.Repository over maps.
type fakeSessions struct {
	sessions     map[string]*sessiondomain.Session
	participants map[string]*sessiondomain.Participant // by device token
	created      []*sessiondomain.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions:     map[string]*sessiondomain.Session{},
		participants: map[string]*sessiondomain.Participant{},
	}
}

func (f *fakeSessions) Create(ctx context.Context, s *sessiondomain.Session) error {
	f.sessions[s.ID] = s
	f.created = append(f.created, s)
	return nil
}

func (f *fakeSessions) GetByID(ctx context.Context, id string) (*sessiondomain.Session, error) {
	return f.sessions[id], nil
}

func (f *fakeSessions) UpdateState(ctx context.Context, id string, state sessiondomain.State) error {
	if s := f.sessions[id]; s != nil {
		s.State = state
	}
	return nil
}

func (f *fakeSessions) UpdatePolicy(ctx context.Context, id string, pol sessiondomain.Policy, customRego string) error {
	if s := f.sessions[id]; s != nil {
		s.Policy, s.PolicyRego = pol, customRego
	}
	return nil
}

func (f *fakeSessions) AddParticipant(ctx context.Context, p *sessiondomain.Participant) error {
	f.participants[p.DeviceToken] = p
	return nil
}

func (f *fakeSessions) SetParticipantFingerprint(ctx context.Context, id, fingerprint string) error {
	return nil
}

func (f *fakeSessions) GetParticipantByID(ctx context.Context, id string) (*sessiondomain.Participant, error) {
	for _, p := range f.participants {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakeSessions) GetParticipantByDeviceToken(ctx context.Context, tok string) (*sessiondomain.Participant, error) {
	return f.participants[tok], nil
}

func (f *fakeSessions) ListParticipants(ctx context.Context, sessionID string) ([]*sessiondomain.Participant, error) {
	var out []*sessiondomain.Participant
	for _, p := range f.participants {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeSessions) SeedCandidates(ctx context.Context, sessionID, markKind, phase string, limit int) ([]*sessiondomain.Participant, error) {
	return nil, nil
}

func (f *fakeSessions) CountUnmarkedEligible(ctx context.Context, sessionID, markKind string) (int, error) {
	return 0, nil
}

type fakeVerify struct {
	res     *verifysvc.Result
	err     error
	gotKind token.Kind
	gotScan verifysvc.Scan
}

func (f *fakeVerify) Verify(ctx context.Context, kind token.Kind, scan verifysvc.Scan) (*verifysvc.Result, error) {
	f.gotKind, f.gotScan = kind, scan
	return f.res, f.err
}

func (f *fakeVerify) Join(ctx context.Context, sessionID string, scan verifysvc.Scan) error {
	f.gotScan = scan
	return f.err
}

type fakeChains struct {
	seedRes *chainsvc.SeedResult
	seedErr error
	holder  *chaindomain.Chain
	roster  []*chaindomain.Chain
	err     error
}

func (f *fakeChains) Seed(ctx context.Context, sessionID string, count int) (*chainsvc.SeedResult, error) {
	return f.seedRes, f.seedErr
}

func (f *fakeChains) StartExit(ctx context.Context, sessionID string, count int) (*chainsvc.SeedResult, error) {
	return f.seedRes, f.seedErr
}

func (f *fakeChains) Reseed(ctx context.Context, sessionID string, count int) (*chainsvc.SeedResult, error) {
	return f.seedRes, f.seedErr
}

func (f *fakeChains) HolderChain(ctx context.Context, sessionID, participantID string) (*chaindomain.Chain, error) {
	if f.holder == nil {
		return nil, chainsvc.ErrNoActiveChain
	}
	return f.holder, f.err
}

func (f *fakeChains) Roster(ctx context.Context, sessionID string) ([]*chaindomain.Chain, error) {
	return f.roster, f.err
}

type fakeRotating struct {
	win    *rotatingdomain.Window
	err    error
	opened int
	closed int
}

func (f *fakeRotating) Open(ctx context.Context, sessionID string, purpose token.Kind) error {
	f.opened++
	return f.err
}

func (f *fakeRotating) Close(ctx context.Context, sessionID string, purpose token.Kind) error {
	f.closed++
	return f.err
}

func (f *fakeRotating) Fetch(ctx context.Context, sessionID string, purpose token.Kind) (*rotatingdomain.Window, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.win, nil
}

type fakeAudit struct {
	events []*auditdomain.ScanEvent
}

func (f *fakeAudit) ListBySession(ctx context.Context, sessionID string, limit int32) ([]*auditdomain.ScanEvent, error) {
	return f.events, nil
}

type fixture struct {
	sessions *fakeSessions
	verify   *fakeVerify
	chains   *fakeChains
	rotating *fakeRotating
	audit    *fakeAudit
	bus      *events.Broadcaster
	srv      *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &fixture{
		sessions: newFakeSessions(),
		verify:   &fakeVerify{},
		chains:   &fakeChains{},
		rotating: &fakeRotating{},
		audit:    &fakeAudit{},
		bus:      events.NewBroadcaster(zap.NewNop()),
	}
	f.srv = New(Deps{
		Log:           zap.NewNop(),
		Sessions:      f.sessions,
		Audit:         f.audit,
		Verify:        f.verify,
		Chains:        f.chains,
		Rotating:      f.rotating,
		Bus:           f.bus,
		Codec:         token.NewCodec(key, &key.PublicKey, "batonrelay-test"),
		OperatorToken: "op-secret",
		RateLimiter:   middleware.NewScanRateLimiter(60, 10),
	})
	f.sessions.participants["dev-1"] = &sessiondomain.Participant{
		ID: "p1", SessionID: "s1", DeviceToken: "dev-1", Eligible: true,
	}
	return f
}

func (f *fixture) request(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestVerify_Success(t *testing.T) {
	f := newFixture(t)
	f.verify.res = &verifysvc.Result{
		SessionID:    "s1",
		HolderMarked: "p9",
		NewHolder:    "p1",
		NewToken:     "tok2",
		NewTokenEtag: "e2",
	}

	rec := f.request(t, http.MethodPost, "/api/v1/verify/entry_chain", "dev-1", wire.VerifyRequest{
		TokenID: "t1", Etag: "e1", Raw: "raw-payload",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp wire.VerifyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.HolderMarked != "p9" || resp.NewHolder != "p1" || resp.NewToken != "tok2" {
		t.Errorf("resp = %+v", resp)
	}
	if f.verify.gotKind != token.KindEntryChain {
		t.Errorf("kind = %s, want entry_chain", f.verify.gotKind)
	}
	if f.verify.gotScan.Scanner == nil || f.verify.gotScan.Scanner.ID != "p1" {
		t.Errorf("scanner = %+v, want p1", f.verify.gotScan.Scanner)
	}
}

func TestVerify_RejectionMapsCodeAndStatus(t *testing.T) {
	f := newFixture(t)
	f.verify.err = &verifysvc.Rejection{Code: wire.CodeExpiredToken, Reason: "token expired"}

	rec := f.request(t, http.MethodPost, "/api/v1/verify/entry_chain", "dev-1", wire.VerifyRequest{Raw: "x"})
	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rec.Code)
	}
	var eb wire.ErrorBody
	if err := json.NewDecoder(rec.Body).Decode(&eb); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if eb.Error.Code != wire.CodeExpiredToken {
		t.Errorf("code = %s, want EXPIRED_TOKEN", eb.Error.Code)
	}
}

func TestVerify_UnknownKindRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/v1/verify/session_join", "dev-1", wire.VerifyRequest{Raw: "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestVerify_RequiresAuth(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/v1/verify/entry_chain", "", wire.VerifyRequest{Raw: "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRotatingFetch_ClosedWindowAnswersInactive(t *testing.T) {
	f := newFixture(t)
	f.rotating.err = rotatingsvc.ErrWindowClosed

	rec := f.request(t, http.MethodGet, "/api/v1/sessions/s1/rotating/late_entry", "dev-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp wire.RotatingFetchResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Active || resp.Token != nil {
		t.Errorf("resp = %+v, want inactive with nil token", resp)
	}
}

func TestRotatingFetch_OpenWindow(t *testing.T) {
	f := newFixture(t)
	exp := time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)
	f.rotating.win = &rotatingdomain.Window{
		SessionID: "s1", Purpose: token.KindLateEntry, IsOpen: true,
		TokenID: "rt1", TokenEtag: "re1", TokenValue: "encoded", TokenExpiresAt: exp,
	}

	rec := f.request(t, http.MethodGet, "/api/v1/sessions/s1/rotating/late_entry", "dev-1", nil)
	var resp wire.RotatingFetchResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Active || resp.Token == nil {
		t.Fatalf("resp = %+v, want active token", resp)
	}
	if resp.Token.Value != "encoded" || resp.Token.ExpiresAt != exp.Unix() {
		t.Errorf("token = %+v", resp.Token)
	}
}

func TestRotatingOpenClose_OperatorOnly(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/v1/sessions/s1/rotating/late_entry/open", "dev-1", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("participant token accepted on operator route: %d", rec.Code)
	}
	rec = f.request(t, http.MethodPost, "/api/v1/sessions/s1/rotating/late_entry/open", "op-secret", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if f.rotating.opened != 1 {
		t.Errorf("opened = %d, want 1", f.rotating.opened)
	}
}

func TestSeed_InsufficientCandidates(t *testing.T) {
	f := newFixture(t)
	f.chains.seedErr = chainsvc.ErrInsufficientCandidates

	rec := f.request(t, http.MethodPost, "/api/v1/sessions/s1/chains/seed", "op-secret", wire.SeedRequest{Count: 5})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var eb wire.ErrorBody
	if err := json.NewDecoder(rec.Body).Decode(&eb); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if eb.Error.Code != wire.CodeInsufficientCandidates {
		t.Errorf("code = %s, want INSUFFICIENT_CANDIDATES", eb.Error.Code)
	}
}

func TestSeed_Success(t *testing.T) {
	f := newFixture(t)
	f.chains.seedRes = &chainsvc.SeedResult{
		Phase: chaindomain.PhaseEntry,
		Chains: []*chaindomain.Chain{
			{ID: "c1", HolderID: "p1"},
			{ID: "c2", HolderID: "p2"},
		},
	}

	rec := f.request(t, http.MethodPost, "/api/v1/sessions/s1/chains/seed", "op-secret", wire.SeedRequest{Count: 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp wire.SeedResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ChainsCreated != 2 || len(resp.InitialHolders) != 2 || resp.InitialHolders[0] != "p1" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestMyChain_MapsBaton(t *testing.T) {
	f := newFixture(t)
	exp := time.Date(2026, 3, 1, 10, 0, 20, 0, time.UTC)
	f.chains.holder = &chaindomain.Chain{
		ID: "c1", SessionID: "s1", Phase: chaindomain.PhaseEntry, HolderID: "p1",
		Sequence: 3, State: chaindomain.StateActive,
		TokenID: "t1", TokenEtag: "e1", TokenValue: "encoded", TokenExpiresAt: exp,
		LastActivityAt: exp.Add(-20 * time.Second),
	}

	rec := f.request(t, http.MethodGet, "/api/v1/sessions/s1/chains/mine", "dev-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp wire.HolderChainResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Chain.ChainID != "c1" || resp.Chain.Sequence != 3 {
		t.Errorf("chain = %+v", resp.Chain)
	}
	if resp.Token == nil || resp.Token.Value != "encoded" || resp.Token.ExpiresAt != exp.Unix() {
		t.Errorf("token = %+v", resp.Token)
	}
}

func TestMyChain_NoChainIs404(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodGet, "/api/v1/sessions/s1/chains/mine", "dev-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSessionCreate_MintsJoinToken(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/v1/sessions", "op-secret", wire.SessionCreateRequest{
		Title:    "Morning lecture",
		StartsAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		EndsAt:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp wire.SessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JoinToken == "" {
		t.Error("join token missing from create response")
	}
	if len(f.sessions.created) != 1 {
		t.Fatalf("sessions created = %d, want 1", len(f.sessions.created))
	}
	if got := f.sessions.created[0]; got.JoinTokenID == "" || got.JoinTokenValue != resp.JoinToken {
		t.Errorf("stored session join trio = %+v", got)
	}
}

func TestSessionCreate_InvalidBody(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer op-secret")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSessionState_ClosedIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.sessions.sessions["s1"] = &sessiondomain.Session{
		ID: "s1", Title: "t", State: sessiondomain.StateClosed,
	}
	rec := f.request(t, http.MethodPost, "/api/v1/sessions/s1/state", "op-secret", wire.SessionStateRequest{State: "active"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHealth_OKWithoutDeps(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestEvents_StreamsPublishedEvent(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer dev-1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.srv.Handler().ServeHTTP(rec, req)
	}()

	// Wait for the subscription to register, publish, then disconnect.
	deadline := time.Now().Add(2 * time.Second)
	for f.bus.SubscriberCount("s1") == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.bus.Publish(events.Event{
		SessionID: "s1",
		Name:      wire.EventChainUpdate,
		Payload:   wire.ChainUpdateEvent{ChainID: "c1", LastSeq: 4, State: "active"},
	})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, "event: chain_update") {
		t.Errorf("stream missing event name:\n%s", body)
	}
	if !strings.Contains(body, `"chainId":"c1"`) {
		t.Errorf("stream missing payload:\n%s", body)
	}
}

func TestEvents_WrongSessionRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodGet, "/api/v1/sessions/other/events", "dev-1", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
