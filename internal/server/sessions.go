package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"batonrelay/internal/policy/engine"
	sessiondomain "batonrelay/internal/session/domain"
	"batonrelay/internal/token"
	"batonrelay/internal/wire"
)

// handleSessionCreate creates a session and mints its static join code.
// POST /api/v1/sessions.
func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req wire.SessionCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PolicyRego != "" {
		if err := engine.ValidateModule(req.PolicyRego); err != nil {
			writeError(w, wire.CodeInvalidRequest, "policy rego does not compile: "+err.Error())
			return
		}
	}

	now := s.clk.Now().UTC()
	sess := &sessiondomain.Session{
		ID:         uuid.New().String(),
		Title:      req.Title,
		State:      sessiondomain.StateScheduled,
		StartsAt:   req.StartsAt,
		EndsAt:     req.EndsAt,
		Policy:     policyFromWire(req.Policy),
		PolicyRego: req.PolicyRego,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := sess.Validate(); err != nil {
		writeError(w, wire.CodeInvalidRequest, err.Error())
		return
	}

	// The join code is scanned by every participant and never consumed;
	// it lives as long as the session does.
	join := token.Token{
		ID:        uuid.New().String(),
		Kind:      token.KindSessionJoin,
		SessionID: sess.ID,
		Etag:      uuid.New().String(),
		ExpiresAt: sess.EndsAt,
	}
	value, err := s.codec.Encode(join)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	sess.JoinTokenID = join.ID
	sess.JoinEtag = join.Etag
	sess.JoinTokenValue = value

	if err := s.sessions.Create(r.Context(), sess); err != nil {
		s.serviceError(w, err)
		return
	}
	s.log.Info("session created", zap.String("session_id", sess.ID), zap.String("title", sess.Title))
	writeJSON(w, http.StatusCreated, sessionResponse(sess, true))
}

// handleSessionGet returns one session with its join code.
// GET /api/v1/sessions/{sessionID}.
func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess, true))
}

// handleSessionState moves a session through its lifecycle.
// POST /api/v1/sessions/{sessionID}/state.
func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	var req wire.SessionStateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	next := sessiondomain.State(req.State)
	switch next {
	case sessiondomain.StateScheduled, sessiondomain.StateActive, sessiondomain.StateClosed:
	default:
		writeError(w, wire.CodeInvalidRequest, "unknown state "+req.State)
		return
	}
	// A closed session stays closed; everything else may move freely so
	// operators can pause and resume.
	if sess.State == sessiondomain.StateClosed && next != sessiondomain.StateClosed {
		writeError(w, wire.CodeInvalidState, "session is closed")
		return
	}
	if err := s.sessions.UpdateState(r.Context(), sess.ID, next); err != nil {
		s.serviceError(w, err)
		return
	}
	s.log.Info("session state changed",
		zap.String("session_id", sess.ID),
		zap.String("from", string(sess.State)),
		zap.String("to", string(next)))
	sess.State = next
	writeJSON(w, http.StatusOK, sessionResponse(sess, true))
}

// handleSessionPolicy replaces the anti-cheat policy.
// PUT /api/v1/sessions/{sessionID}/policy.
func (s *Server) handleSessionPolicy(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	var req wire.SessionPolicyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PolicyRego != "" {
		if err := engine.ValidateModule(req.PolicyRego); err != nil {
			writeError(w, wire.CodeInvalidRequest, "policy rego does not compile: "+err.Error())
			return
		}
	}
	pol := policyFromWire(req.Policy)
	if err := s.sessions.UpdatePolicy(r.Context(), sess.ID, pol, req.PolicyRego); err != nil {
		s.serviceError(w, err)
		return
	}
	sess.Policy = pol
	sess.PolicyRego = req.PolicyRego
	writeJSON(w, http.StatusOK, sessionResponse(sess, true))
}

// handleParticipantAdd adds one roster member, minting a device token
// when the operator did not supply one.
// POST /api/v1/sessions/{sessionID}/participants.
func (s *Server) handleParticipantAdd(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	var req wire.ParticipantCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DisplayName == "" {
		writeError(w, wire.CodeInvalidRequest, "displayName is required")
		return
	}
	deviceToken := req.DeviceToken
	if deviceToken == "" {
		deviceToken = uuid.New().String()
	}
	eligible := true
	if req.Eligible != nil {
		eligible = *req.Eligible
	}
	p := &sessiondomain.Participant{
		ID:          uuid.New().String(),
		SessionID:   sess.ID,
		DisplayName: req.DisplayName,
		DeviceToken: deviceToken,
		Eligible:    eligible,
		JoinedAt:    s.clk.Now().UTC(),
	}
	if err := s.sessions.AddParticipant(r.Context(), p); err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.ParticipantResponse{
		ID:          p.ID,
		SessionID:   p.SessionID,
		DisplayName: p.DisplayName,
		DeviceToken: p.DeviceToken,
		Eligible:    p.Eligible,
	})
}

// handleParticipantList returns the roster without device tokens.
// GET /api/v1/sessions/{sessionID}/participants.
func (s *Server) handleParticipantList(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	ps, err := s.sessions.ListParticipants(r.Context(), sess.ID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	out := wire.ParticipantListResponse{Participants: make([]wire.ParticipantResponse, 0, len(ps))}
	for _, p := range ps {
		out.Participants = append(out.Participants, wire.ParticipantResponse{
			ID:          p.ID,
			SessionID:   p.SessionID,
			DisplayName: p.DisplayName,
			Eligible:    p.Eligible,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// auditListLimit caps one audit page.
const auditListLimit = 200

// handleAuditList returns the session's recent scan trail, newest
// first. GET /api/v1/sessions/{sessionID}/audit.
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	evs, err := s.audit.ListBySession(r.Context(), sess.ID, auditListLimit)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	out := wire.ScanEventListResponse{Events: make([]wire.ScanEventRecord, 0, len(evs))}
	for _, ev := range evs {
		out.Events = append(out.Events, wire.ScanEventRecord{
			ID:            ev.ID,
			ParticipantID: ev.ParticipantID,
			Kind:          ev.Kind,
			TokenID:       ev.TokenID,
			ChainID:       ev.ChainID,
			Outcome:       string(ev.Outcome),
			ErrorCode:     ev.ErrorCode,
			Fingerprint:   ev.Fingerprint,
			IP:            ev.IP,
			CreatedAt:     ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*sessiondomain.Session, bool) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.sessions.GetByID(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return nil, false
	}
	if sess == nil {
		writeError(w, wire.CodeNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func sessionResponse(sess *sessiondomain.Session, includeJoin bool) wire.SessionResponse {
	resp := wire.SessionResponse{
		ID:       sess.ID,
		Title:    sess.Title,
		State:    string(sess.State),
		StartsAt: sess.StartsAt,
		EndsAt:   sess.EndsAt,
		Policy:   policyToWire(sess.Policy),
	}
	if includeJoin {
		resp.JoinToken = sess.JoinTokenValue
	}
	return resp
}

func policyFromWire(p *wire.SessionPolicy) sessiondomain.Policy {
	if p == nil {
		return sessiondomain.Policy{}
	}
	pol := sessiondomain.Policy{
		GPSRequired:   p.GPSRequired,
		WifiAllowlist: p.WifiAllowlist,
	}
	if p.Geofence != nil {
		pol.Geofence = &sessiondomain.Geofence{
			Latitude:     p.Geofence.Latitude,
			Longitude:    p.Geofence.Longitude,
			RadiusMeters: p.Geofence.RadiusMeters,
		}
	}
	return pol
}

func policyToWire(pol sessiondomain.Policy) *wire.SessionPolicy {
	if !pol.GPSRequired && pol.Geofence == nil && len(pol.WifiAllowlist) == 0 {
		return nil
	}
	out := &wire.SessionPolicy{
		GPSRequired:   pol.GPSRequired,
		WifiAllowlist: pol.WifiAllowlist,
	}
	if pol.Geofence != nil {
		out.Geofence = &wire.Geofence{
			Latitude:     pol.Geofence.Latitude,
			Longitude:    pol.Geofence.Longitude,
			RadiusMeters: pol.Geofence.RadiusMeters,
		}
	}
	return out
}
