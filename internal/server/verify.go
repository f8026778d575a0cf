package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"batonrelay/internal/server/middleware"
	"batonrelay/internal/token"
	verifysvc "batonrelay/internal/verify/service"
	"batonrelay/internal/wire"
)

// handleVerify runs one scan through the verification flow for the
// endpoint's kind. POST /api/v1/verify/{kind}.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	kind := token.Kind(chi.URLParam(r, "kind"))
	if !kind.IsChain() && !kind.IsRotating() {
		writeError(w, wire.CodeInvalidRequest, "no verification endpoint for kind "+string(kind))
		return
	}

	var req wire.VerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, _ := middleware.ParticipantFromContext(r.Context())

	res, err := s.verify.Verify(r.Context(), kind, verifysvc.Scan{
		TokenID:  req.TokenID,
		Etag:     req.Etag,
		Raw:      req.Raw,
		Scanner:  p,
		Metadata: req.Metadata,
		IP:       r.RemoteAddr,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, wire.VerifyResponse{
		Success:      true,
		HolderMarked: res.HolderMarked,
		NewHolder:    res.NewHolder,
		NewToken:     res.NewToken,
		NewTokenEtag: res.NewTokenEtag,
	})
}

// handleJoin exchanges a session-join capture for roster membership.
// POST /api/v1/sessions/{sessionID}/join.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req wire.JoinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, _ := middleware.ParticipantFromContext(r.Context())
	if p != nil && req.ParticipantID != "" && req.ParticipantID != p.ID {
		writeError(w, wire.CodeUnauthorized, "cannot join on behalf of another participant")
		return
	}

	err := s.verify.Join(r.Context(), sessionID, verifysvc.Scan{
		TokenID:  req.TokenID,
		Etag:     req.Etag,
		Raw:      req.Raw,
		Scanner:  p,
		Metadata: req.Metadata,
		IP:       r.RemoteAddr,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.JoinResponse{Success: true, SessionID: sessionID})
}
