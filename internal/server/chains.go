package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	chaindomain "batonrelay/internal/chain/domain"
	chainsvc "batonrelay/internal/chain/service"
	"batonrelay/internal/server/middleware"
	"batonrelay/internal/wire"
)

type seedFunc func(r *http.Request, sessionID string, count int) (*chainsvc.SeedResult, error)

// handleSeed creates count entry chains. POST .../chains/seed.
func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	s.runSeed(w, r, func(r *http.Request, sessionID string, count int) (*chainsvc.SeedResult, error) {
		return s.chains.Seed(r.Context(), sessionID, count)
	})
}

// handleStartExit opens the exit phase. POST .../chains/start-exit.
func (s *Server) handleStartExit(w http.ResponseWriter, r *http.Request) {
	s.runSeed(w, r, func(r *http.Request, sessionID string, count int) (*chainsvc.SeedResult, error) {
		return s.chains.StartExit(r.Context(), sessionID, count)
	})
}

// handleReseed retires stalled chains and seeds replacements.
// POST .../chains/reseed.
func (s *Server) handleReseed(w http.ResponseWriter, r *http.Request) {
	s.runSeed(w, r, func(r *http.Request, sessionID string, count int) (*chainsvc.SeedResult, error) {
		return s.chains.Reseed(r.Context(), sessionID, count)
	})
}

func (s *Server) runSeed(w http.ResponseWriter, r *http.Request, seed seedFunc) {
	sessionID := chi.URLParam(r, "sessionID")
	var req wire.SeedRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := seed(r, sessionID, req.Count)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	holders := make([]string, 0, len(res.Chains))
	for _, ch := range res.Chains {
		holders = append(holders, ch.HolderID)
	}
	writeJSON(w, http.StatusOK, wire.SeedResponse{
		ChainsCreated:  len(res.Chains),
		InitialHolders: holders,
	})
}

// handleChainList returns the session's chain roster.
// GET .../chains.
func (s *Server) handleChainList(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	chains, err := s.chains.Roster(r.Context(), sessionID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	out := wire.ChainListResponse{Chains: make([]wire.ChainRecord, 0, len(chains))}
	for _, ch := range chains {
		out.Chains = append(out.Chains, chainRecord(ch))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMyChain returns the authenticated participant's active chain
// with a renderable baton. GET .../chains/mine.
func (s *Server) handleMyChain(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	p, _ := middleware.ParticipantFromContext(r.Context())
	if p == nil || p.SessionID != sessionID {
		writeError(w, wire.CodeUnauthorized, "participant belongs to another session")
		return
	}

	ch, err := s.chains.HolderChain(r.Context(), sessionID, p.ID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	resp := wire.HolderChainResponse{Chain: chainRecord(ch)}
	if ch.TokenValue != "" {
		resp.Token = &wire.IssuedToken{
			Value:     ch.TokenValue,
			TokenID:   ch.TokenID,
			Etag:      ch.TokenEtag,
			ExpiresAt: ch.TokenExpiresAt.Unix(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func chainRecord(ch *chaindomain.Chain) wire.ChainRecord {
	return wire.ChainRecord{
		ChainID:        ch.ID,
		Phase:          string(ch.Phase),
		Index:          ch.Index,
		HolderID:       ch.HolderID,
		Sequence:       ch.Sequence,
		LastActivityAt: ch.LastActivityAt.Unix(),
		State:          string(ch.State),
	}
}
