// Package server is the HTTP surface of the relay service: the per-kind
// verification endpoints, session and roster administration, chain
// operations, rotating windows, the realtime event stream, and health.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	auditdomain "batonrelay/internal/audit/domain"
	chaindomain "batonrelay/internal/chain/domain"
	chainsvc "batonrelay/internal/chain/service"
	"batonrelay/internal/clock"
	"batonrelay/internal/events"
	rotatingdomain "batonrelay/internal/rotating/domain"
	"batonrelay/internal/server/middleware"
	sessionrepo "batonrelay/internal/session/repository"
	"batonrelay/internal/token"
	verifysvc "batonrelay/internal/verify/service"
)

// VerifyService is the slice of the verification flow the handlers use.
type VerifyService interface {
	Verify(ctx context.Context, kind token.Kind, scan verifysvc.Scan) (*verifysvc.Result, error)
	Join(ctx context.Context, sessionID string, scan verifysvc.Scan) error
}

// ChainService is the slice of chain lifecycle the handlers use.
type ChainService interface {
	Seed(ctx context.Context, sessionID string, count int) (*chainsvc.SeedResult, error)
	StartExit(ctx context.Context, sessionID string, count int) (*chainsvc.SeedResult, error)
	Reseed(ctx context.Context, sessionID string, count int) (*chainsvc.SeedResult, error)
	HolderChain(ctx context.Context, sessionID, participantID string) (*chaindomain.Chain, error)
	Roster(ctx context.Context, sessionID string) ([]*chaindomain.Chain, error)
}

// RotatingService is the slice of rotating window lifecycle the
// handlers use.
type RotatingService interface {
	Open(ctx context.Context, sessionID string, purpose token.Kind) error
	Close(ctx context.Context, sessionID string, purpose token.Kind) error
	Fetch(ctx context.Context, sessionID string, purpose token.Kind) (*rotatingdomain.Window, error)
}

// AuditStore reads the scan audit trail for the operator console.
type AuditStore interface {
	ListBySession(ctx context.Context, sessionID string, limit int32) ([]*auditdomain.ScanEvent, error)
}

// Pinger checks database reachability for readiness (satisfied by
// *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the anti-cheat engine can evaluate.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps wires the server's collaborators. Bus, Telemetry, DB, and Policy
// may be nil; the matching surface degrades (no realtime events, no
// instrumentation, shallower health checks).
type Deps struct {
	Log      *zap.Logger
	Sessions sessionrepo.Repository
	Audit    AuditStore
	Verify   VerifyService
	Chains   ChainService
	Rotating RotatingService
	Bus      *events.Broadcaster
	Codec    *token.Codec
	Clock    clock.Clock

	OperatorToken string
	RateLimiter   *middleware.ScanRateLimiter
	Telemetry     *middleware.Telemetry
	DB            Pinger
	Policy        PolicyChecker
}

// Server routes HTTP traffic to the services.
type Server struct {
	log      *zap.Logger
	sessions sessionrepo.Repository
	audit    AuditStore
	verify   VerifyService
	chains   ChainService
	rotating RotatingService
	bus      *events.Broadcaster
	codec    *token.Codec
	clk      clock.Clock
	db       Pinger
	policy   PolicyChecker

	router chi.Router
}

// New builds the server and its route tree.
func New(deps Deps) *Server {
	s := &Server{
		log:      deps.Log,
		sessions: deps.Sessions,
		audit:    deps.Audit,
		verify:   deps.Verify,
		chains:   deps.Chains,
		rotating: deps.Rotating,
		bus:      deps.Bus,
		codec:    deps.Codec,
		clk:      deps.Clock,
		db:       deps.DB,
		policy:   deps.Policy,
	}
	if s.clk == nil {
		s.clk = clock.Real()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if deps.Telemetry != nil {
		r.Use(deps.Telemetry.Middleware)
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Participant surface: authenticated by device token.
		r.Group(func(r chi.Router) {
			r.Use(middleware.ParticipantAuth(s.sessions, s.log))
			if deps.RateLimiter != nil {
				r.With(deps.RateLimiter.Middleware).Post("/verify/{kind}", s.handleVerify)
			} else {
				r.Post("/verify/{kind}", s.handleVerify)
			}
			r.Post("/sessions/{sessionID}/join", s.handleJoin)
			r.Get("/sessions/{sessionID}/rotating/{purpose}", s.handleRotatingFetch)
			r.Get("/sessions/{sessionID}/chains", s.handleChainList)
			r.Get("/sessions/{sessionID}/chains/mine", s.handleMyChain)
			r.Get("/sessions/{sessionID}/events", s.handleEvents)
		})

		// Operator surface: shared operator token.
		r.Group(func(r chi.Router) {
			r.Use(middleware.OperatorAuth(deps.OperatorToken, s.log))
			r.Post("/sessions", s.handleSessionCreate)
			r.Get("/sessions/{sessionID}", s.handleSessionGet)
			r.Post("/sessions/{sessionID}/state", s.handleSessionState)
			r.Put("/sessions/{sessionID}/policy", s.handleSessionPolicy)
			r.Post("/sessions/{sessionID}/participants", s.handleParticipantAdd)
			r.Get("/sessions/{sessionID}/participants", s.handleParticipantList)
			r.Get("/sessions/{sessionID}/audit", s.handleAuditList)
			r.Post("/sessions/{sessionID}/chains/seed", s.handleSeed)
			r.Post("/sessions/{sessionID}/chains/start-exit", s.handleStartExit)
			r.Post("/sessions/{sessionID}/chains/reseed", s.handleReseed)
			r.Post("/sessions/{sessionID}/rotating/{purpose}/open", s.handleRotatingOpen)
			r.Post("/sessions/{sessionID}/rotating/{purpose}/close", s.handleRotatingClose)
		})
	})

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// handleHealth answers readiness: process up, database reachable,
// policy engine evaluating. Nil dependencies skip their check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status string `json:"status"`
		DB     string `json:"db,omitempty"`
		Policy string `json:"policy,omitempty"`
	}
	h := health{Status: "ok"}
	status := http.StatusOK

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			h.Status, h.DB = "degraded", err.Error()
			status = http.StatusServiceUnavailable
		} else {
			h.DB = "ok"
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(r.Context()); err != nil {
			h.Status, h.Policy = "degraded", err.Error()
			status = http.StatusServiceUnavailable
		} else {
			h.Policy = "ok"
		}
	}
	writeJSON(w, status, h)
}
