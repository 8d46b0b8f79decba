package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/arbiterhealth/arbiter/internal/audit"
	"github.com/arbiterhealth/arbiter/internal/cases"
	arbiterotel "github.com/arbiterhealth/arbiter/internal/otel"
	"github.com/arbiterhealth/arbiter/internal/queue"
	"github.com/arbiterhealth/arbiter/internal/run"
)

const defaultTimeout = 30 * time.Second

// Server holds the dependencies for the review API.
type Server struct {
	router    *chi.Mux
	runs      *run.Store
	jobs      *queue.Store
	auditLog  *audit.Logger
	cases     cases.Service
	apiKeys   map[string]string
	rateLimit float64
	rateBurst int
	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithRateLimit sets the per-key token bucket: rps refills per second up to
// burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rateLimit = rps
		s.rateBurst = burst
	}
}

// WithCaseService sets the case-data collaborator used to reject reviews for
// unknown cases up front.
func WithCaseService(svc cases.Service) Option {
	return func(s *Server) { s.cases = svc }
}

// NewServer builds a Server. apiKeys maps key -> principal name.
func NewServer(runs *run.Store, jobs *queue.Store, auditLog *audit.Logger,
	apiKeys map[string]string, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		runs:      runs,
		jobs:      jobs,
		auditLog:  auditLog,
		apiKeys:   apiKeys,
		rateBurst: 1,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(arbiterotel.Middleware())

	// Unauthenticated
	r.Get("/health", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.rateLimit, s.rateBurst))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/reviews", s.handleReviewCreate)
		r.Get("/v1/runs/{id}", s.handleRunGet)
		r.Post("/v1/runs/{id}/cancel", s.handleRunCancel)
		r.Get("/v1/cases/{case_number}/audit", s.handleCaseAudit)
		r.Get("/v1/queue/stats", s.handleQueueStats)
	})

	return r
}
