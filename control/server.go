// Package control is the HTTP control plane: it starts worker processes,
// pauses and cancels running jobs, streams job status over SSE, and triggers
// connection checks.
package control

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"linkedin-outreach-engine/bus"
	"linkedin-outreach-engine/config"
	"linkedin-outreach-engine/conncheck"
	"linkedin-outreach-engine/leadstate"
	"linkedin-outreach-engine/ratelimit"
	"linkedin-outreach-engine/store"
)

// Callers are identified by this header; an upstream gateway owns
// authentication and sets it.
const userHeader = "X-User-ID"

// Server wires the stores, the bus, and the connection checker behind the
// HTTP surface.
type Server struct {
	cfg       *config.Config
	jobs      *store.JobStore
	accounts  *store.AccountStore
	campaigns *store.CampaignStore
	state     *leadstate.Manager
	limits    *ratelimit.Manager
	checker   *conncheck.Checker
	bus       *bus.Bus
	log       *zap.SugaredLogger
}

func NewServer(
	cfg *config.Config,
	jobs *store.JobStore,
	accounts *store.AccountStore,
	campaigns *store.CampaignStore,
	state *leadstate.Manager,
	limits *ratelimit.Manager,
	checker *conncheck.Checker,
	b *bus.Bus,
	log *zap.SugaredLogger,
) *Server {
	return &Server{
		cfg:       cfg,
		jobs:      jobs,
		accounts:  accounts,
		campaigns: campaigns,
		state:     state,
		limits:    limits,
		checker:   checker,
		bus:       b,
		log:       log,
	}
}

// Router builds the chi mux with middleware and all routes.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", userHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireUser)
		r.Route("/workflows", func(r chi.Router) {
			r.Post("/start", s.StartWorkflow)
			r.Get("/{jobID}", s.GetJob)
			r.Post("/{jobID}/pause", s.PauseJob)
			r.Post("/{jobID}/cancel", s.CancelJob)
			r.Get("/{jobID}/stream", s.StreamStatus)
		})
		r.Get("/campaigns/{campaignID}/analytics", s.CampaignAnalytics)
		r.Post("/connections/check", s.CheckConnections)
	})

	return r
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireUser rejects requests without a caller identity.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(userHeader)) == "" {
			respondError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userHeader))
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
