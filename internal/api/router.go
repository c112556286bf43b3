package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"xpilot/internal/config"
	"xpilot/internal/services/cache"
	"xpilot/internal/services/guard"
	"xpilot/internal/services/metrics"
	"xpilot/internal/services/oauth"
)

// Server carries the handler dependencies.
type Server struct {
	db    *gorm.DB
	cfg   *config.Config
	cache *cache.Cache
	guard *guard.Manager
	oauth *oauth.Manager
}

func NewServer(db *gorm.DB, cfg *config.Config, c *cache.Cache, oauthManager *oauth.Manager) *Server {
	return &Server{
		db:    db,
		cfg:   cfg,
		cache: c,
		guard: guard.NewManager(db),
		oauth: oauthManager,
	}
}

// Router builds the HTTP surface: health, dashboard API, OAuth
// handshake and the metrics scrape endpoint.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/agents", s.handleListAgents)
		r.Route("/agents/{agentID}", func(r chi.Router) {
			r.Get("/", s.handleGetAgent)
			r.Patch("/", s.handleUpdateAgent)
			r.Post("/stop", s.handleStopAgent)
			r.Post("/resume", s.handleResumeAgent)
			r.Get("/audit", s.handleAuditLogs)
		})
		r.Get("/config/defaults", s.handleConfigDefaults)
	})

	r.Route("/oauth/x", func(r chi.Router) {
		r.Get("/start", s.handleOAuthStart)
		r.Get("/callback", s.handleOAuthCallback)
		r.Post("/refresh", s.handleOAuthRefresh)
		r.Get("/status", s.handleOAuthStatus)
	})

	return r
}
