package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/caliphsdev/waterbalance/internal/config"
	"github.com/caliphsdev/waterbalance/internal/database"
	"github.com/caliphsdev/waterbalance/internal/modules/balance"
	"github.com/caliphsdev/waterbalance/internal/modules/cache"
	"github.com/caliphsdev/waterbalance/internal/modules/facilities"
	"github.com/caliphsdev/waterbalance/internal/modules/licensing"
	"github.com/caliphsdev/waterbalance/internal/modules/transfers"
)

// Config holds server configuration
type Config struct {
	Port           int
	Log            zerolog.Logger
	DB             *database.DB
	Calculator     *balance.Calculator
	BalanceRepo    *balance.Repository
	Overrides      *balance.OverrideRepository
	Moisture       *balance.MoistureRepository
	FacilitiesRepo *facilities.Repository
	Engine         *transfers.Engine
	TransfersRepo  *transfers.Repository
	LicenseManager *licensing.Manager
	Cache          *cache.Cache
	Config         *config.Config
	DevMode        bool
}

// Server represents the HTTP server
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	handlers *Handlers
	system   *SystemHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		handlers: NewHandlers(
			cfg.Calculator, cfg.BalanceRepo, cfg.Overrides, cfg.Moisture,
			cfg.FacilitiesRepo, cfg.Engine, cfg.TransfersRepo,
			cfg.LicenseManager, cfg.Cache, cfg.Config, cfg.Log,
		),
		system: NewSystemHandlers(cfg.Log, cfg.DB),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes wires the API surface
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.system.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/balance", func(r chi.Router) {
			r.Post("/calculate", s.handlers.HandleCalculate)
			r.Get("/warnings", s.handlers.HandleCapacityWarnings)
			r.Get("/trend", s.handlers.HandleTrend)
			r.Get("/{date}", s.handlers.HandleGetBalance)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Post("/propose", s.handlers.HandleProposeTransfers)
			r.Post("/apply", s.handlers.HandleApplyTransfers)
			r.Get("/{date}", s.handlers.HandleGetTransferEvents)
		})

		r.Route("/overrides", func(r chi.Router) {
			r.Post("/", s.handlers.HandleSetOverride)
			r.Post("/tailings-moisture", s.handlers.HandleSetTailingsMoisture)
		})

		r.Route("/license", func(r chi.Router) {
			r.Get("/status", s.handlers.HandleLicenseStatus)
			r.Post("/activate", s.handlers.HandleLicenseActivate)
			r.Post("/transfer", s.handlers.HandleLicenseTransfer)
		})

		r.Get("/system/info", s.system.HandleSystemInfo)
	})
}

// loggingMiddleware logs each request
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

// Start begins listening
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
