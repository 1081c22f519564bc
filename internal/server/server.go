// Package server wires the backend server: storage, services, handlers and
// routes, plus startup and graceful shutdown.
//
// It is the composition root. Every dependency is built in New:
//
//	sqlite.DB ─┬─▶ AuthService ─▶ AuthHandler, RealtimeHandler
//	           └─▶ RowService  ─▶ RowHandler
//	changefeed.Broker ◀─publish─ RowService
//	changefeed.Broker ─subscribe─▶ RealtimeHandler
//
// Each layer receives only what it needs: services get repository
// interfaces, handlers get services.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/sakif/supply-chalao/internal/auth"
	"github.com/sakif/supply-chalao/internal/changefeed"
	"github.com/sakif/supply-chalao/internal/config"
	"github.com/sakif/supply-chalao/internal/handler"
	"github.com/sakif/supply-chalao/internal/middleware"
	sqliteRepo "github.com/sakif/supply-chalao/internal/repository/sqlite"
	"github.com/sakif/supply-chalao/internal/service"
	"github.com/sakif/supply-chalao/internal/wire"
)

// ShutdownTimeout is how long in-flight requests get to finish.
const ShutdownTimeout = 30 * time.Second

// Server owns the database and the change broker; both are closed by Close.
type Server struct {
	router *chi.Mux
	config config.Server
	logger *slog.Logger
	db     *sqliteRepo.DB
	broker *changefeed.Broker
}

// New opens the database, runs migrations and builds the router.
func New(cfg config.Server, logger *slog.Logger) (*Server, error) {
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
		broker: changefeed.New(changefeed.DefaultBuffer, logger),
	}
	if err := s.setupRoutes(); err != nil {
		s.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// setupRoutes:
//
//	GET    /health                         → liveness + database ping
//	POST   /auth/v1/signup                 → apikey
//	POST   /auth/v1/token                  → apikey
//	GET    /realtime/v1/websocket          → apikey (token travels in the subscribe frame)
//	POST   /auth/v1/logout                 → apikey + bearer
//	GET    /auth/v1/user, PUT              → apikey + bearer
//	*      /rest/v1/{table}                → apikey + bearer
func (s *Server) setupRoutes() error {
	tokens, err := auth.NewTokenService(s.config.JWTSecret, s.config.AccessTokenTTL)
	if err != nil {
		return err
	}
	passwords := auth.NewPasswordService()

	authService := service.NewAuthService(s.db, s.db, tokens, passwords, s.config.RefreshTokenTTL, s.logger)
	rowService := service.NewRowService(s.db, s.broker, s.logger)

	authHandler := handler.NewAuthHandler(authService, s.logger)
	rowHandler := handler.NewRowHandler(rowService, s.logger)
	realtimeHandler := handler.NewRealtimeHandler(authService, s.broker, s.logger)

	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	s.router.Get(wire.PathHealth, s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(auth.RequireAPIKey(s.config.AnonKey))

		r.Post(wire.PathSignUp, authHandler.HandleSignUp)
		r.Post(wire.PathToken, authHandler.HandleToken)
		r.Get(wire.PathRealtime, realtimeHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser(tokens))

			r.Post(wire.PathLogout, authHandler.HandleLogout)
			r.Get(wire.PathUser, authHandler.HandleGetUser)
			r.Put(wire.PathUser, authHandler.HandleUpdateUser)

			r.Route(wire.PathRest+"{table}", func(r chi.Router) {
				r.Get("/", rowHandler.HandleSelect)
				r.Post("/", rowHandler.HandleInsert)
				r.Patch("/", rowHandler.HandleUpdate)
				r.Delete("/", rowHandler.HandleDelete)
			})
		})
	})
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Handler returns the root handler, for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then drains in-flight requests for up to
// ShutdownTimeout. The database and broker are closed before Run returns.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("backend server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.config.DBPath),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down backend server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		// Realtime connections are hijacked and invisible to Shutdown;
		// closing the broker ends their streams.
		s.broker.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("backend server stopped gracefully")
		return nil
	})
	return g.Wait()
}

// Close releases the broker and the database. Safe to call more than once.
func (s *Server) Close() error {
	s.broker.Close()
	return s.db.Close()
}
