// Package web is the UI Shell: a single-viewer dashboard served over HTTP.
//
// The process owns one Session Manager. Protected pages sit behind the Route
// Guard middleware, so every request is one "mount" of a view: it renders,
// shows a loading or setup placeholder, or answers with one redirect to the
// sign-in page. Live views open Server-Sent Event streams:
//
//	/live              guard watcher; sends "navigate" once per sign-out
//	/dashboard/stream  orders bridge (refetch), re-renders the orders panel
//	/messages/stream   messages bridge (merge), re-renders the message list
//
// Without a configured backend the shell still serves the landing page with
// a setup banner, and protected pages show the setup placeholder.
//
// REQUEST PIPELINE:
//
//	RequestID → RealIP → Logger → Recoverer → same-origin check
//	  public routes:    handler
//	  protected routes: guard.Middleware → handler
//
// The guard sees the session snapshot at the moment the request arrives, so
// a page rendered while the session is still resolving gets the loading
// placeholder, which reloads itself once a second.
//
// WHY SSE AND NOT WEBSOCKETS?
// Updates only flow server to browser, and EventSource reconnects on its
// own. Each stream owns a Bridge for as long as the request lives; closing
// the tab cancels the request context, which unmounts the bridge and closes
// the backend subscription.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/guard"
	"github.com/sakif/supply-chalao/internal/middleware"
	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/session"
	"github.com/sakif/supply-chalao/internal/supply"
)

const (
	loginPath = "/login"

	// defaultSettle bounds how long sign-in and sign-out wait for the
	// session to reflect the change before redirecting.
	defaultSettle = 5 * time.Second

	// loadingRefresh is how often a loading placeholder reloads itself.
	loadingRefresh = 1
)

// Sessions is what the shell needs from the Session Manager.
type Sessions interface {
	session.Source
	IsConfigured() bool
	Await(ctx context.Context, pred func(session.Snapshot) bool) (session.Snapshot, error)
	SignIn(ctx context.Context, email, password string) error
	SignUp(ctx context.Context, email, password, displayName string) error
	SignOut(ctx context.Context)
}

var _ Sessions = (*session.Manager)(nil)

// Config wires the shell. Backend may be nil when the backend is not
// configured; no protected handler runs in that case.
type Config struct {
	Sessions Sessions
	Backend  backend.Backend
	Logger   *slog.Logger
	// Settle bounds the wait for the session after sign-in and sign-out.
	Settle time.Duration
	// Location is used to group messages by day; nil means time.Local.
	Location *time.Location
}

// Server is the UI Shell's HTTP surface.
type Server struct {
	sessions Sessions
	feed     backend.ChangeFeed
	orders   *supply.Orders
	messages *supply.Messages
	settings *supply.Settings
	tmpl     *templates
	logger   *slog.Logger
	settle   time.Duration
	loc      *time.Location
	now      func() time.Time

	themeMu sync.Mutex
	themes  map[string]model.Theme
}

func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("web: a session manager is required")
	}
	tmpl, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	s := &Server{
		sessions: cfg.Sessions,
		tmpl:     tmpl,
		logger:   cfg.Logger,
		settle:   cfg.Settle,
		loc:      cfg.Location,
		now:      time.Now,
		themes:   make(map[string]model.Theme),
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.settle <= 0 {
		s.settle = defaultSettle
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if cfg.Backend != nil {
		s.feed = cfg.Backend
		s.orders = supply.NewOrders(cfg.Backend)
		s.messages = supply.NewMessages(cfg.Backend)
		s.settings = supply.NewSettings(cfg.Backend, cfg.Backend)
	}
	return s, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(s.sameOrigin())

	r.Get("/", s.handleLanding)
	r.Get("/login", s.handleLoginForm)
	r.Post("/login", s.handleLogin)
	r.Get("/register", s.handleRegisterForm)
	r.Post("/register", s.handleRegister)
	r.Post("/logout", s.handleLogout)
	r.Get("/live", s.handleLive)

	r.Group(func(r chi.Router) {
		r.Use(guard.Middleware(s.sessions, loginPath, s.placeholder))

		r.Get("/dashboard", s.handleDashboard)
		r.Get("/dashboard/stream", s.handleDashboardStream)

		r.Get("/orders/new", s.handleNewOrderForm)
		r.Post("/orders/new", s.handleCreateOrder)
		r.Get("/orders/{id}/edit", s.handleEditOrderForm)
		r.Post("/orders/{id}/edit", s.handleUpdateOrder)
		r.Post("/orders/{id}/delete", s.handleDeleteOrder)

		r.Get("/messages", s.handleMessages)
		r.Post("/messages", s.handleSendMessage)
		r.Get("/messages/stream", s.handleMessagesStream)

		r.Get("/settings", s.handleSettings)
		r.Post("/settings/profile", s.handleUpdateProfile)
		r.Post("/settings/preferences", s.handleUpdatePreferences)
	})

	r.NotFound(s.handleNotFound)
	return r
}

// sameOrigin rejects cross-site form posts.
//
// WHY THIS MATTERS HERE:
// The shell has exactly one viewer and no cookie. Whoever reaches the port
// acts as the signed-in user, so a page on any other site could otherwise
// submit /messages, /orders/{id}/delete or /logout from the viewer's browser.
// Unsafe methods must carry Sec-Fetch-Site: same-origin (or none), or an
// Origin matching the Host. Requests with neither header, such as curl,
// pass through.
func (s *Server) sameOrigin() func(http.Handler) http.Handler {
	cop := http.NewCrossOriginProtection()
	cop.SetDenyHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Warn("cross-origin request rejected",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("origin", r.Header.Get("Origin")),
		)
		s.render(w, r, http.StatusForbidden, pageError, view{Title: "Error", Error: "Cross-site requests are not allowed."})
	}))
	return cop.Handler
}

// placeholder renders the guard's non-content outcomes.
func (s *Server) placeholder(w http.ResponseWriter, r *http.Request, o guard.Outcome) {
	switch o {
	case guard.SetupRequired:
		s.render(w, r, http.StatusOK, pageSetup, view{Title: "Setup Required"})
	default:
		s.render(w, r, http.StatusOK, pageLoading, view{Title: "Loading", Refresh: loadingRefresh})
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusNotFound, pageNotFound, view{Title: "Page Not Found"})
}

// viewer is the identity the guard middleware put on the request.
func viewer(r *http.Request) model.Identity {
	if id := guard.IdentityFrom(r.Context()); id != nil {
		return *id
	}
	return model.Identity{}
}

func (s *Server) themeOf(userID string) model.Theme {
	s.themeMu.Lock()
	defer s.themeMu.Unlock()
	return s.themes[userID]
}

func (s *Server) rememberTheme(userID string, t model.Theme) {
	s.themeMu.Lock()
	s.themes[userID] = t
	s.themeMu.Unlock()
}

// ShutdownTimeout bounds the drain of in-flight requests on shutdown.
const ShutdownTimeout = 10 * time.Second

// Run serves on addr until ctx is cancelled. Live streams are tied to a base
// context that is cancelled before the drain, so open pages do not hold up
// shutdown.
func (s *Server) Run(ctx context.Context, addr string) error {
	base, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("dashboard starting", slog.String("url", "http://"+addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web: server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down dashboard")
		cancelStreams()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("web: graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}
