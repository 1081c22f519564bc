// Package session implements the Session Manager: the single owner of "who is
// the viewer" for the whole process.
//
// LIFECYCLE:
//
//	UNINITIALIZED ──Start──▶ UNCONFIGURED                  (settings missing; terminal)
//	              └─Start──▶ RESOLVING ──GetSession──▶ AUTHENTICATED | ANONYMOUS
//
// While RESOLVING, the Manager is also listening to the backend's auth events.
// Every event (sign-in, sign-out, token refresh, user update) moves the
// Manager straight to AUTHENTICATED or ANONYMOUS, and once an event has been
// applied the pending resolution result is discarded: the event is newer.
// Events are applied in receipt order, so the last one wins.
//
// Loading is true only in UNINITIALIZED and RESOLVING. Once it drops to false
// it never becomes true again.
//
// READERS AND WRITERS:
// The Manager is the only writer. Readers either poll Snapshot() or register
// an observer with Subscribe(). Observers are called synchronously, one
// snapshot at a time, in the order the snapshots were produced.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/model"
)

// DefaultResolveTimeout bounds the initial session retrieval.
const DefaultResolveTimeout = 10 * time.Second

// State is the Manager's lifecycle state.
type State int

const (
	Uninitialized State = iota
	Resolving
	Authenticated
	Anonymous
	Unconfigured
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Resolving:
		return "resolving"
	case Authenticated:
		return "authenticated"
	case Anonymous:
		return "anonymous"
	case Unconfigured:
		return "unconfigured"
	}
	return "unknown"
}

// Snapshot is a read-only view of the session. User is a private copy.
type Snapshot struct {
	User       *model.Identity
	Loading    bool
	Configured bool
	State      State
}

// Authenticated reports whether a user is present.
func (s Snapshot) Authenticated() bool { return s.User != nil }

func (s Snapshot) clone() Snapshot {
	if s.User != nil {
		u := s.User.Clone()
		s.User = &u
	}
	return s
}

// Source is anything that publishes snapshots. The guard and the web shell
// depend on this rather than on *Manager.
type Source interface {
	Snapshot() Snapshot
	Subscribe(fn func(Snapshot)) (unsubscribe func())
}

var _ Source = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger; the default discards.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithResolveTimeout bounds the initial GetSession call. Zero or negative
// values keep the default.
func WithResolveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.resolveTimeout = d
		}
	}
}

// Manager owns the process-wide session.
type Manager struct {
	auth           backend.Auth
	configured     bool
	logger         *slog.Logger
	resolveTimeout time.Duration

	// writeMu serializes apply+notify so observers see snapshots in order.
	writeMu      sync.Mutex
	mu           sync.RWMutex
	snap         Snapshot
	eventApplied bool
	closed       bool

	obsMu     sync.Mutex
	observers map[uint64]func(Snapshot)
	nextObs   uint64

	lifeMu  sync.Mutex
	started bool
	authSub backend.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Manager. configured is the process-wide configuration flag
// (config.Backend.Configured); when it is false, auth may be nil and is never
// called.
func New(auth backend.Auth, configured bool, opts ...Option) *Manager {
	m := &Manager{
		auth:           auth,
		configured:     configured && auth != nil,
		logger:         slog.New(slog.DiscardHandler),
		resolveTimeout: DefaultResolveTimeout,
		snap:           Snapshot{Loading: true, State: Uninitialized},
		observers:      make(map[uint64]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start checks the configuration and, when configured, subscribes to auth
// events and resolves the current session in the background. It never
// blocks on the backend. Calling Start more than once has no effect.
func (m *Manager) Start(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.started {
		return
	}
	m.started = true

	if !m.configured {
		m.logger.Warn("backend not configured; sign-in disabled")
		m.apply(func(s *Snapshot) bool {
			*s = Snapshot{State: Unconfigured}
			return true
		})
		return
	}

	m.apply(func(s *Snapshot) bool {
		*s = Snapshot{Loading: true, Configured: true, State: Resolving}
		return true
	})

	// Subscribe before resolving so no event can slip between the two.
	m.authSub = m.auth.OnAuthStateChange(m.onAuthEvent)

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.resolve(ctx)
	}()
}

func (m *Manager) resolve(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.resolveTimeout)
	defer cancel()

	sess, err := m.auth.GetSession(ctx)
	if err != nil {
		// Fail open: a broken backend must never pin the UI on loading.
		m.logger.Warn("initial session retrieval failed; continuing signed out",
			slog.String("error", err.Error()))
		sess = nil
	}

	m.apply(func(s *Snapshot) bool {
		if m.eventApplied {
			m.logger.Debug("discarding initial session; an auth event arrived first")
			return false
		}
		*s = settled(sess)
		return true
	})
}

func (m *Manager) onAuthEvent(ev backend.AuthEvent) {
	m.logger.Debug("auth event", slog.String("event", string(ev.Kind)))

	sess := ev.Session
	if ev.Kind == backend.SignedOut {
		sess = nil
	}
	m.apply(func(s *Snapshot) bool {
		m.eventApplied = true
		*s = settled(sess)
		return true
	})
}

func settled(sess *backend.Session) Snapshot {
	if sess == nil {
		return Snapshot{Configured: true, State: Anonymous}
	}
	u := sess.User.Clone()
	return Snapshot{User: &u, Configured: true, State: Authenticated}
}

// apply runs mutate on the current snapshot and, when it reports a change,
// notifies observers with the result.
func (m *Manager) apply(mutate func(*Snapshot) bool) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	next := m.snap
	if !mutate(&next) {
		m.mu.Unlock()
		return
	}
	m.snap = next
	m.mu.Unlock()

	if next.State == Authenticated || next.State == Anonymous {
		m.logger.Info("session settled", slog.String("state", next.State.String()))
	}
	m.notify(next)
}

func (m *Manager) notify(s Snapshot) {
	m.obsMu.Lock()
	fns := make([]func(Snapshot), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.Unlock()

	for _, fn := range fns {
		fn(s.clone())
	}
}

// Snapshot returns the current session.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.clone()
}

// User returns the current identity, or nil.
func (m *Manager) User() *model.Identity {
	return m.Snapshot().User
}

// Subscribe registers fn for every future snapshot. fn must not block for
// long: it runs on the goroutine that applied the change. The returned
// function removes fn and is safe to call more than once, including from fn.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

// Await blocks until pred holds for the current snapshot or ctx ends.
func (m *Manager) Await(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	wake := make(chan struct{}, 1)
	unsubscribe := m.Subscribe(func(Snapshot) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		s := m.Snapshot()
		if pred(s) {
			return s, nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// WaitReady blocks until loading has finished.
func (m *Manager) WaitReady(ctx context.Context) (Snapshot, error) {
	return m.Await(ctx, func(s Snapshot) bool { return !s.Loading })
}

// IsConfigured reports the configuration flag. It never changes for the life
// of the Manager.
func (m *Manager) IsConfigured() bool {
	return m.configured
}

func validateCredentials(email, password string) error {
	if strings.TrimSpace(email) == "" {
		return apperror.ValidationFailed("email", "email is required")
	}
	if password == "" {
		return apperror.ValidationFailed("password", "password is required")
	}
	return nil
}

// SignIn exchanges credentials with the backend. The session itself is
// updated by the SIGNED_IN event that follows, not by this call.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	if !m.configured {
		return apperror.Configuration()
	}
	if err := validateCredentials(email, password); err != nil {
		return err
	}
	if _, err := m.auth.SignInWithPassword(ctx, strings.TrimSpace(email), password); err != nil {
		return classify(err)
	}
	return nil
}

// SignUp creates an account with displayName stored as the full_name
// metadata. Like SignIn, it leaves state changes to the auth event stream.
func (m *Manager) SignUp(ctx context.Context, email, password, displayName string) error {
	if !m.configured {
		return apperror.Configuration()
	}
	if err := validateCredentials(email, password); err != nil {
		return err
	}
	var meta map[string]any
	if name := strings.TrimSpace(displayName); name != "" {
		meta = map[string]any{model.MetaFullName: name}
	}
	if _, err := m.auth.SignUp(ctx, strings.TrimSpace(email), password, meta); err != nil {
		return classify(err)
	}
	return nil
}

// SignOut asks the backend to end the session. Failures are logged, not
// returned; the SIGNED_OUT event is what clears the local user.
func (m *Manager) SignOut(ctx context.Context) {
	if !m.configured {
		return
	}
	if err := m.auth.SignOut(ctx); err != nil {
		m.logger.Error("sign out failed", slog.String("error", err.Error()))
	}
}

// classify keeps backend errors inside the taxonomy: anything that is not
// already an AppError is treated as a transport failure.
func classify(err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.Network(err)
}

// Close stops the auth subscription and any pending resolution. Observers are
// dropped and the snapshot is frozen.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.lifeMu.Lock()
	cancel, sub := m.cancel, m.authSub
	m.cancel, m.authSub = nil, nil
	m.lifeMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	m.wg.Wait()

	m.obsMu.Lock()
	clear(m.observers)
	m.obsMu.Unlock()
}
