package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/backend/memory"
	"github.com/sakif/supply-chalao/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeAuth is a scriptable backend.Auth. Every call is counted; GetSession
// can be held on a gate to stage races with the event stream.
type fakeAuth struct {
	calls   atomic.Int32
	emitter *backend.AuthEmitter

	gate        chan struct{}
	session     *backend.Session
	getErr      error
	signInErr   error
	getReturned chan struct{}
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{emitter: backend.NewAuthEmitter(), getReturned: make(chan struct{})}
}

func (f *fakeAuth) SignInWithPassword(ctx context.Context, email, password string) (*backend.Session, error) {
	f.calls.Add(1)
	return nil, f.signInErr
}

func (f *fakeAuth) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*backend.Session, error) {
	f.calls.Add(1)
	return nil, nil
}

func (f *fakeAuth) SignOut(ctx context.Context) error {
	f.calls.Add(1)
	return nil
}

func (f *fakeAuth) GetSession(ctx context.Context) (*backend.Session, error) {
	f.calls.Add(1)
	defer close(f.getReturned)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.session, f.getErr
}

func (f *fakeAuth) OnAuthStateChange(fn func(backend.AuthEvent)) backend.Subscription {
	f.calls.Add(1)
	return f.emitter.Subscribe(fn)
}

func (f *fakeAuth) UpdateUser(ctx context.Context, metadata map[string]any) (*model.Identity, error) {
	f.calls.Add(1)
	return nil, nil
}

func sessionFor(id, email string) *backend.Session {
	return &backend.Session{AccessToken: "tok-" + id, User: model.Identity{ID: id, Email: email}}
}

func startManager(t *testing.T, auth backend.Auth, configured bool, opts ...Option) *Manager {
	t.Helper()
	m := New(auth, configured, opts...)
	m.Start(context.Background())
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, m *Manager, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := m.Await(ctx, pred)
	require.NoError(t, err, "last snapshot: %+v", s)
	return s
}

func isAuthenticatedAs(id string) func(Snapshot) bool {
	return func(s Snapshot) bool { return s.User != nil && s.User.ID == id }
}

func isAnonymous(s Snapshot) bool { return s.State == Anonymous }

func newMemory(t *testing.T) *memory.Backend {
	t.Helper()
	b := memory.New()
	t.Cleanup(b.Close)
	return b
}

// =========================================================================
// CONFIGURATION
// =========================================================================

func TestUnconfiguredNeverCallsBackend(t *testing.T) {
	fake := newFakeAuth()
	defer fake.emitter.Close()
	m := startManager(t, fake, false)
	ctx := context.Background()

	s := m.Snapshot()
	assert.Equal(t, Unconfigured, s.State)
	assert.False(t, s.Loading)
	assert.False(t, s.Configured)
	assert.Nil(t, s.User)

	assert.ErrorIs(t, m.SignIn(ctx, "ada@example.com", "password123"), apperror.ErrConfiguration)
	assert.ErrorIs(t, m.SignUp(ctx, "ada@example.com", "password123", "Ada"), apperror.ErrConfiguration)
	m.SignOut(ctx)

	for range 3 {
		assert.False(t, m.IsConfigured())
	}
	assert.Equal(t, int32(0), fake.calls.Load(), "no backend call may be attempted")
}

func TestUnconfiguredWithNilBackend(t *testing.T) {
	m := startManager(t, nil, true)
	assert.False(t, m.IsConfigured(), "a missing backend is never configured")
	assert.Equal(t, Unconfigured, m.Snapshot().State)
}

func TestInitialSnapshotIsLoading(t *testing.T) {
	m := New(newMemory(t), true)
	defer m.Close()

	s := m.Snapshot()
	assert.Equal(t, Uninitialized, s.State)
	assert.True(t, s.Loading)
}

// =========================================================================
// RESOLUTION
// =========================================================================

func TestResolvesLiveSession(t *testing.T) {
	b := newMemory(t)
	id, err := b.CreateUser("ada@example.com", "password123", nil)
	require.NoError(t, err)
	_, err = b.SignInWithPassword(context.Background(), "ada@example.com", "password123")
	require.NoError(t, err)

	m := startManager(t, b, true)
	s := waitFor(t, m, func(s Snapshot) bool { return !s.Loading })

	assert.Equal(t, Authenticated, s.State)
	assert.True(t, s.Configured)
	require.NotNil(t, s.User)
	assert.Equal(t, id.ID, s.User.ID)
	assert.Equal(t, "ada@example.com", s.User.Email)
}

func TestResolvesNoSessionToAnonymous(t *testing.T) {
	m := startManager(t, newMemory(t), true)
	s := waitFor(t, m, func(s Snapshot) bool { return !s.Loading })

	assert.Equal(t, Anonymous, s.State)
	assert.Nil(t, s.User)
}

func TestFailedResolutionFailsOpen(t *testing.T) {
	b := memory.New(memory.WithHooks(memory.Hooks{GetSessionErr: apperror.Network(errors.New("connection refused"))}))
	defer b.Close()

	m := startManager(t, b, true)
	s := waitFor(t, m, func(s Snapshot) bool { return !s.Loading })
	assert.Equal(t, Anonymous, s.State)
}

func TestHangingResolutionIsBounded(t *testing.T) {
	b := memory.New(memory.WithHooks(memory.Hooks{GetSessionGate: make(chan struct{})}))
	defer b.Close()

	m := startManager(t, b, true, WithResolveTimeout(30*time.Millisecond))
	s := waitFor(t, m, func(s Snapshot) bool { return !s.Loading })
	assert.Equal(t, Anonymous, s.State)
}

func TestEventOverridesPendingResolution(t *testing.T) {
	fake := newFakeAuth()
	defer fake.emitter.Close()
	fake.gate = make(chan struct{})
	// The resolution will come back "signed out", but only after a sign-in
	// event has already been applied.
	fake.session = nil

	m := startManager(t, fake, true)
	assert.Equal(t, Resolving, m.Snapshot().State)

	fake.emitter.Emit(backend.AuthEvent{Kind: backend.SignedIn, Session: sessionFor("u1", "ada@example.com")})
	s := waitFor(t, m, isAuthenticatedAs("u1"))
	assert.False(t, s.Loading, "an event settles loading")

	close(fake.gate)
	<-fake.getReturned
	assert.Never(t, func() bool { return m.Snapshot().State != Authenticated }, 50*time.Millisecond, 5*time.Millisecond)
}

// =========================================================================
// AUTH EVENTS
// =========================================================================

func TestLastEventWins(t *testing.T) {
	fake := newFakeAuth()
	defer fake.emitter.Close()
	m := startManager(t, fake, true)
	waitFor(t, m, isAnonymous)

	var mu sync.Mutex
	var seen []string
	unsubscribe := m.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.User == nil {
			seen = append(seen, "")
			return
		}
		seen = append(seen, s.User.ID)
	})
	defer unsubscribe()

	fake.emitter.Emit(backend.AuthEvent{Kind: backend.SignedIn, Session: sessionFor("a", "a@example.com")})
	fake.emitter.Emit(backend.AuthEvent{Kind: backend.SignedIn, Session: sessionFor("b", "b@example.com")})
	fake.emitter.Emit(backend.AuthEvent{Kind: backend.SignedOut})
	fake.emitter.Emit(backend.AuthEvent{Kind: backend.TokenRefreshed, Session: sessionFor("b", "b@example.com")})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a", "b", "", "b"}, seen)
	mu.Unlock()
	assert.Equal(t, "b", m.User().ID)
}

func TestSignInThroughEventStream(t *testing.T) {
	b := newMemory(t)
	id, err := b.CreateUser("ada@example.com", "password123", nil)
	require.NoError(t, err)

	m := startManager(t, b, true)
	waitFor(t, m, isAnonymous)

	require.NoError(t, m.SignIn(context.Background(), " ada@example.com ", "password123"))
	s := waitFor(t, m, isAuthenticatedAs(id.ID))
	assert.Equal(t, Authenticated, s.State)
	assert.False(t, s.Loading)
}

func TestSignInErrors(t *testing.T) {
	b := newMemory(t)
	_, err := b.CreateUser("ada@example.com", "password123", nil)
	require.NoError(t, err)
	m := startManager(t, b, true)
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		password string
		want     error
	}{
		{name: "empty email", email: "  ", password: "password123", want: apperror.ErrValidation},
		{name: "empty password", email: "ada@example.com", password: "", want: apperror.ErrValidation},
		{name: "wrong password", email: "ada@example.com", password: "wrong-one", want: apperror.ErrCredentials},
		{name: "unknown user", email: "bob@example.com", password: "password123", want: apperror.ErrCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, m.SignIn(ctx, tt.email, tt.password), tt.want)
		})
	}
}

func TestUnclassifiedBackendErrorIsNetwork(t *testing.T) {
	fake := newFakeAuth()
	defer fake.emitter.Close()
	fake.signInErr = errors.New("read: connection reset by peer")
	m := startManager(t, fake, true)

	err := m.SignIn(context.Background(), "ada@example.com", "password123")
	assert.ErrorIs(t, err, apperror.ErrNetwork)
}

func TestSignUpStoresDisplayName(t *testing.T) {
	m := startManager(t, newMemory(t), true)
	waitFor(t, m, isAnonymous)

	require.NoError(t, m.SignUp(context.Background(), "ada@example.com", "password123", "  Ada Lovelace "))
	s := waitFor(t, m, func(s Snapshot) bool { return s.User != nil })
	assert.Equal(t, "Ada Lovelace", s.User.DisplayName())
	assert.Equal(t, "Ada Lovelace", s.User.Metadata[model.MetaFullName])
}

func TestSignOutClearsUser(t *testing.T) {
	b := newMemory(t)
	id, err := b.CreateUser("ada@example.com", "password123", nil)
	require.NoError(t, err)
	m := startManager(t, b, true)
	waitFor(t, m, isAnonymous)
	require.NoError(t, m.SignIn(context.Background(), "ada@example.com", "password123"))
	waitFor(t, m, isAuthenticatedAs(id.ID))

	m.SignOut(context.Background())
	s := waitFor(t, m, isAnonymous)
	assert.Nil(t, s.User)
	assert.False(t, s.Loading)
}

func TestSignOutFailureIsSwallowed(t *testing.T) {
	b := newMemory(t)
	_, err := b.CreateUser("ada@example.com", "password123", nil)
	require.NoError(t, err)
	m := startManager(t, b, true)
	waitFor(t, m, isAnonymous)
	require.NoError(t, m.SignIn(context.Background(), "ada@example.com", "password123"))
	waitFor(t, m, func(s Snapshot) bool { return s.User != nil })

	b.SetHooks(memory.Hooks{SignOutErr: apperror.Network(errors.New("timeout"))})
	m.SignOut(context.Background())

	assert.Never(t, func() bool { return m.Snapshot().User == nil }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestLoadingNeverReturns(t *testing.T) {
	b := newMemory(t)
	_, err := b.CreateUser("ada@example.com", "password123", nil)
	require.NoError(t, err)

	m := New(b, true)
	defer m.Close()

	var mu sync.Mutex
	var loading []bool
	unsubscribe := m.Subscribe(func(s Snapshot) {
		mu.Lock()
		loading = append(loading, s.Loading)
		mu.Unlock()
	})
	defer unsubscribe()

	m.Start(context.Background())
	waitFor(t, m, isAnonymous)
	require.NoError(t, m.SignIn(context.Background(), "ada@example.com", "password123"))
	waitFor(t, m, func(s Snapshot) bool { return s.User != nil })
	m.SignOut(context.Background())
	waitFor(t, m, isAnonymous)

	mu.Lock()
	defer mu.Unlock()
	settledAt := -1
	for i, l := range loading {
		if !l && settledAt < 0 {
			settledAt = i
		}
		if settledAt >= 0 {
			assert.False(t, l, "loading re-entered at snapshot %d", i)
		}
	}
	assert.GreaterOrEqual(t, settledAt, 0)
}

func TestSnapshotIsACopy(t *testing.T) {
	fake := newFakeAuth()
	defer fake.emitter.Close()
	m := startManager(t, fake, true)
	fake.emitter.Emit(backend.AuthEvent{Kind: backend.SignedIn, Session: &backend.Session{
		User: model.Identity{ID: "u1", Metadata: map[string]any{model.MetaFullName: "Ada"}},
	}})
	s := waitFor(t, m, isAuthenticatedAs("u1"))

	s.User.Metadata[model.MetaFullName] = "Mallory"
	s.User.ID = "u2"
	assert.Equal(t, "u1", m.User().ID)
	assert.Equal(t, "Ada", m.User().DisplayName())
}

// =========================================================================
// TEARDOWN
// =========================================================================

func TestCloseStopsUpdates(t *testing.T) {
	fake := newFakeAuth()
	defer fake.emitter.Close()
	m := New(fake, true)
	m.Start(context.Background())
	waitFor(t, m, isAnonymous)

	var calls atomic.Int32
	m.Subscribe(func(Snapshot) { calls.Add(1) })
	m.Close()
	m.Close()

	fake.emitter.Emit(backend.AuthEvent{Kind: backend.SignedIn, Session: sessionFor("u1", "a@example.com")})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, Anonymous, m.Snapshot().State)
}

func TestCloseCancelsPendingResolution(t *testing.T) {
	fake := newFakeAuth()
	defer fake.emitter.Close()
	fake.gate = make(chan struct{})

	m := New(fake, true)
	m.Start(context.Background())
	m.Close()

	select {
	case <-fake.getReturned:
	case <-time.After(time.Second):
		t.Fatal("GetSession was not cancelled by Close")
	}
}
