package rest

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/config"
	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/server"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testAnonKey = "anon-test-key"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := server.New(config.Server{
		DBPath:          ":memory:",
		JWTSecret:       "test-secret-at-least-16-chars!!",
		AnonKey:         testAnonKey,
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return ts
}

// newTestClient registers its own cleanup, which runs before the server's.
func newTestClient(t *testing.T, ts *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithHTTPClient(ts.Client())}, opts...)
	c, err := New(config.Backend{URL: ts.URL, AnonKey: testAnonKey}, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func signUp(t *testing.T, c *Client, email string) *backend.Session {
	t.Helper()
	s, err := c.SignUp(context.Background(), email, "secret1", map[string]any{model.MetaFullName: "Rina Akter"})
	require.NoError(t, err)
	return s
}

type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func authKinds(r *recorder[backend.AuthEvent]) func() []backend.AuthEventKind {
	return func() []backend.AuthEventKind {
		var out []backend.AuthEventKind
		for _, ev := range r.snapshot() {
			out = append(out, ev.Kind)
		}
		return out
	}
}

// =====================================================================
// Configuration
// =====================================================================

func TestNewRejectsMissingOrPlaceholderSettings(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Backend
	}{
		{"empty", config.Backend{}},
		{"missing key", config.Backend{URL: "http://127.0.0.1:54321"}},
		{"placeholder", config.Backend{URL: config.PlaceholderURL, AnonKey: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, apperror.ErrConfiguration)
		})
	}
}

// =====================================================================
// Auth
// =====================================================================

func TestSignUpSignsInAndEmits(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)

	events := &recorder[backend.AuthEvent]{}
	sub := c.OnAuthStateChange(events.add)
	defer sub.Unsubscribe()

	s := signUp(t, c, "Rina@Example.com")
	assert.Equal(t, "rina@example.com", s.User.Email)
	assert.Equal(t, "Rina Akter", s.User.DisplayName())
	assert.NotEmpty(t, s.AccessToken)
	assert.NotEmpty(t, s.RefreshToken)
	assert.True(t, s.ExpiresAt.After(time.Now()))

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]backend.AuthEventKind{backend.SignedIn}, authKinds(events)())
	}, time.Second, 5*time.Millisecond)

	got, err := c.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.User.ID, got.User.ID)
}

func TestSignUpDuplicateIsCredentialError(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)
	signUp(t, c, "dup@example.com")

	_, err := c.SignUp(context.Background(), "dup@example.com", "secret1", nil)
	assert.ErrorIs(t, err, apperror.ErrCredentials)
}

func TestSignInWrongPassword(t *testing.T) {
	ts := newTestServer(t)
	signUp(t, newTestClient(t, ts), "a@example.com")

	c := newTestClient(t, ts)
	_, err := c.SignInWithPassword(context.Background(), "a@example.com", "wrong-password")
	assert.ErrorIs(t, err, apperror.ErrCredentials)

	s, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestSignOutClearsSession(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)
	events := &recorder[backend.AuthEvent]{}
	defer c.OnAuthStateChange(events.add).Unsubscribe()

	signUp(t, c, "out@example.com")
	require.NoError(t, c.SignOut(context.Background()))

	s, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(
			[]backend.AuthEventKind{backend.SignedIn, backend.SignedOut}, authKinds(events)())
	}, time.Second, 5*time.Millisecond)

	// Signing out twice is a no-op.
	assert.NoError(t, c.SignOut(context.Background()))
}

func TestRefreshEmitsTokenRefreshed(t *testing.T) {
	ts := newTestServer(t)
	// An early expiry longer than the token lifetime forces a refresh on
	// every authenticated call.
	c := newTestClient(t, ts, WithEarlyExpiry(2*time.Hour))
	events := &recorder[backend.AuthEvent]{}
	defer c.OnAuthStateChange(events.add).Unsubscribe()

	first := signUp(t, c, "refresh@example.com")

	got, err := c.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.User.ID, got.User.ID)
	assert.NotEqual(t, first.RefreshToken, got.RefreshToken, "refresh tokens rotate")

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(
			[]backend.AuthEventKind{backend.SignedIn, backend.TokenRefreshed}, authKinds(events)())
	}, time.Second, 5*time.Millisecond)
}

func TestRejectedRefreshSignsOut(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, WithEarlyExpiry(2*time.Hour))
	events := &recorder[backend.AuthEvent]{}
	defer c.OnAuthStateChange(events.add).Unsubscribe()

	signUp(t, c, "revoked@example.com")

	// Signing out elsewhere revokes every refresh token of the user.
	other := newTestClient(t, ts)
	_, err := other.SignInWithPassword(context.Background(), "revoked@example.com", "secret1")
	require.NoError(t, err)
	require.NoError(t, other.SignOut(context.Background()))

	s, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(
			[]backend.AuthEventKind{backend.SignedIn, backend.SignedOut}, authKinds(events)())
	}, time.Second, 5*time.Millisecond)

	var orders []model.Order
	err = c.Select(context.Background(), backend.From("orders"), &orders)
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

func TestUpdateUserEmitsUserUpdated(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)
	events := &recorder[backend.AuthEvent]{}
	defer c.OnAuthStateChange(events.add).Unsubscribe()
	signUp(t, c, "meta@example.com")

	id, err := c.UpdateUser(context.Background(), map[string]any{model.MetaFullName: "Karim Uddin"})
	require.NoError(t, err)
	assert.Equal(t, "Karim Uddin", id.DisplayName())

	s, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Karim Uddin", s.User.DisplayName())

	assert.Eventually(t, func() bool {
		evs := events.snapshot()
		return len(evs) == 2 && evs[1].Kind == backend.UserUpdated &&
			evs[1].Session.User.DisplayName() == "Karim Uddin"
	}, time.Second, 5*time.Millisecond)
}

func TestSessionFileSurvivesRestart(t *testing.T) {
	ts := newTestServer(t)
	path := filepath.Join(t.TempDir(), "session.json")

	first := newTestClient(t, ts, WithSessionFile(path))
	s := signUp(t, first, "persist@example.com")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second := newTestClient(t, ts, WithSessionFile(path))
	got, err := second.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.User.ID, got.User.ID)

	require.NoError(t, second.SignOut(context.Background()))
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// =====================================================================
// Rows
// =====================================================================

func TestRowsRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)
	s := signUp(t, c, "rows@example.com")
	ctx := context.Background()

	var created []model.Order
	require.NoError(t, c.Insert(ctx, "orders", map[string]any{
		"title":       "Rice",
		"description": "50 sacks",
	}, &created))
	require.Len(t, created, 1)
	assert.Equal(t, s.User.ID, created[0].UserID)
	assert.Equal(t, model.StatusPending, created[0].Status)

	var updated []model.Order
	require.NoError(t, c.Update(ctx,
		backend.From("orders").Eq("id", created[0].ID),
		map[string]any{"status": "delivered"}, &updated))
	require.Len(t, updated, 1)
	assert.Equal(t, model.StatusDelivered, updated[0].Status)

	var listed []model.Order
	require.NoError(t, c.Select(ctx,
		backend.From("orders").Eq("status", "delivered").OrderBy("created_at", false).WithLimit(5), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created[0].ID, listed[0].ID)

	require.NoError(t, c.Delete(ctx, backend.From("orders").Eq("id", created[0].ID)))
	listed = nil
	require.NoError(t, c.Select(ctx, backend.From("orders"), &listed))
	assert.Empty(t, listed)
}

func TestRowsValidation(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)
	signUp(t, c, "invalid@example.com")
	ctx := context.Background()

	err := c.Insert(ctx, "orders", map[string]any{"title": "no description"}, nil)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	err = c.Select(ctx, backend.From("nope"), &[]map[string]any{})
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	err = c.Delete(ctx, backend.From("orders"))
	assert.ErrorIs(t, err, apperror.ErrValidation, "unfiltered delete never leaves the client")
}

func TestRowsAreOwnerScoped(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	alice := newTestClient(t, ts)
	signUp(t, alice, "alice@example.com")
	bob := newTestClient(t, ts)
	signUp(t, bob, "bob@example.com")

	require.NoError(t, alice.Insert(ctx, "orders", map[string]any{"title": "Oil", "description": "20L"}, nil))

	var seen []model.Order
	require.NoError(t, bob.Select(ctx, backend.From("orders"), &seen))
	assert.Empty(t, seen)
}

// =====================================================================
// Change feed
// =====================================================================

func TestSubscribeDeliversVisibleChanges(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	alice := newTestClient(t, ts)
	signUp(t, alice, "alice@example.com")
	bob := newTestClient(t, ts)
	signUp(t, bob, "bob@example.com")

	changes := &recorder[backend.Change]{}
	sub, err := alice.Subscribe(ctx, backend.ChangeFilter{Table: "messages"}, changes.add)
	require.NoError(t, err)

	require.NoError(t, bob.Insert(ctx, "messages", map[string]any{"message": "hello"}, nil))
	require.NoError(t, alice.Insert(ctx, "messages", map[string]any{"message": "hi bob"}, nil))

	assert.Eventually(t, func() bool { return len(changes.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	got := changes.snapshot()
	assert.Equal(t, backend.ChangeInsert, got[0].Kind)
	assert.Equal(t, "messages", got[0].Table)
	assert.Contains(t, string(got[0].Record), "hello")
	assert.Contains(t, string(got[1].Record), "hi bob")

	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, bob.Insert(ctx, "messages", map[string]any{"message": "after"}, nil))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, changes.snapshot(), 2)
}

func TestSubscribeHidesOtherUsersOrders(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	alice := newTestClient(t, ts)
	signUp(t, alice, "alice@example.com")
	bob := newTestClient(t, ts)
	signUp(t, bob, "bob@example.com")

	changes := &recorder[backend.Change]{}
	sub, err := alice.Subscribe(ctx, backend.ChangeFilter{Table: "orders"}, changes.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bob.Insert(ctx, "orders", map[string]any{"title": "Bob's", "description": "x"}, nil))
	require.NoError(t, alice.Insert(ctx, "orders", map[string]any{"title": "Alice's", "description": "y"}, nil))

	assert.Eventually(t, func() bool { return len(changes.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, string(changes.snapshot()[0].Record), "Alice's")
}

func TestSubscribeErrors(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	anon := newTestClient(t, ts)
	_, err := anon.Subscribe(ctx, backend.ChangeFilter{Table: "messages"}, func(backend.Change) {})
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)

	c := newTestClient(t, ts)
	signUp(t, c, "sub@example.com")
	_, err = c.Subscribe(ctx, backend.ChangeFilter{Table: "nope"}, func(backend.Change) {})
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = c.Subscribe(ctx, backend.ChangeFilter{Table: "orders", Column: "nope", Value: "x"}, func(backend.Change) {})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

// =====================================================================
// Transport failures
// =====================================================================

func TestServerErrorsAreNetworkErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"internal_error","message":"boom"}`, http.StatusInternalServerError)
	}))
	defer ts.Close()

	c, err := New(config.Backend{URL: ts.URL, AnonKey: testAnonKey}, WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.SignInWithPassword(context.Background(), "a@example.com", "secret1")
	assert.ErrorIs(t, err, apperror.ErrNetwork)
	assert.NotErrorIs(t, err, apperror.ErrCredentials)
}

func TestUnreachableServerIsNetworkError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := New(config.Backend{URL: url, AnonKey: testAnonKey})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.SignInWithPassword(context.Background(), "a@example.com", "secret1")
	assert.ErrorIs(t, err, apperror.ErrNetwork)
}

func TestErrorFromResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant","message":"bad"}`, apperror.ErrCredentials},
		{"user exists", http.StatusUnprocessableEntity, `{"error":"user_already_exists","message":"taken"}`, apperror.ErrCredentials},
		{"unauthorized", http.StatusUnauthorized, `{"error":"unauthorized"}`, apperror.ErrCredentials},
		{"forbidden", http.StatusForbidden, `{"error":"forbidden"}`, apperror.ErrForbidden},
		{"not found", http.StatusNotFound, `{"error":"not_found"}`, apperror.ErrNotFound},
		{"conflict", http.StatusConflict, `{"error":"conflict"}`, apperror.ErrConflict},
		{"validation", http.StatusBadRequest, `{"error":"validation_error","message":"title is required"}`, apperror.ErrValidation},
		{"bad gateway", http.StatusBadGateway, `upstream down`, apperror.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rec.WriteHeader(tt.status)
			rec.WriteString(tt.body)
			err := errorFromResponse(rec.Result())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
