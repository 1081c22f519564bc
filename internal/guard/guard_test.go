package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var ada = &model.Identity{ID: "u1", Email: "ada@example.com"}

var (
	loadingSnap  = session.Snapshot{Loading: true, State: session.Resolving, Configured: true}
	unconfigured = session.Snapshot{State: session.Unconfigured}
	anonymous    = session.Snapshot{Configured: true, State: session.Anonymous}
	signedIn     = session.Snapshot{Configured: true, State: session.Authenticated, User: ada}
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		snap session.Snapshot
		want Outcome
	}{
		{"loading wins over everything", session.Snapshot{Loading: true, User: ada}, Loading},
		{"loading while unconfigured", session.Snapshot{Loading: true}, Loading},
		{"unconfigured never redirects", unconfigured, SetupRequired},
		{"unconfigured ignores a stale user", session.Snapshot{User: ada}, SetupRequired},
		{"configured without user", anonymous, RedirectToLogin},
		{"configured with user", signedIn, Render},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.snap))
		})
	}
}

func TestNavigateOncePerTransition(t *testing.T) {
	var g Guard

	d := g.Evaluate(anonymous)
	assert.Equal(t, Decision{Outcome: RedirectToLogin, Navigate: true}, d)

	for range 5 {
		d = g.Evaluate(anonymous)
		assert.Equal(t, Decision{Outcome: RedirectToLogin}, d, "identical state must not re-trigger")
	}

	assert.Equal(t, Decision{Outcome: Render}, g.Evaluate(signedIn))
	assert.Equal(t, Decision{Outcome: RedirectToLogin, Navigate: true}, g.Evaluate(anonymous),
		"a new transition navigates again")
}

// fakeSource is a session.Source the test drives by hand.
type fakeSource struct {
	mu        sync.Mutex
	snap      session.Snapshot
	observers map[int]func(session.Snapshot)
	next      int
}

func newFakeSource(s session.Snapshot) *fakeSource {
	return &fakeSource{snap: s, observers: make(map[int]func(session.Snapshot))}
}

func (f *fakeSource) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSource) Subscribe(fn func(session.Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.observers[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}
}

func (f *fakeSource) set(s session.Snapshot) {
	f.mu.Lock()
	f.snap = s
	fns := make([]func(session.Snapshot), 0, len(f.observers))
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

func TestWatchNavigatesOnceAfterSignOut(t *testing.T) {
	src := newFakeSource(loadingSnap)
	ctx, cancel := context.WithCancel(context.Background())

	decisions := make(chan Decision, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, src, func(d Decision) { decisions <- d })
	}()

	recv := func() Decision {
		t.Helper()
		select {
		case d := <-decisions:
			return d
		case <-time.After(time.Second):
			t.Fatal("no decision delivered")
			return Decision{}
		}
	}

	assert.Equal(t, Decision{Outcome: Loading}, recv())

	require.Eventually(t, func() bool { return src.subscribers() == 1 }, time.Second, time.Millisecond)
	src.set(signedIn)
	assert.Equal(t, Decision{Outcome: Render}, recv())

	src.set(anonymous)
	assert.Equal(t, Decision{Outcome: RedirectToLogin, Navigate: true}, recv())

	src.set(anonymous)
	src.set(anonymous)
	select {
	case d := <-decisions:
		t.Fatalf("unexpected decision %+v", d)
	case <-time.After(30 * time.Millisecond):
	}

	cancel()
	<-done
	assert.Equal(t, 0, src.subscribers(), "Watch unsubscribes on return")
}

// ===== Middleware =====

func newGuardedServer(src session.Source) http.Handler {
	placeholder := func(w http.ResponseWriter, r *http.Request, o Outcome) {
		w.Header().Set("X-Outcome", o.String())
		w.WriteHeader(http.StatusOK)
	}
	protected := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFrom(r.Context())
		w.Header().Set("X-Outcome", Render.String())
		_, _ = w.Write([]byte(id.Email))
	})
	return Middleware(src, "/login", placeholder)(protected)
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		snap         session.Snapshot
		wantStatus   int
		wantOutcome  string
		wantLocation string
		wantBody     string
	}{
		{name: "loading", snap: loadingSnap, wantStatus: http.StatusOK, wantOutcome: "loading"},
		{name: "setup required", snap: unconfigured, wantStatus: http.StatusOK, wantOutcome: "setup_required"},
		{name: "redirect", snap: anonymous, wantStatus: http.StatusSeeOther, wantLocation: "/login?next=%2Forders%2Fnew%3Fx%3D1"},
		{name: "render", snap: signedIn, wantStatus: http.StatusOK, wantOutcome: "render", wantBody: "ada@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newGuardedServer(newFakeSource(tt.snap))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/new?x=1", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantOutcome != "" {
				assert.Equal(t, tt.wantOutcome, rec.Header().Get("X-Outcome"))
			}
			if tt.wantLocation != "" {
				assert.Equal(t, tt.wantLocation, rec.Header().Get("Location"))
			}
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestIdentityFromEmptyContext(t *testing.T) {
	assert.Nil(t, IdentityFrom(context.Background()))
}
