// Package backend defines the Data Backend contract the dashboard core is
// written against: credential auth with an auth-event stream, row-level
// query/insert/update/delete, and a per-table change feed.
//
// Two implementations live in sub-packages: rest (HTTP + WebSocket client for
// the backend server) and memory (in-process, for demo mode and tests).
package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sakif/supply-chalao/internal/model"
)

// Session is a live authenticated session as returned by the backend.
type Session struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	TokenType    string         `json:"token_type"`
	ExpiresAt    time.Time      `json:"expires_at"`
	User         model.Identity `json:"user"`
}

// Expired reports whether the access token is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// AuthEventKind names what happened to the session.
type AuthEventKind string

const (
	SignedIn       AuthEventKind = "SIGNED_IN"
	SignedOut      AuthEventKind = "SIGNED_OUT"
	TokenRefreshed AuthEventKind = "TOKEN_REFRESHED"
	UserUpdated    AuthEventKind = "USER_UPDATED"
)

// AuthEvent is delivered to OnAuthStateChange listeners. Session is nil for
// SignedOut.
type AuthEvent struct {
	Kind    AuthEventKind
	Session *Session
}

// Subscription is a handle on a listener or change-feed subscription.
// Unsubscribe is idempotent; once it returns no new callback starts.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// Auth is the credential half of the backend.
type Auth interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	// SignUp creates the account with metadata as its user_metadata and, when
	// the backend confirms immediately, signs it in.
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*Session, error)
	SignOut(ctx context.Context) error
	// GetSession returns (nil, nil) when nobody is signed in.
	GetSession(ctx context.Context) (*Session, error)
	// OnAuthStateChange registers fn for every future auth event. Events are
	// delivered asynchronously, one at a time, in the order they happened.
	OnAuthStateChange(fn func(AuthEvent)) Subscription
	// UpdateUser merges metadata into the signed-in user's metadata.
	UpdateUser(ctx context.Context, metadata map[string]any) (*model.Identity, error)
}

// Rows is the row-level data API. dst arguments receive JSON-decoded rows
// (normally a pointer to a slice of a model type).
type Rows interface {
	Select(ctx context.Context, q Query, dst any) error
	// Insert writes one row (a struct or map) or a slice of rows and decodes
	// the stored representation into dst when dst is non-nil.
	Insert(ctx context.Context, table string, rows any, dst any) error
	Update(ctx context.Context, q Query, patch any, dst any) error
	Delete(ctx context.Context, q Query) error
}

// ChangeKind is the row operation that produced a Change.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// Change is one row-level notification. Record is the new row (absent on
// delete); OldRecord is the previous row (absent on insert).
type Change struct {
	Kind       ChangeKind      `json:"event"`
	Table      string          `json:"table"`
	Record     json.RawMessage `json:"record,omitempty"`
	OldRecord  json.RawMessage `json:"old_record,omitempty"`
	CommitTime time.Time       `json:"commit_timestamp"`
}

// Row returns the row the change is about: Record, or OldRecord for deletes.
func (c Change) Row() json.RawMessage {
	if c.Kind == ChangeDelete || len(c.Record) == 0 {
		return c.OldRecord
	}
	return c.Record
}

// ChangeFilter scopes a change-feed subscription to a table and, optionally,
// to rows whose Column equals Value.
type ChangeFilter struct {
	Table  string
	Column string
	Value  string
}

// Matches reports whether a decoded row passes the filter's equality
// predicate. The table is not checked.
func (f ChangeFilter) Matches(row map[string]any) bool {
	if f.Column == "" {
		return true
	}
	return FormatValue(row[f.Column]) == f.Value
}

// ChangeFeed delivers row changes for one table.
type ChangeFeed interface {
	// Subscribe returns once the subscription is live; changes committed after
	// that are delivered to fn, one at a time, in commit order.
	Subscribe(ctx context.Context, filter ChangeFilter, fn func(Change)) (Subscription, error)
}

// Backend is the full Data Backend.
type Backend interface {
	Auth
	Rows
	ChangeFeed
}
