// Package wire holds the JSON shapes and paths shared by the backend server
// handlers and the REST client, so both sides of the protocol agree.
package wire

import (
	"encoding/json"
	"time"

	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/model"
)

const (
	PathSignUp   = "/auth/v1/signup"
	PathToken    = "/auth/v1/token"
	PathLogout   = "/auth/v1/logout"
	PathUser     = "/auth/v1/user"
	PathRest     = "/rest/v1/"
	PathRealtime = "/realtime/v1/websocket"
	PathHealth   = "/health"

	GrantPassword = "password"
	GrantRefresh  = "refresh_token"
)

// Error codes carried in ErrorBody.Error.
const (
	CodeInvalidGrant  = "invalid_grant"
	CodeUserExists    = "user_already_exists"
	CodeValidation    = "validation_error"
	CodeNotFound      = "not_found"
	CodeConflict      = "conflict"
	CodeForbidden     = "forbidden"
	CodeUnauthorized  = "unauthorized"
	CodeInternalError = "internal_error"
)

type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Credentials is the body of sign-up and of the password grant. Data becomes
// the new user's user_metadata on sign-up.
type Credentials struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Data     map[string]any `json:"data,omitempty"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type UpdateUserRequest struct {
	Data map[string]any `json:"data"`
}

// SessionResponse answers sign-up and both grants. ExpiresAt is unix seconds.
type SessionResponse struct {
	AccessToken  string         `json:"access_token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int64          `json:"expires_in"`
	ExpiresAt    int64          `json:"expires_at"`
	RefreshToken string         `json:"refresh_token"`
	User         model.Identity `json:"user"`
}

// Realtime frame types.
const (
	FrameSubscribe  = "subscribe"
	FrameSubscribed = "subscribed"
	FrameError      = "error"
	FrameChange     = "change"
)

// Frame is one realtime WebSocket message. The client sends exactly one
// subscribe frame; the server answers subscribed or error, then streams
// change frames until either side closes.
type Frame struct {
	Type string `json:"type"`

	// subscribe
	Table       string `json:"table,omitempty"`
	Column      string `json:"column,omitempty"`
	Value       string `json:"value,omitempty"`
	AccessToken string `json:"access_token,omitempty"`

	// error
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	// change
	Event      backend.ChangeKind `json:"event,omitempty"`
	Record     json.RawMessage    `json:"record,omitempty"`
	OldRecord  json.RawMessage    `json:"old_record,omitempty"`
	CommitTime time.Time          `json:"commit_timestamp,omitzero"`
}

// Change converts a change frame into the backend contract type.
func (f Frame) Change() backend.Change {
	return backend.Change{
		Kind:       f.Event,
		Table:      f.Table,
		Record:     f.Record,
		OldRecord:  f.OldRecord,
		CommitTime: f.CommitTime,
	}
}
