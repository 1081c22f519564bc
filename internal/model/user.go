// Package model defines the data structures shared by the dashboard core, the
// backend clients and the backend server.
package model

import (
	"strings"
	"time"
)

// Metadata keys stored in the free-form user_metadata bag.
const (
	MetaFullName = "full_name"
	// MetaName is the key older sign-up forms wrote the display name under.
	// It is read as a fallback only.
	MetaName = "name"
)

// Identity is the authenticated viewer as seen by the dashboard: a stable,
// never-reused id, an email and an optional metadata bag.
//
// Identities handed out by the Session Manager are copies; mutating one has
// no effect on the session.
type Identity struct {
	ID        string         `json:"id"`
	Email     string         `json:"email"`
	Metadata  map[string]any `json:"user_metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
}

// DisplayName returns the full name from metadata, or "" when none is set.
func (i Identity) DisplayName() string {
	for _, key := range []string{MetaFullName, MetaName} {
		if v, ok := i.Metadata[key].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// Label is what the UI greets the viewer with: display name, else email.
func (i Identity) Label() string {
	if name := i.DisplayName(); name != "" {
		return name
	}
	return i.Email
}

// Clone returns a deep-enough copy: the metadata map is copied, nested values
// are shared.
func (i Identity) Clone() Identity {
	out := i
	if i.Metadata != nil {
		out.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// User is an account record owned by the backend server.
//
// Email is stored lower-cased and is UNIQUE. PasswordHash is a bcrypt hash and
// never leaves the server.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	PasswordHash string         `json:"-"`
	Metadata     map[string]any `json:"user_metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Identity projects the account into the public identity shape.
func (u *User) Identity() Identity {
	return Identity{
		ID:        u.ID,
		Email:     u.Email,
		Metadata:  u.Metadata,
		CreatedAt: u.CreatedAt,
	}.Clone()
}

// RefreshToken is a single-use opaque token issued alongside an access token.
type RefreshToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}
