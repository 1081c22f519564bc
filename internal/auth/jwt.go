// Package auth holds the backend server's credential primitives: signed
// access tokens, bcrypt password hashing and the request middleware that
// checks the project key and the bearer token.
//
// TOKEN FLOW:
//  1. POST /auth/v1/token?grant_type=password verifies the password and
//     issues a short-lived JWT access token plus an opaque refresh token.
//  2. Every data call carries "Authorization: Bearer <jwt>"; RequireUser
//     verifies the signature and expiry without touching the database.
//  3. When the JWT expires the client trades the refresh token for a new
//     pair (grant_type=refresh_token). Refresh tokens live in the database.
//
// The JWT carries the user's email and user_metadata so clients can build the
// Identity from the token alone.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/supply-chalao/internal/model"
)

const (
	issuer = "supply-chalao"

	// roleAuthenticated is the "role" claim of every user token.
	roleAuthenticated = "authenticated"
)

// TokenService issues and verifies HS256 access tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a TokenService. The secret should be at least 32
// bytes of random data in production (openssl rand -hex 32).
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: access token TTL must be positive")
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Claims is the access token payload. "sub" is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	Role         string         `json:"role"`
}

// Identity rebuilds the viewer from the token.
func (c *Claims) Identity() model.Identity {
	return model.Identity{ID: c.Subject, Email: c.Email, Metadata: c.UserMetadata}.Clone()
}

// TTL is the access token lifetime.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue signs an access token for user and returns it with its expiry.
func (s *TokenService) Issue(user model.Identity) (string, time.Time, error) {
	return s.issue(user, s.ttl)
}

func (s *TokenService) issue(user model.Identity, d time.Duration) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(d)
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    issuer,
		},
		Email:        user.Email,
		UserMetadata: user.Metadata,
		Role:         roleAuthenticated,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, exp, nil
}

// Validate verifies signature, issuer, algorithm and expiry.
//
// jwt.WithValidMethods pins HS256 so a token claiming "alg":"none" (or an
// asymmetric algorithm keyed with our secret) is rejected.
func (s *TokenService) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("auth: token expired")
		}
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("auth: token has no subject")
	}
	return c, nil
}
