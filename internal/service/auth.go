// Package service is the backend server's business layer.
//
//	Handler (HTTP)  → parses requests, writes responses
//	Service         → validates, enforces ownership, issues tokens, publishes changes
//	Repository      → reads and writes sqlite
//
// Services accept primitives and return domain errors (apperror); the
// handlers translate those into status codes. Nothing here imports net/http.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/auth"
	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/repository"
)

// AuthService owns sign-up, the password and refresh grants, logout and the
// user metadata bag.
//
//	AuthHandler → AuthService → UserRepository / RefreshTokenRepository
//	                          ↘ TokenService (JWT), PasswordService (bcrypt)
type AuthService struct {
	users      repository.UserRepository
	refresh    repository.RefreshTokenRepository
	tokens     *auth.TokenService
	passwords  *auth.PasswordService
	refreshTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewAuthService(
	users repository.UserRepository,
	refresh repository.RefreshTokenRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	refreshTTL time.Duration,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:      users,
		refresh:    refresh,
		tokens:     tokens,
		passwords:  passwords,
		refreshTTL: refreshTTL,
		now:        time.Now,
		logger:     logger,
	}
}

// SessionResult is an issued token pair plus the user it belongs to.
type SessionResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ExpiresIn    time.Duration
	User         *model.User
}

// normalizeEmail trims and lower-cases email and checks it parses as a bare
// address.
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", apperror.ValidationFailed("email", "email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperror.ValidationFailed("email", "invalid email format")
	}
	return email, nil
}

// SignUp creates the account and signs it in. A taken email yields
// apperror.ErrConflict.
func (s *AuthService) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*SessionResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := s.passwords.Check(password); err != nil {
		return nil, apperror.ValidationFailed("password", strings.TrimPrefix(err.Error(), "auth: "))
	}
	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("service/auth: %w", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	now := s.now().UTC()
	user := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, &apperror.AppError{Err: apperror.ErrConflict, Message: "user already registered", Field: "email"}
		}
		return nil, fmt.Errorf("service/auth: creating user: %w", err)
	}

	s.logger.Info("user signed up", slog.String("userID", user.ID))
	return s.issue(ctx, user)
}

// PasswordGrant verifies email and password. Unknown emails and wrong
// passwords are indistinguishable: both yield apperror.ErrCredentials.
func (s *AuthService) PasswordGrant(ctx context.Context, email, password string) (*SessionResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, apperror.InvalidCredentials("")
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.InvalidCredentials("")
		}
		return nil, fmt.Errorf("service/auth: loading user: %w", err)
	}
	if err := s.passwords.Verify(user.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, apperror.InvalidCredentials("")
		}
		return nil, fmt.Errorf("service/auth: %w", err)
	}

	s.logger.Info("user signed in", slog.String("userID", user.ID))
	return s.issue(ctx, user)
}

// RefreshGrant trades a refresh token for a new pair. The presented token is
// consumed; replaying it fails with apperror.ErrCredentials.
func (s *AuthService) RefreshGrant(ctx context.Context, refreshToken string) (*SessionResult, error) {
	if refreshToken == "" {
		return nil, apperror.InvalidCredentials("refresh token is required")
	}
	tok, err := s.refresh.ConsumeRefreshToken(ctx, refreshToken, s.now().UTC())
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.InvalidCredentials("invalid refresh token")
		}
		return nil, fmt.Errorf("service/auth: consuming refresh token: %w", err)
	}

	user, err := s.users.GetUserByID(ctx, tok.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.InvalidCredentials("invalid refresh token")
		}
		return nil, fmt.Errorf("service/auth: loading user %s: %w", tok.UserID, err)
	}
	return s.issue(ctx, user)
}

// Logout revokes every refresh token of the user. Outstanding access tokens
// stay valid until they expire.
func (s *AuthService) Logout(ctx context.Context, userID string) error {
	if err := s.refresh.RevokeUserTokens(ctx, userID); err != nil {
		return fmt.Errorf("service/auth: revoking tokens of %s: %w", userID, err)
	}
	s.logger.Info("user signed out", slog.String("userID", userID))
	return nil
}

func (s *AuthService) GetUser(ctx context.Context, id string) (*model.User, error) {
	if id == "" {
		return nil, apperror.Unauthorized("sign in required")
	}
	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", id, err)
	}
	return user, nil
}

// UpdateUser merges metadata into the user's bag. Keys with a nil value are
// stored as JSON null, not removed.
func (s *AuthService) UpdateUser(ctx context.Context, id string, metadata map[string]any) (*model.User, error) {
	if id == "" {
		return nil, apperror.Unauthorized("sign in required")
	}
	if len(metadata) == 0 {
		return nil, apperror.ValidationFailed("data", "nothing to update")
	}
	user, err := s.users.UpdateUserMetadata(ctx, id, metadata)
	if err != nil {
		return nil, fmt.Errorf("service/auth: updating user %s: %w", id, err)
	}
	return user, nil
}

// ValidateToken returns the verified claims of an access token.
func (s *AuthService) ValidateToken(tokenStr string) (*auth.Claims, error) {
	claims, err := s.tokens.Validate(tokenStr)
	if err != nil {
		return nil, apperror.Unauthorized("invalid or expired access token")
	}
	return claims, nil
}

func (s *AuthService) issue(ctx context.Context, user *model.User) (*SessionResult, error) {
	access, expiresAt, err := s.tokens.Issue(user.Identity())
	if err != nil {
		return nil, fmt.Errorf("service/auth: issuing access token for %s: %w", user.ID, err)
	}

	now := s.now().UTC()
	rt := &model.RefreshToken{
		Token:     uuid.NewString(),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	if err := s.refresh.CreateRefreshToken(ctx, rt); err != nil {
		return nil, fmt.Errorf("service/auth: storing refresh token for %s: %w", user.ID, err)
	}

	return &SessionResult{
		AccessToken:  access,
		RefreshToken: rt.Token,
		ExpiresAt:    expiresAt,
		ExpiresIn:    s.tokens.TTL(),
		User:         user,
	}, nil
}
