package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/auth"
	"github.com/sakif/supply-chalao/internal/service"
	"github.com/sakif/supply-chalao/internal/wire"
)

// AuthHandler serves the /auth/v1 endpoints:
//
//	POST /auth/v1/signup                           → create account, return session
//	POST /auth/v1/token?grant_type=password        → sign in
//	POST /auth/v1/token?grant_type=refresh_token   → rotate tokens
//	POST /auth/v1/logout                           → revoke refresh tokens (204)
//	GET  /auth/v1/user                             → current user
//	PUT  /auth/v1/user                             → merge user_metadata
type AuthHandler struct {
	auth   *service.AuthService
	logger *slog.Logger
}

func NewAuthHandler(svc *service.AuthService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: svc, logger: logger}
}

func sessionResponse(res *service.SessionResult) wire.SessionResponse {
	return wire.SessionResponse{
		AccessToken:  res.AccessToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(res.ExpiresIn.Seconds()),
		ExpiresAt:    res.ExpiresAt.Unix(),
		RefreshToken: res.RefreshToken,
		User:         res.User.Identity(),
	}
}

// HandleSignUp answers a taken email with 422 user_already_exists.
func (h *AuthHandler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	var body wire.Credentials
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.auth.SignUp(r.Context(), body.Email, body.Password, body.Data)
	if err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			writeJSON(w, http.StatusUnprocessableEntity, wire.ErrorBody{
				Error:   wire.CodeUserExists,
				Message: apperror.Message(err),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(res))
}

// HandleToken dispatches on grant_type. Every credential failure is a 400
// invalid_grant.
func (h *AuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var (
		res *service.SessionResult
		err error
	)
	switch grant := r.URL.Query().Get("grant_type"); grant {
	case wire.GrantPassword:
		var body wire.Credentials
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
		res, err = h.auth.PasswordGrant(r.Context(), body.Email, body.Password)
	case wire.GrantRefresh:
		var body wire.RefreshRequest
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
		res, err = h.auth.RefreshGrant(r.Context(), body.RefreshToken)
	default:
		writeError(w, apperror.ValidationFailed("grant_type", "unsupported grant_type "+grant))
		return
	}

	if err != nil {
		if errors.Is(err, apperror.ErrCredentials) {
			h.logger.Info("token grant rejected", slog.String("grant", r.URL.Query().Get("grant_type")))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(res))
}

func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	if err := h.auth.Logout(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	user, err := h.auth.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user.Identity())
}

func (h *AuthHandler) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var body wire.UpdateUserRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	user, err := h.auth.UpdateUser(r.Context(), userID, body.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user.Identity())
}
