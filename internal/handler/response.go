package handler

// Every error response of the backend server has the same shape:
//
//	{"error": "not_found", "message": "table not found with id invoices"}
//
// Handlers call writeError with whatever the service returned; the mapping
// from domain sentinel to status code lives here and nowhere else.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/wire"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

// writeJSON sends data with the given status. Headers must be set before
// WriteHeader; anything set afterwards is ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are gone already; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// statusOf maps a domain error to its HTTP status and error code.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, wire.CodeValidation
	case errors.Is(err, apperror.ErrCredentials):
		return http.StatusBadRequest, wire.CodeInvalidGrant
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized, wire.CodeUnauthorized
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, wire.CodeForbidden
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, wire.CodeNotFound
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, wire.CodeConflict
	}
	return http.StatusInternalServerError, wire.CodeInternalError
}

// writeError maps err to a status code and sends the standard error body.
// Errors that are not *apperror.AppError become a generic 500; their text
// may hold SQL or file paths and never reaches the client.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		slog.Error("unhandled error", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, wire.ErrorBody{
			Error:   wire.CodeInternalError,
			Message: "An internal error occurred",
		})
		return
	}

	status, code := statusOf(err)
	writeJSON(w, status, wire.ErrorBody{Error: code, Message: appErr.Message})
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return apperror.ValidationFailed("body", "invalid JSON body")
	}
	return nil
}
