package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/auth"
	"github.com/sakif/supply-chalao/internal/repository"
	"github.com/sakif/supply-chalao/internal/schema"
	"github.com/sakif/supply-chalao/internal/service"
)

// MaxLimit caps the limit query parameter.
const MaxLimit = 1000

// RowHandler serves /rest/v1/{table}. Filters use the PostgREST subset the
// dashboard needs:
//
//	GET    /rest/v1/orders?user_id=eq.<id>&order=created_at.desc&limit=5
//	POST   /rest/v1/orders              body: object or array of objects
//	PATCH  /rest/v1/orders?id=eq.<id>   body: object
//	DELETE /rest/v1/orders?id=eq.<id>
//
// PATCH and DELETE require at least one filter.
type RowHandler struct {
	rows   *service.RowService
	logger *slog.Logger
}

func NewRowHandler(rows *service.RowService, logger *slog.Logger) *RowHandler {
	return &RowHandler{rows: rows, logger: logger}
}

// reserved query parameters that are not column filters.
var reserved = map[string]bool{"order": true, "limit": true, "select": true, "apikey": true}

func parseRowQuery(t *schema.Table, values url.Values) (repository.RowQuery, error) {
	var q repository.RowQuery
	for key, vals := range values {
		if reserved[key] {
			continue
		}
		for _, raw := range vals {
			v, ok := strings.CutPrefix(raw, "eq.")
			if !ok {
				return q, apperror.ValidationFailed(key, "only eq filters are supported: "+key+"="+raw)
			}
			parsed, err := t.ParseFilter(key, v)
			if err != nil {
				return q, err
			}
			q.Filters = append(q.Filters, repository.Filter{Column: key, Value: parsed})
		}
	}

	if order := values.Get("order"); order != "" {
		col, dir, _ := strings.Cut(order, ".")
		if !t.Has(col) {
			return q, apperror.ValidationFailed("order", "unknown order column "+col)
		}
		switch dir {
		case "", "asc":
			q.Ascending = true
		case "desc":
		default:
			return q, apperror.ValidationFailed("order", "order direction must be asc or desc")
		}
		q.OrderBy = col
	}

	if limit := values.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 || n > MaxLimit {
			return q, apperror.ValidationFailed("limit", "limit must be between 0 and "+strconv.Itoa(MaxLimit))
		}
		q.Limit = n
	}
	return q, nil
}

// request resolves the table and the query shared by every verb.
func (h *RowHandler) request(r *http.Request) (string, repository.RowQuery, error) {
	t, err := service.Table(chi.URLParam(r, "table"))
	if err != nil {
		return "", repository.RowQuery{}, err
	}
	q, err := parseRowQuery(t, r.URL.Query())
	return t.Name, q, err
}

func viewer(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

func (h *RowHandler) HandleSelect(w http.ResponseWriter, r *http.Request) {
	table, q, err := h.request(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := h.rows.Select(r.Context(), viewer(r), table, q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRows(w, http.StatusOK, rows)
}

func (h *RowHandler) HandleInsert(w http.ResponseWriter, r *http.Request) {
	table, _, err := h.request(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, apperror.ValidationFailed("body", "request body too large"))
		return
	}
	raw, err := schema.DecodeRows(json.RawMessage(body))
	if err != nil {
		writeError(w, err)
		return
	}

	rows, err := h.rows.Insert(r.Context(), viewer(r), table, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRows(w, http.StatusCreated, rows)
}

func (h *RowHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	table, q, err := h.request(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(q.Filters) == 0 {
		writeError(w, apperror.ValidationFailed("", "update requires a filter"))
		return
	}
	var patch map[string]any
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}

	rows, err := h.rows.Update(r.Context(), viewer(r), table, q, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRows(w, http.StatusOK, rows)
}

func (h *RowHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	table, q, err := h.request(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(q.Filters) == 0 {
		writeError(w, apperror.ValidationFailed("", "delete requires a filter"))
		return
	}

	gone, err := h.rows.Delete(r.Context(), viewer(r), table, q)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Debug("rows deleted", slog.String("table", table), slog.Int("count", len(gone)))
	w.WriteHeader(http.StatusNoContent)
}

// writeRows always sends a JSON array, never null.
func writeRows(w http.ResponseWriter, status int, rows []schema.Row) {
	if rows == nil {
		rows = []schema.Row{}
	}
	writeJSON(w, status, rows)
}
