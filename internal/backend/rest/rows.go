package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/wire"
)

// queryValues renders q in the server's filter syntax:
// col=eq.value&order=col.asc&limit=n.
func queryValues(q backend.Query) url.Values {
	v := url.Values{}
	for _, f := range q.Filters {
		v.Add(f.Column, "eq."+f.Value)
	}
	if q.Order != nil {
		dir := "desc"
		if q.Order.Ascending {
			dir = "asc"
		}
		v.Set("order", q.Order.Column+"."+dir)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func tablePath(table string) (string, error) {
	if table == "" {
		return "", apperror.ValidationFailed("table", "table is required")
	}
	return wire.PathRest + url.PathEscape(table), nil
}

func (c *Client) Select(ctx context.Context, q backend.Query, dst any) error {
	path, err := tablePath(q.Table)
	if err != nil {
		return err
	}
	return c.do(ctx, request{method: http.MethodGet, path: path, query: queryValues(q), authed: true, dst: dst})
}

func (c *Client) Insert(ctx context.Context, table string, rows any, dst any) error {
	path, err := tablePath(table)
	if err != nil {
		return err
	}
	return c.do(ctx, request{method: http.MethodPost, path: path, body: rows, authed: true, dst: dst})
}

func (c *Client) Update(ctx context.Context, q backend.Query, patch any, dst any) error {
	path, err := tablePath(q.Table)
	if err != nil {
		return err
	}
	if len(q.Filters) == 0 {
		return apperror.ValidationFailed("", fmt.Sprintf("update of %s requires a filter", q.Table))
	}
	return c.do(ctx, request{method: http.MethodPatch, path: path, query: queryValues(q), body: patch, authed: true, dst: dst})
}

func (c *Client) Delete(ctx context.Context, q backend.Query) error {
	path, err := tablePath(q.Table)
	if err != nil {
		return err
	}
	if len(q.Filters) == 0 {
		return apperror.ValidationFailed("", fmt.Sprintf("delete from %s requires a filter", q.Table))
	}
	return c.do(ctx, request{method: http.MethodDelete, path: path, query: queryValues(q), authed: true})
}
