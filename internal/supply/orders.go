// Package supply holds the typed stores the dashboard pages use: orders,
// messages and settings, all going through the backend's row API. Row-level
// ownership is enforced by the backend; the stores only add validation and
// the queries each page needs.
package supply

import (
	"context"
	"fmt"
	"strings"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/model"
)

const (
	ordersTable = "orders"

	// RecentOrders is how many orders the dashboard lists.
	RecentOrders = 5
)

// OrderInput is the editable part of an order as submitted by a form.
type OrderInput struct {
	Title       string
	Description string
	Status      string
}

// Validate trims the input and normalizes the status. An empty status means
// pending.
func (in OrderInput) Validate() (map[string]any, error) {
	title := strings.TrimSpace(in.Title)
	desc := strings.TrimSpace(in.Description)
	if title == "" {
		return nil, apperror.ValidationFailed("title", "title is required")
	}
	if desc == "" {
		return nil, apperror.ValidationFailed("description", "description is required")
	}
	status := model.StatusPending
	if strings.TrimSpace(in.Status) != "" {
		st, ok := model.ParseOrderStatus(in.Status)
		if !ok {
			return nil, apperror.ValidationFailed("status", fmt.Sprintf("unknown status %q", in.Status))
		}
		status = st
	}
	return map[string]any{
		"title":       title,
		"description": desc,
		"status":      string(status),
	}, nil
}

type Orders struct {
	rows backend.Rows
}

func NewOrders(rows backend.Rows) *Orders {
	return &Orders{rows: rows}
}

func (s *Orders) mine(userID string) backend.Query {
	return backend.From(ordersTable).Eq("user_id", userID)
}

// Recent returns the user's n newest orders.
func (s *Orders) Recent(ctx context.Context, userID string, n int) ([]model.Order, error) {
	var out []model.Order
	q := s.mine(userID).OrderBy("created_at", false).WithLimit(n)
	if err := s.rows.Select(ctx, q, &out); err != nil {
		return nil, fmt.Errorf("listing recent orders: %w", err)
	}
	return out, nil
}

// All returns every order of the user, newest first.
func (s *Orders) All(ctx context.Context, userID string) ([]model.Order, error) {
	var out []model.Order
	if err := s.rows.Select(ctx, s.mine(userID).OrderBy("created_at", false), &out); err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return out, nil
}

// Stats counts the user's orders by status.
func (s *Orders) Stats(ctx context.Context, userID string) (model.OrderStats, error) {
	all, err := s.All(ctx, userID)
	if err != nil {
		return model.OrderStats{}, err
	}
	return model.CountOrders(all), nil
}

func (s *Orders) Get(ctx context.Context, userID, id string) (model.Order, error) {
	var out []model.Order
	if err := s.rows.Select(ctx, s.mine(userID).Eq("id", id).WithLimit(1), &out); err != nil {
		return model.Order{}, fmt.Errorf("getting order: %w", err)
	}
	if len(out) == 0 {
		return model.Order{}, apperror.NotFound("order", id)
	}
	return out[0], nil
}

func (s *Orders) Create(ctx context.Context, in OrderInput) (model.Order, error) {
	row, err := in.Validate()
	if err != nil {
		return model.Order{}, err
	}
	var out []model.Order
	if err := s.rows.Insert(ctx, ordersTable, row, &out); err != nil {
		return model.Order{}, fmt.Errorf("creating order: %w", err)
	}
	if len(out) == 0 {
		return model.Order{}, fmt.Errorf("creating order: backend returned no row")
	}
	return out[0], nil
}

func (s *Orders) Update(ctx context.Context, userID, id string, in OrderInput) (model.Order, error) {
	patch, err := in.Validate()
	if err != nil {
		return model.Order{}, err
	}
	var out []model.Order
	if err := s.rows.Update(ctx, s.mine(userID).Eq("id", id), patch, &out); err != nil {
		return model.Order{}, fmt.Errorf("updating order: %w", err)
	}
	if len(out) == 0 {
		return model.Order{}, apperror.NotFound("order", id)
	}
	return out[0], nil
}

func (s *Orders) Delete(ctx context.Context, userID, id string) error {
	if err := s.rows.Delete(ctx, s.mine(userID).Eq("id", id)); err != nil {
		return fmt.Errorf("deleting order: %w", err)
	}
	return nil
}
