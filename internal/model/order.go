package model

import (
	"strings"
	"time"
)

// OrderStatus is the canonical status vocabulary for orders.
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusInProgress OrderStatus = "in_progress"
	StatusDelivered  OrderStatus = "delivered"
	StatusCancelled  OrderStatus = "cancelled"
)

// OrderStatuses lists every valid status in display order.
var OrderStatuses = []OrderStatus{StatusPending, StatusInProgress, StatusDelivered, StatusCancelled}

// ParseOrderStatus normalizes user input into a canonical status.
// "in progress", "In-Progress" and "in_progress" all map to StatusInProgress.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	for _, st := range OrderStatuses {
		if string(st) == norm {
			return st, true
		}
	}
	return "", false
}

// Label is the human-readable form ("in progress").
func (s OrderStatus) Label() string {
	return strings.ReplaceAll(string(s), "_", " ")
}

// Order is a supply order owned by a single user.
type Order struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (o Order) Key() string { return o.ID }

// OrderStats are the dashboard counters.
type OrderStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Delivered  int `json:"delivered"`
	Cancelled  int `json:"cancelled"`
}

// CountOrders tallies orders by status.
func CountOrders(orders []Order) OrderStats {
	stats := OrderStats{Total: len(orders)}
	for _, o := range orders {
		switch o.Status {
		case StatusPending:
			stats.Pending++
		case StatusInProgress:
			stats.InProgress++
		case StatusDelivered:
			stats.Delivered++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}
