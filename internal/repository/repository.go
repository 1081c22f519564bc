// Package repository declares the storage interfaces of the backend server.
// The sqlite sub-package implements all of them on one *sqlite.DB.
package repository

import (
	"context"
	"time"

	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/schema"
)

type UserRepository interface {
	// CreateUser fails with apperror.ErrConflict when the email is taken.
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	// UpdateUserMetadata merges metadata into the stored bag.
	UpdateUserMetadata(ctx context.Context, id string, metadata map[string]any) (*model.User, error)
}

type RefreshTokenRepository interface {
	CreateRefreshToken(ctx context.Context, token *model.RefreshToken) error
	// ConsumeRefreshToken revokes a live token and returns it. Unknown,
	// revoked and expired tokens yield apperror.ErrNotFound. Two concurrent
	// calls with the same token never both succeed.
	ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (*model.RefreshToken, error)
	RevokeUserTokens(ctx context.Context, userID string) error
}

// Filter is an equality predicate on a column; Value is already coerced to the
// column's Go type.
type Filter struct {
	Column string
	Value  any
}

// RowQuery selects rows of one table.
type RowQuery struct {
	Filters []Filter
	// Owner, when set, restricts the query to rows owned by that user.
	Owner     string
	OrderBy   string
	Ascending bool
	Limit     int
}

type RowRepository interface {
	SelectRows(ctx context.Context, t *schema.Table, q RowQuery) ([]schema.Row, error)
	// InsertRows stores every row or none. It fails with apperror.ErrConflict
	// on a duplicate id or, for one-row-per-owner tables, a second row for the
	// same owner, including two in the same batch.
	InsertRows(ctx context.Context, t *schema.Table, rows []schema.Row) error
	// UpdateRows applies patch to every matching row and returns the rows as
	// they were before and after, in the same order.
	UpdateRows(ctx context.Context, t *schema.Table, q RowQuery, patch schema.Row) (before, after []schema.Row, err error)
	// DeleteRows removes every matching row and returns them.
	DeleteRows(ctx context.Context, t *schema.Table, q RowQuery) ([]schema.Row, error)
}
