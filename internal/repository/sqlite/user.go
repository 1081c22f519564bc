package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/repository"
	"github.com/sakif/supply-chalao/internal/schema"
)

var (
	_ repository.UserRepository         = (*DB)(nil)
	_ repository.RefreshTokenRepository = (*DB)(nil)
)

const userColumns = `id, email, password_hash, metadata, created_at, updated_at`

// CreateUser stores a new account. ID and timestamps must be set by the
// caller; the email is stored lower-cased.
func (db *DB) CreateUser(ctx context.Context, user *model.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	meta, err := encodeMetadata(user.Metadata)
	if err != nil {
		return err
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Email,
		user.PasswordHash,
		meta,
		schema.FormatTime(user.CreatedAt),
		schema.FormatTime(user.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.Email)
		}
		return fmt.Errorf("sqlite: inserting user %s: %w", user.Email, err)
	}
	return nil
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row, "user", id)
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := db.conn.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row, "user", email)
}

// UpdateUserMetadata merges inside a transaction so concurrent updates of
// different keys do not overwrite each other.
func (db *DB) UpdateUserMetadata(ctx context.Context, id string, metadata map[string]any) (*model.User, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	u, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id), "user", id)
	if err != nil {
		return nil, err
	}
	if u.Metadata == nil {
		u.Metadata = make(map[string]any)
	}
	for k, v := range metadata {
		u.Metadata[k] = v
	}
	meta, err := encodeMetadata(u.Metadata)
	if err != nil {
		return nil, err
	}
	u.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET metadata = ?, updated_at = ? WHERE id = ?`,
		meta, schema.FormatTime(u.UpdatedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: updating user %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: committing user %s: %w", id, err)
	}
	return u, nil
}

func scanUser(row *sql.Row, resource, key string) (*model.User, error) {
	var (
		u                    model.User
		meta                 string
		createdAt, updatedAt string
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &meta, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound(resource, key)
		}
		return nil, fmt.Errorf("sqlite: getting %s %s: %w", resource, key, err)
	}
	if err := json.Unmarshal([]byte(meta), &u.Metadata); err != nil {
		return nil, fmt.Errorf("sqlite: decoding metadata of %s: %w", u.ID, err)
	}
	if u.CreatedAt, err = schema.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("sqlite: decoding created_at of %s: %w", u.ID, err)
	}
	if u.UpdatedAt, err = schema.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("sqlite: decoding updated_at of %s: %w", u.ID, err)
	}
	return &u, nil
}

func encodeMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("sqlite: encoding metadata: %w", err)
	}
	return string(b), nil
}

// ===== Refresh tokens =====

func (db *DB) CreateRefreshToken(ctx context.Context, t *model.RefreshToken) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token, user_id, expires_at, revoked, created_at)
		 VALUES (?, ?, ?, 0, ?)`,
		t.Token, t.UserID, schema.FormatTime(t.ExpiresAt), schema.FormatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken flips revoked with a conditional UPDATE; the row count
// decides which of two concurrent callers wins.
func (db *DB) ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (*model.RefreshToken, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1
		 WHERE token = ? AND revoked = 0 AND expires_at > ?`,
		token, schema.FormatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: consuming refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: consuming refresh token: %w", err)
	}
	if n == 0 {
		return nil, apperror.NotFound("refresh token", "(redacted)")
	}

	var (
		t                    model.RefreshToken
		expiresAt, createdAt string
	)
	err = db.conn.QueryRowContext(ctx,
		`SELECT token, user_id, expires_at, revoked, created_at FROM refresh_tokens WHERE token = ?`, token,
	).Scan(&t.Token, &t.UserID, &expiresAt, &t.Revoked, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading refresh token: %w", err)
	}
	if t.ExpiresAt, err = schema.ParseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("sqlite: decoding refresh token expiry: %w", err)
	}
	if t.CreatedAt, err = schema.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("sqlite: decoding refresh token created_at: %w", err)
	}
	return &t, nil
}

func (db *DB) RevokeUserTokens(ctx context.Context, userID string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("sqlite: revoking tokens of %s: %w", userID, err)
	}
	return nil
}
