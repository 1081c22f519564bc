package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/model"
)

// newTestDB returns a fresh in-memory database that is closed when the test
// ends.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// createTestUser creates a user and fails the test if it errors.
func createTestUser(t *testing.T, db *DB, email string) *model.User {
	t.Helper()
	now := time.Now().UTC()
	u := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: "$2a$04$not-a-real-hash",
		Metadata:     map[string]any{model.MetaFullName: "Test User"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := db.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return u
}

// =========================================================================
// USERS
// =========================================================================

func TestCreateAndGetUser(t *testing.T) {
	db := newTestDB(t)
	created := createTestUser(t, db, "Ada@Example.com")

	if created.Email != "ada@example.com" {
		t.Errorf("CreateUser() email = %q, want lower-cased", created.Email)
	}

	byID, err := db.GetUserByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetUserByID() error = %v", err)
	}
	if byID.Email != "ada@example.com" || byID.PasswordHash != created.PasswordHash {
		t.Errorf("GetUserByID() = %+v", byID)
	}
	if byID.Metadata[model.MetaFullName] != "Test User" {
		t.Errorf("metadata = %v, want full_name", byID.Metadata)
	}
	if !byID.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", byID.CreatedAt, created.CreatedAt)
	}

	byEmail, err := db.GetUserByEmail(context.Background(), " ADA@example.com ")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if byEmail.ID != created.ID {
		t.Errorf("GetUserByEmail() id = %q, want %q", byEmail.ID, created.ID)
	}
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	db := newTestDB(t)
	createTestUser(t, db, "ada@example.com")

	dup := &model.User{ID: uuid.NewString(), Email: "ADA@example.com", PasswordHash: "x"}
	err := db.CreateUser(context.Background(), dup)
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("CreateUser() duplicate = %v, want ErrConflict", err)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetUserByID(context.Background(), "missing")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetUserByID() = %v, want ErrNotFound", err)
	}
	_, err = db.GetUserByEmail(context.Background(), "missing@example.com")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetUserByEmail() = %v, want ErrNotFound", err)
	}
}

func TestUpdateUserMetadata_Merges(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "ada@example.com")
	ctx := context.Background()

	updated, err := db.UpdateUserMetadata(ctx, u.ID, map[string]any{"team": "logistics"})
	if err != nil {
		t.Fatalf("UpdateUserMetadata() error = %v", err)
	}
	if updated.Metadata[model.MetaFullName] != "Test User" || updated.Metadata["team"] != "logistics" {
		t.Errorf("metadata = %v, want both keys", updated.Metadata)
	}

	stored, _ := db.GetUserByID(ctx, u.ID)
	if stored.Metadata["team"] != "logistics" {
		t.Errorf("stored metadata = %v", stored.Metadata)
	}

	_, err = db.UpdateUserMetadata(ctx, "missing", map[string]any{"x": "y"})
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("UpdateUserMetadata() missing user = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// REFRESH TOKENS
// =========================================================================

func TestConsumeRefreshToken_SingleUse(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "ada@example.com")
	ctx := context.Background()
	now := time.Now().UTC()

	tok := &model.RefreshToken{Token: uuid.NewString(), UserID: u.ID, ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := db.CreateRefreshToken(ctx, tok); err != nil {
		t.Fatalf("CreateRefreshToken() error = %v", err)
	}

	got, err := db.ConsumeRefreshToken(ctx, tok.Token, now)
	if err != nil {
		t.Fatalf("ConsumeRefreshToken() error = %v", err)
	}
	if got.UserID != u.ID || !got.Revoked {
		t.Errorf("ConsumeRefreshToken() = %+v, want revoked token of %s", got, u.ID)
	}

	if _, err := db.ConsumeRefreshToken(ctx, tok.Token, now); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("second ConsumeRefreshToken() = %v, want ErrNotFound", err)
	}
}

func TestConsumeRefreshToken_Expired(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "ada@example.com")
	ctx := context.Background()
	now := time.Now().UTC()

	tok := &model.RefreshToken{Token: uuid.NewString(), UserID: u.ID, ExpiresAt: now.Add(-time.Second), CreatedAt: now.Add(-time.Hour)}
	if err := db.CreateRefreshToken(ctx, tok); err != nil {
		t.Fatalf("CreateRefreshToken() error = %v", err)
	}
	if _, err := db.ConsumeRefreshToken(ctx, tok.Token, now); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("ConsumeRefreshToken() expired = %v, want ErrNotFound", err)
	}
}

func TestRevokeUserTokens(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "ada@example.com")
	ctx := context.Background()
	now := time.Now().UTC()

	var tokens []string
	for range 3 {
		tok := &model.RefreshToken{Token: uuid.NewString(), UserID: u.ID, ExpiresAt: now.Add(time.Hour), CreatedAt: now}
		if err := db.CreateRefreshToken(ctx, tok); err != nil {
			t.Fatalf("CreateRefreshToken() error = %v", err)
		}
		tokens = append(tokens, tok.Token)
	}

	if err := db.RevokeUserTokens(ctx, u.ID); err != nil {
		t.Fatalf("RevokeUserTokens() error = %v", err)
	}
	for _, tok := range tokens {
		if _, err := db.ConsumeRefreshToken(ctx, tok, now); !errors.Is(err, apperror.ErrNotFound) {
			t.Errorf("ConsumeRefreshToken(%s) after revoke = %v, want ErrNotFound", tok, err)
		}
	}
}
