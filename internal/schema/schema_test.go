package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/model"
)

var testNow = time.Date(2025, 5, 4, 10, 30, 0, 0, time.UTC)

func TestLookup(t *testing.T) {
	for _, name := range []string{"orders", "messages", "settings"} {
		tbl, ok := Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, name, tbl.Name)
	}
	_, ok := Lookup("users")
	assert.False(t, ok)
	assert.Equal(t, []string{"messages", "orders", "settings"}, Names())
}

func TestPrepareInsertOrder(t *testing.T) {
	row, err := Orders.PrepareInsert(map[string]any{
		"id":          "client-chosen",
		"title":       "Steel beams",
		"description": "40 units",
		"status":      "in progress",
		"user_id":     "u1",
		"created_at":  "0001-01-01T00:00:00Z",
	}, "u1", "x1", testNow)
	require.NoError(t, err)

	assert.Equal(t, "x1", row[ColID])
	assert.Equal(t, "u1", row[ColUserID])
	assert.Equal(t, "in_progress", row["status"])
	assert.Equal(t, testNow, row[ColCreatedAt])
	assert.Equal(t, testNow, row[ColUpdatedAt])
}

func TestPrepareInsertDefaults(t *testing.T) {
	row, err := Settings.PrepareInsert(map[string]any{}, "u1", "s1", testNow)
	require.NoError(t, err)

	assert.Equal(t, true, row["notifications_enabled"])
	assert.Equal(t, true, row["email_updates"])
	assert.Equal(t, "light", row["theme"])

	order, err := Orders.PrepareInsert(map[string]any{"title": "t", "description": "d"}, "u1", "o1", testNow)
	require.NoError(t, err)
	assert.Equal(t, string(model.StatusPending), order["status"])
}

func TestPrepareInsertErrors(t *testing.T) {
	tests := []struct {
		name   string
		table  *Table
		raw    map[string]any
		viewer string
		target error
	}{
		{"anonymous", Orders, map[string]any{"title": "t", "description": "d"}, "", apperror.ErrUnauthorized},
		{"missing title", Orders, map[string]any{"description": "d"}, "u1", apperror.ErrValidation},
		{"blank title", Orders, map[string]any{"title": "  ", "description": "d"}, "u1", apperror.ErrValidation},
		{"bad status", Orders, map[string]any{"title": "t", "description": "d", "status": "shipped"}, "u1", apperror.ErrValidation},
		{"unknown column", Orders, map[string]any{"title": "t", "description": "d", "price": "3"}, "u1", apperror.ErrValidation},
		{"foreign owner", Orders, map[string]any{"title": "t", "description": "d", "user_id": "u2"}, "u1", apperror.ErrForbidden},
		{"bad bool", Settings, map[string]any{"email_updates": "maybe"}, "u1", apperror.ErrValidation},
		{"bad theme", Settings, map[string]any{"theme": "solarized"}, "u1", apperror.ErrValidation},
		{"empty message", Messages, map[string]any{"message": ""}, "u1", apperror.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.table.PrepareInsert(tt.raw, tt.viewer, "id", testNow)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
		})
	}
}

func TestPreparePatch(t *testing.T) {
	patch, err := Settings.PreparePatch(map[string]any{
		"id":                    "s1",
		"user_id":               "someone-else",
		"created_at":            "2020-01-01T00:00:00Z",
		"notifications_enabled": false,
		"theme":                 "DARK",
	}, testNow)
	require.NoError(t, err)

	assert.NotContains(t, patch, ColID)
	assert.NotContains(t, patch, ColUserID)
	assert.NotContains(t, patch, ColCreatedAt)
	assert.Equal(t, false, patch["notifications_enabled"])
	assert.Equal(t, "dark", patch["theme"])
	assert.Equal(t, testNow, patch[ColUpdatedAt])

	_, err = Settings.PreparePatch(map[string]any{"id": "s1"}, testNow)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestVisible(t *testing.T) {
	own := Row{ColUserID: "u1"}

	assert.True(t, Orders.Visible(own, "u1"))
	assert.False(t, Orders.Visible(own, "u2"))
	assert.True(t, Messages.Visible(own, "u2"))
	assert.False(t, Messages.Visible(own, ""))
}

func TestParseFilter(t *testing.T) {
	v, err := Settings.ParseFilter("email_updates", "false")
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = Orders.ParseFilter("created_at", "2025-05-04T10:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, testNow, v)

	_, err = Orders.ParseFilter("nope", "x")
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestDecodeRows(t *testing.T) {
	rows, err := DecodeRows(model.Order{Title: "a"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["title"])

	rows, err = DecodeRows([]map[string]any{{"title": "a"}, {"title": "b"}})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = DecodeRows([]byte(`"just a string"`))
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestFormatTimeSortsLexically(t *testing.T) {
	a := FormatTime(testNow)
	b := FormatTime(testNow.Add(1500 * time.Millisecond))
	assert.Less(t, a, b)
	assert.Len(t, b, len(a))
}

func TestLess(t *testing.T) {
	assert.True(t, Less(testNow, testNow.Add(time.Second)))
	assert.True(t, Less("a", "b"))
	assert.True(t, Less(false, true))
	assert.False(t, Less(true, false))
}
