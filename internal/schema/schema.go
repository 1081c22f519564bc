// Package schema describes the three dashboard tables (orders, messages,
// settings) and the row rules both backends enforce: column kinds, required
// and enumerated values, server-assigned columns and row ownership.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/model"
)

// Kind is the storage type of a column.
type Kind int

const (
	Text Kind = iota
	Bool
	Time
)

// Server-assigned columns present on every table.
const (
	ColID        = "id"
	ColUserID    = "user_id"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
)

// TimeLayout is the fixed-width UTC layout rows are stored with, so that
// lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Row is a decoded row: column name to string, bool or time.Time.
type Row map[string]any

type Column struct {
	Name     string
	Kind     Kind
	Required bool
	// Normalize canonicalizes and validates a text value; nil accepts anything.
	Normalize func(string) (string, bool)
	Default   any
	// Immutable columns are silently dropped from update patches.
	Immutable bool
}

type Table struct {
	Name    string
	Columns []Column
	// Owner is the column holding the owning user's id.
	Owner string
	// PublicRead lets every signed-in user read every row.
	PublicRead bool
	// OneRowPerOwner makes Owner unique.
	OneRowPerOwner bool
}

func normalizeStatus(s string) (string, bool) {
	st, ok := model.ParseOrderStatus(s)
	return string(st), ok
}

func normalizeTheme(s string) (string, bool) {
	switch t := model.Theme(strings.ToLower(strings.TrimSpace(s))); t {
	case model.ThemeLight, model.ThemeDark:
		return string(t), true
	}
	return "", false
}

func baseColumns(extra ...Column) []Column {
	cols := []Column{
		{Name: ColID, Kind: Text, Immutable: true},
		{Name: ColUserID, Kind: Text, Immutable: true},
	}
	cols = append(cols, extra...)
	return append(cols,
		Column{Name: ColCreatedAt, Kind: Time, Immutable: true},
		Column{Name: ColUpdatedAt, Kind: Time},
	)
}

var (
	Orders = &Table{
		Name: "orders",
		Columns: baseColumns(
			Column{Name: "title", Kind: Text, Required: true},
			Column{Name: "description", Kind: Text, Required: true},
			Column{Name: "status", Kind: Text, Normalize: normalizeStatus, Default: string(model.StatusPending)},
		),
		Owner: ColUserID,
	}

	Messages = &Table{
		Name: "messages",
		Columns: []Column{
			{Name: ColID, Kind: Text, Immutable: true},
			{Name: ColUserID, Kind: Text, Immutable: true},
			{Name: "message", Kind: Text, Required: true},
			{Name: "user_email", Kind: Text, Default: ""},
			{Name: "user_name", Kind: Text, Default: "Anonymous"},
			{Name: ColCreatedAt, Kind: Time, Immutable: true},
		},
		Owner:      ColUserID,
		PublicRead: true,
	}

	Settings = &Table{
		Name: "settings",
		Columns: baseColumns(
			Column{Name: "notifications_enabled", Kind: Bool, Default: true},
			Column{Name: "email_updates", Kind: Bool, Default: true},
			Column{Name: "theme", Kind: Text, Normalize: normalizeTheme, Default: string(model.ThemeLight)},
		),
		Owner:          ColUserID,
		OneRowPerOwner: true,
	}

	tables = map[string]*Table{
		Orders.Name:   Orders,
		Messages.Name: Messages,
		Settings.Name: Settings,
	}
)

// Lookup returns the table named name.
func Lookup(name string) (*Table, bool) {
	t, ok := tables[name]
	return t, ok
}

// Names lists every table, sorted.
func Names() []string {
	out := make([]string, 0, len(tables))
	for name := range tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Column returns the column named name.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Has reports whether the table has a column named name.
func (t *Table) Has(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// ColumnNames lists the columns in declaration order.
func (t *Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Visible reports whether viewer may read row.
func (t *Table) Visible(row Row, viewer string) bool {
	if viewer == "" {
		return false
	}
	if t.PublicRead {
		return true
	}
	return row[t.Owner] == viewer
}

// PrepareInsert validates raw and returns the row to store. Server-assigned
// columns are overwritten, the owner is forced to viewer (a different owner
// is rejected) and defaults fill missing columns.
func (t *Table) PrepareInsert(raw map[string]any, viewer, id string, now time.Time) (Row, error) {
	if viewer == "" {
		return nil, apperror.Unauthorized("sign in to write " + t.Name)
	}
	row := Row{}
	for name, v := range raw {
		col, ok := t.Column(name)
		if !ok {
			return nil, apperror.ValidationFailed(name, fmt.Sprintf("unknown column %q on %s", name, t.Name))
		}
		switch col.Name {
		case ColID, ColCreatedAt, ColUpdatedAt:
			continue
		case t.Owner:
			if s, _ := v.(string); s != "" && s != viewer {
				return nil, apperror.Forbidden(fmt.Sprintf("cannot write %s rows for another user", t.Name))
			}
			continue
		}
		cv, err := col.Coerce(v)
		if err != nil {
			return nil, err
		}
		row[name] = cv
	}

	for _, col := range t.Columns {
		if _, ok := row[col.Name]; ok {
			continue
		}
		if col.Required {
			return nil, apperror.ValidationFailed(col.Name, col.Name+" is required")
		}
		if col.Default != nil {
			row[col.Name] = col.Default
		}
	}

	row[ColID] = id
	row[t.Owner] = viewer
	row[ColCreatedAt] = now.UTC()
	if t.Has(ColUpdatedAt) {
		row[ColUpdatedAt] = now.UTC()
	}
	return row, nil
}

// PreparePatch validates an update patch. Immutable columns are dropped and
// updated_at is bumped when the table has it.
func (t *Table) PreparePatch(raw map[string]any, now time.Time) (Row, error) {
	row := Row{}
	for name, v := range raw {
		col, ok := t.Column(name)
		if !ok {
			return nil, apperror.ValidationFailed(name, fmt.Sprintf("unknown column %q on %s", name, t.Name))
		}
		if col.Immutable || name == ColUpdatedAt {
			continue
		}
		cv, err := col.Coerce(v)
		if err != nil {
			return nil, err
		}
		row[name] = cv
	}
	if len(row) == 0 {
		return nil, apperror.ValidationFailed("", "update has no writable columns")
	}
	if t.Has(ColUpdatedAt) {
		row[ColUpdatedAt] = now.UTC()
	}
	return row, nil
}

// ParseFilter converts a query-string value to the column's Go type.
func (t *Table) ParseFilter(column, value string) (any, error) {
	col, ok := t.Column(column)
	if !ok {
		return nil, apperror.ValidationFailed(column, fmt.Sprintf("unknown column %q on %s", column, t.Name))
	}
	return col.Coerce(value)
}

// Coerce converts a JSON-decoded or query-string value into the column type
// and applies the column's normalization.
func (c *Column) Coerce(v any) (any, error) {
	switch c.Kind {
	case Bool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			switch strings.ToLower(x) {
			case "true", "t", "1":
				return true, nil
			case "false", "f", "0":
				return false, nil
			}
		}
		return nil, apperror.ValidationFailed(c.Name, c.Name+" must be a boolean")

	case Time:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			ts, err := ParseTime(x)
			if err != nil {
				return nil, apperror.ValidationFailed(c.Name, c.Name+" must be an RFC 3339 timestamp")
			}
			return ts, nil
		}
		return nil, apperror.ValidationFailed(c.Name, c.Name+" must be an RFC 3339 timestamp")

	default:
		s, ok := v.(string)
		if !ok {
			return nil, apperror.ValidationFailed(c.Name, c.Name+" must be a string")
		}
		if c.Required && strings.TrimSpace(s) == "" {
			return nil, apperror.ValidationFailed(c.Name, c.Name+" is required")
		}
		if c.Normalize != nil {
			norm, ok := c.Normalize(s)
			if !ok {
				return nil, apperror.ValidationFailed(c.Name, fmt.Sprintf("invalid %s %q", c.Name, s))
			}
			s = norm
		}
		return s, nil
	}
}

// ParseTime accepts RFC 3339 with or without fractional seconds.
func ParseTime(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// DecodeRows accepts a single row or a slice of rows in any JSON-encodable
// form (struct, map, json.RawMessage) and returns them as generic maps.
func DecodeRows(v any) ([]map[string]any, error) {
	var raw []byte
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	case []byte:
		raw = x
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding rows: %w", err)
		}
		raw = b
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var rows []map[string]any
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, apperror.ValidationFailed("", "rows must be JSON objects")
		}
		return rows, nil
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil || row == nil {
		return nil, apperror.ValidationFailed("", "row must be a JSON object")
	}
	return []map[string]any{row}, nil
}

// Less orders two values of the same column kind.
func Less(a, b any) bool {
	switch x := a.(type) {
	case time.Time:
		y, _ := b.(time.Time)
		return x.Before(y)
	case bool:
		y, _ := b.(bool)
		return !x && y
	case string:
		y, _ := b.(string)
		return x < y
	}
	return false
}
