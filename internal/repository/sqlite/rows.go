package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/repository"
	"github.com/sakif/supply-chalao/internal/schema"
)

var _ repository.RowRepository = (*DB)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *DB) SelectRows(ctx context.Context, t *schema.Table, q repository.RowQuery) ([]schema.Row, error) {
	return selectRows(ctx, db.conn, t, q)
}

// InsertRows writes the whole batch in one transaction: either every row is
// stored or none is.
func (db *DB) InsertRows(ctx context.Context, t *schema.Table, rows []schema.Row) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	names := t.ColumnNames()
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		t.Name, strings.Join(names, ", "), placeholders(len(names)))
	for _, row := range rows {
		args := make([]any, len(names))
		for i, name := range names {
			col, _ := t.Column(name)
			v, err := toSQL(col, row[name])
			if err != nil {
				return err
			}
			args[i] = v
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return apperror.Conflict(t.Name, fmt.Sprint(row[schema.ColID]))
			}
			return fmt.Errorf("sqlite: inserting into %s: %w", t.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing insert into %s: %w", t.Name, err)
	}
	return nil
}

// UpdateRows reads the matching rows, patches them and reads them back inside
// one transaction.
func (db *DB) UpdateRows(ctx context.Context, t *schema.Table, q repository.RowQuery, patch schema.Row) ([]schema.Row, []schema.Row, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	before, err := selectRows(ctx, tx, t, q)
	if err != nil || len(before) == 0 {
		return nil, nil, err
	}

	var (
		sets []string
		args []any
	)
	for name, v := range patch {
		col, ok := t.Column(name)
		if !ok {
			return nil, nil, apperror.ValidationFailed(name, "unknown column "+name)
		}
		sv, err := toSQL(col, v)
		if err != nil {
			return nil, nil, err
		}
		sets = append(sets, name+" = ?")
		args = append(args, sv)
	}
	ids := make([]any, len(before))
	for i, r := range before {
		ids[i] = r[schema.ColID]
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s IN (%s)`,
		t.Name, strings.Join(sets, ", "), schema.ColID, placeholders(len(ids)))
	if _, err := tx.ExecContext(ctx, query, append(args, ids...)...); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, apperror.Conflict(t.Name, fmt.Sprint(ids[0]))
		}
		return nil, nil, fmt.Errorf("sqlite: updating %s: %w", t.Name, err)
	}

	after := make([]schema.Row, len(before))
	for i, r := range before {
		next := make(schema.Row, len(r))
		for k, v := range r {
			next[k] = v
		}
		for k, v := range patch {
			next[k] = v
		}
		after[i] = next
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("sqlite: committing update of %s: %w", t.Name, err)
	}
	return before, after, nil
}

func (db *DB) DeleteRows(ctx context.Context, t *schema.Table, q repository.RowQuery) ([]schema.Row, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	gone, err := selectRows(ctx, tx, t, q)
	if err != nil || len(gone) == 0 {
		return nil, err
	}
	ids := make([]any, len(gone))
	for i, r := range gone {
		ids[i] = r[schema.ColID]
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, t.Name, schema.ColID, placeholders(len(ids)))
	if _, err := tx.ExecContext(ctx, query, ids...); err != nil {
		return nil, fmt.Errorf("sqlite: deleting from %s: %w", t.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: committing delete from %s: %w", t.Name, err)
	}
	return gone, nil
}

func selectRows(ctx context.Context, q querier, t *schema.Table, rq repository.RowQuery) ([]schema.Row, error) {
	names := t.ColumnNames()
	var (
		where []string
		args  []any
	)
	if rq.Owner != "" {
		where = append(where, t.Owner+" = ?")
		args = append(args, rq.Owner)
	}
	for _, f := range rq.Filters {
		col, ok := t.Column(f.Column)
		if !ok {
			return nil, apperror.ValidationFailed(f.Column, "unknown column "+f.Column)
		}
		v, err := toSQL(col, f.Value)
		if err != nil {
			return nil, err
		}
		where = append(where, f.Column+" = ?")
		args = append(args, v)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(names, ", "), t.Name)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if rq.OrderBy != "" {
		if !t.Has(rq.OrderBy) {
			return nil, apperror.ValidationFailed("order", "unknown order column "+rq.OrderBy)
		}
		dir := "DESC"
		if rq.Ascending {
			dir = "ASC"
		}
		// rowid breaks ties between rows written in the same instant.
		fmt.Fprintf(&b, " ORDER BY %s %s, rowid %s", rq.OrderBy, dir, dir)
	} else {
		b.WriteString(" ORDER BY rowid ASC")
	}
	if rq.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", rq.Limit)
	}

	rows, err := q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: selecting from %s: %w", t.Name, err)
	}
	defer rows.Close()

	var out []schema.Row
	for rows.Next() {
		dest := make([]any, len(names))
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("sqlite: scanning %s: %w", t.Name, err)
		}
		row := make(schema.Row, len(names))
		for i, name := range names {
			col, _ := t.Column(name)
			v, err := fromSQL(col, *dest[i].(*any))
			if err != nil {
				return nil, fmt.Errorf("sqlite: decoding %s.%s: %w", t.Name, name, err)
			}
			row[name] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating %s: %w", t.Name, err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// toSQL converts a schema value to its storage form.
func toSQL(col *schema.Column, v any) (any, error) {
	switch col.Kind {
	case schema.Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, apperror.ValidationFailed(col.Name, col.Name+" must be a boolean")
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	case schema.Time:
		ts, ok := v.(time.Time)
		if !ok {
			return nil, apperror.ValidationFailed(col.Name, col.Name+" must be a timestamp")
		}
		return schema.FormatTime(ts), nil
	default:
		s, ok := v.(string)
		if !ok {
			return nil, apperror.ValidationFailed(col.Name, col.Name+" must be a string")
		}
		return s, nil
	}
}

// fromSQL converts a scanned driver value back to the schema type.
func fromSQL(col *schema.Column, v any) (any, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch col.Kind {
	case schema.Bool:
		switch x := v.(type) {
		case int64:
			return x != 0, nil
		case bool:
			return x, nil
		}
	case schema.Time:
		if s, ok := v.(string); ok {
			return schema.ParseTime(s)
		}
		if ts, ok := v.(time.Time); ok {
			return ts.UTC(), nil
		}
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unexpected %T", v)
}
