// Package sqlite implements the repository interfaces on SQLite through the
// pure-Go modernc.org/sqlite driver (no cgo, cross-compiles anywhere).
//
// Timestamps are stored as fixed-width UTC text (schema.TimeLayout) so that
// ORDER BY on the text column is chronological. Booleans are INTEGER 0/1 and
// user metadata is a JSON object in a TEXT column.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/sakif/supply-chalao/internal/schema"
)

// DB wraps the connection pool and implements every repository interface.
type DB struct {
	conn *sql.DB
}

// New opens dbPath and runs migrations.
//
//   - "data/chalao.db" → file database, WAL mode
//   - ":memory:"       → in-memory database (tests)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would get its own empty
	// database; pin the pool to a single connection.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers proceed while a write is in progress.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping reports whether the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate is idempotent: every statement is CREATE ... IF NOT EXISTS.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			metadata      TEXT NOT NULL DEFAULT '{}',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS refresh_tokens (
			token      TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			expires_at TEXT NOT NULL,
			revoked    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id ON refresh_tokens(user_id);
	`)
	if err != nil {
		return fmt.Errorf("creating refresh_tokens table: %w", err)
	}

	for _, name := range schema.Names() {
		t, _ := schema.Lookup(name)
		if _, err := db.conn.Exec(createTableSQL(t)); err != nil {
			return fmt.Errorf("creating %s table: %w", t.Name, err)
		}
	}
	return nil
}

// createTableSQL derives the DDL of a data table from its schema. Names come
// from the schema package, never from requests.
func createTableSQL(t *schema.Table) string {
	var cols []string
	for _, c := range t.Columns {
		def := c.Name + " " + sqlType(c.Kind) + " NOT NULL"
		switch {
		case c.Name == schema.ColID:
			def += " PRIMARY KEY"
		case c.Name == t.Owner:
			def += " REFERENCES users(id) ON DELETE CASCADE"
			if t.OneRowPerOwner {
				def += " UNIQUE"
			}
		}
		cols = append(cols, def)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\t%s\n);\n", t.Name, strings.Join(cols, ",\n\t"))
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s);\n", t.Name, t.Owner, t.Name, t.Owner)
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s(%s);\n", t.Name, t.Name, schema.ColCreatedAt)
	return b.String()
}

func sqlType(k schema.Kind) string {
	if k == schema.Bool {
		return "INTEGER"
	}
	return "TEXT"
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
