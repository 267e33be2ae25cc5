package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

type Config struct {
	// DSN is a sqlite file path or a postgres:// URL.
	DSN string
}

// DialectOf infers the dialect from a DSN.
func DialectOf(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// Open opens the engine database. SQLite runs with foreign keys on and a
// single connection so concurrent writers queue instead of failing busy.
func Open(cfg Config) (*sql.DB, Dialect, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, "", fmt.Errorf("dsn required")
	}
	dialect := DialectOf(cfg.DSN)
	if dialect == DialectPostgres {
		conn, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, "", err
		}
		return conn, dialect, nil
	}
	if dir := filepath.Dir(cfg.DSN); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, "", err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", cfg.DSN)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	conn.SetMaxOpenConns(1)
	return conn, dialect, nil
}

// Rebind rewrites ? placeholders to $n for postgres.
func Rebind(d Dialect, query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
