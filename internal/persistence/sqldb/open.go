// SPDX-License-Identifier: MIT

// Package sqldb opens the durable store. A TB_SQL_URL of the form
// postgres://... selects the Postgres driver; anything else is treated as a
// SQLite file path.
package sqldb

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Config defines operational parameters for the connection pool.
type Config struct {
	BusyTimeout  time.Duration // SQLite only
	MaxOpenConns int
}

// DefaultConfig returns the recommended pool configuration.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// IsPostgres reports whether the URL selects the Postgres driver.
func IsPostgres(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

// Open initializes a connection pool for the given URL and verifies
// connectivity. SQLite gets mandatory PRAGMAs (WAL, busy_timeout) applied via
// the DSN so they hold for every pooled connection.
func Open(url string, cfg Config) (*sql.DB, error) {
	var db *sql.DB
	var err error

	if IsPostgres(url) {
		db, err = sql.Open("postgres", url)
	} else {
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
			url, cfg.BusyTimeout.Milliseconds())
		db, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("sqldb: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqldb: ping failed: %w", err)
	}

	return db, nil
}

// Rebind rewrites `?` placeholders to `$1..$N` for Postgres. Queries are
// written against the SQLite dialect and rebound at execution time.
func Rebind(postgres bool, query string) string {
	if !postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
