package store

import (
	"fmt"
	"strings"
)

// dialect captures the few places where sqlite and postgres SQL diverge:
// schema DDL, placeholder style, and date bucketing expressions.
type dialect struct {
	name       string
	driver     string
	schema     []string
	dayExpr    string
	monthExpr  string
	positional bool // $1-style placeholders
}

var dialects = map[string]*dialect{
	"sqlite3": {
		name:      "sqlite3",
		driver:    "sqlite3",
		schema:    sqliteSchema,
		dayExpr:   "date(timestamp)",
		monthExpr: "strftime('%Y-%m', timestamp)",
	},
	"postgres": {
		name:       "postgres",
		driver:     "pgx",
		schema:     postgresSchema,
		dayExpr:    "to_char(timestamp, 'YYYY-MM-DD')",
		monthExpr:  "to_char(timestamp, 'YYYY-MM')",
		positional: true,
	},
}

func lookupDialect(name string) (*dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return nil, fmt.Errorf("unsupported store dialect %q (want sqlite3 or postgres)", name)
	}
	return d, nil
}

// rebind converts ?-style placeholders to the dialect's native style.
func (d *dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS failed_logins (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		source_ip TEXT,
		timestamp DATETIME NOT NULL,
		terminal TEXT,
		protocol TEXT NOT NULL DEFAULT 'unknown',
		raw_line TEXT NOT NULL,
		inserted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	// NULL source_ip rows must dedup against each other, and unique
	// constraints treat NULLs as distinct, hence the COALESCE index.
	`CREATE UNIQUE INDEX IF NOT EXISTS failed_logins_dedup
		ON failed_logins (username, COALESCE(source_ip, ''), timestamp)`,
	`CREATE TABLE IF NOT EXISTS ip_geolocations (
		ip TEXT PRIMARY KEY,
		country_code TEXT,
		country TEXT,
		city TEXT,
		latitude REAL,
		longitude REAL,
		asn INTEGER,
		last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS daily_attempts (
		day TEXT PRIMARY KEY,
		attempts INTEGER NOT NULL,
		unique_ips INTEGER NOT NULL,
		unique_users INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS monthly_attempts (
		month TEXT PRIMARY KEY,
		attempts INTEGER NOT NULL,
		unique_ips INTEGER NOT NULL,
		unique_users INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS country_attempts (
		country_code TEXT PRIMARY KEY,
		country TEXT,
		attempts INTEGER NOT NULL,
		unique_ips INTEGER NOT NULL
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS failed_logins (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL,
		source_ip TEXT,
		timestamp TIMESTAMPTZ NOT NULL,
		terminal TEXT,
		protocol TEXT NOT NULL DEFAULT 'unknown',
		raw_line TEXT NOT NULL,
		inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS failed_logins_dedup
		ON failed_logins (username, COALESCE(source_ip, ''), timestamp)`,
	`CREATE TABLE IF NOT EXISTS ip_geolocations (
		ip TEXT PRIMARY KEY,
		country_code TEXT,
		country TEXT,
		city TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		asn BIGINT,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS daily_attempts (
		day TEXT PRIMARY KEY,
		attempts BIGINT NOT NULL,
		unique_ips BIGINT NOT NULL,
		unique_users BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS monthly_attempts (
		month TEXT PRIMARY KEY,
		attempts BIGINT NOT NULL,
		unique_ips BIGINT NOT NULL,
		unique_users BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS country_attempts (
		country_code TEXT PRIMARY KEY,
		country TEXT,
		attempts BIGINT NOT NULL,
		unique_ips BIGINT NOT NULL
	)`,
}
