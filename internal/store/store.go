// Package store persists failed login attempts, the per-address geolocation
// cache, and the derived rollup tables. It speaks sqlite (default) or
// postgres through database/sql; all writes are additive or write-once.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"sshradar/internal/parser"
)

// Store wraps the SQL database holding attempt and geolocation data.
type Store struct {
	db      *sql.DB
	dialect *dialect
}

// LoadResult reports the outcome of one batch insert.
type LoadResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// GeoRecord is one row of the per-address geolocation cache. Nil fields map
// to NULL columns: a record with a nil CountryCode is a lookup miss, which is
// deliberately distinct from the private-range sentinel ("XX"/"Private").
type GeoRecord struct {
	IP          string
	CountryCode *string
	Country     *string
	City        *string
	Latitude    *float64
	Longitude   *float64
	ASN         *int64
}

// Open connects to the store and creates missing tables and indexes.
func Open(dialectName, dsn string) (*Store, error) {
	d, err := lookupDialect(dialectName)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", d.name, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s store: %w", d.name, err)
	}

	if d.name == "sqlite3" {
		// WAL keeps rollup readers on the previous snapshot during refresh.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			log.WithError(err).Debug("could not enable WAL mode")
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			log.WithError(err).Debug("could not set busy timeout")
		}
	}

	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &Store{db: db, dialect: d}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertAttempts writes a batch of parsed attempts. Collisions with the dedup
// key are absorbed silently and counted as duplicates; other per-record
// failures are counted and logged without aborting the batch. Each insert
// commits on its own so one poisoned record cannot take the batch down.
func (s *Store) InsertAttempts(ctx context.Context, attempts []*parser.Attempt) (LoadResult, error) {
	var res LoadResult
	if len(attempts) == 0 {
		return res, nil
	}

	stmt, err := s.db.PrepareContext(ctx, s.dialect.rebind(`
		INSERT INTO failed_logins (username, source_ip, timestamp, terminal, protocol, raw_line)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`))
	if err != nil {
		return res, fmt.Errorf("failed to prepare attempt insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range attempts {
		var sourceIP any
		if a.SourceIP != nil {
			sourceIP = a.SourceIP.String()
		}
		r, err := stmt.ExecContext(ctx, a.Username, sourceIP, a.Timestamp, a.Terminal, string(a.Protocol), a.RawLine)
		if err != nil {
			res.Failed++
			log.WithError(err).WithField("user", a.Username).Warn("attempt insert failed")
			continue
		}
		n, err := r.RowsAffected()
		if err != nil {
			res.Failed++
			continue
		}
		if n > 0 {
			res.Inserted++
		} else {
			res.Duplicates++
		}
	}
	return res, nil
}

// UnresolvedAddrs returns the distinct source addresses seen in failed_logins
// that have no geolocation cache entry yet.
func (s *Store) UnresolvedAddrs(ctx context.Context) ([]netip.Addr, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT fl.source_ip
		FROM failed_logins fl
		LEFT JOIN ip_geolocations geo ON fl.source_ip = geo.ip
		WHERE fl.source_ip IS NOT NULL
		  AND geo.ip IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved addresses: %w", err)
	}
	defer rows.Close()

	var addrs []netip.Addr
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			log.WithField("ip", raw).Warn("unparseable address in store, skipping")
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

// UpsertGeo writes a batch of geolocation records in one transaction.
// Re-running over the same addresses refreshes last_updated only.
func (s *Store) UpsertGeo(ctx context.Context, records []GeoRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin geo transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(`
		INSERT INTO ip_geolocations (ip, country_code, country, city, latitude, longitude, asn, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (ip) DO UPDATE SET
			country_code = excluded.country_code,
			country = excluded.country,
			city = excluded.city,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			asn = excluded.asn,
			last_updated = CURRENT_TIMESTAMP`))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare geo upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.IP, rec.CountryCode, rec.Country, rec.City,
			rec.Latitude, rec.Longitude, rec.ASN); err != nil {
			return 0, fmt.Errorf("failed to upsert geolocation for %s: %w", rec.IP, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit geo batch: %w", err)
	}
	return len(records), nil
}

// RefreshRollups rebuilds the daily, monthly and country rollup tables from
// the base tables inside one transaction. Readers keep the previous contents
// until the commit lands, so they never observe a half-built rollup.
func (s *Store) RefreshRollups(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rollup transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM daily_attempts`,
		fmt.Sprintf(`
			INSERT INTO daily_attempts (day, attempts, unique_ips, unique_users)
			SELECT %s, COUNT(*), COUNT(DISTINCT source_ip), COUNT(DISTINCT username)
			FROM failed_logins
			GROUP BY 1`, s.dialect.dayExpr),
		`DELETE FROM monthly_attempts`,
		fmt.Sprintf(`
			INSERT INTO monthly_attempts (month, attempts, unique_ips, unique_users)
			SELECT %s, COUNT(*), COUNT(DISTINCT source_ip), COUNT(DISTINCT username)
			FROM failed_logins
			GROUP BY 1`, s.dialect.monthExpr),
		`DELETE FROM country_attempts`,
		`INSERT INTO country_attempts (country_code, country, attempts, unique_ips)
			SELECT COALESCE(geo.country_code, '??'), COALESCE(MAX(geo.country), 'Unknown'),
			       COUNT(*), COUNT(DISTINCT fl.source_ip)
			FROM failed_logins fl
			LEFT JOIN ip_geolocations geo ON fl.source_ip = geo.ip
			WHERE fl.source_ip IS NOT NULL
			GROUP BY 1`,
	}

	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to rebuild rollups: %w", err)
		}
	}
	return tx.Commit()
}

// Counts returns the base table sizes, used by the status subcommand.
func (s *Store) Counts(ctx context.Context) (attempts, geo int64, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_logins`).Scan(&attempts); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ip_geolocations`).Scan(&geo); err != nil {
		return 0, 0, err
	}
	return attempts, geo, nil
}

// AttemptsSince counts attempts recorded after the given mark, used by the
// status subcommand to show recent activity.
func (s *Store) AttemptsSince(ctx context.Context, mark time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT COUNT(*) FROM failed_logins WHERE inserted_at > ?`), mark).Scan(&n)
	return n, err
}
