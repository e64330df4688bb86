package store

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sshradar/internal/parser"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open("sqlite3", filepath.Join(t.TempDir(), "radar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func attempt(user, source string, ts time.Time) *parser.Attempt {
	a := &parser.Attempt{
		Username:  user,
		Terminal:  "ssh:notty",
		Source:    source,
		Timestamp: ts,
		Protocol:  parser.ProtocolSSH,
		RawLine:   user + " ssh:notty " + source,
	}
	if source != "" {
		addr := netip.MustParseAddr(source)
		a.SourceIP = &addr
	}
	return a
}

func strval(s string) *string { return &s }

func TestInsertAttempts_Dedup(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

	res, err := st.InsertAttempts(ctx, []*parser.Attempt{
		attempt("alice", "203.0.113.5", ts),
		attempt("alice", "203.0.113.5", ts), // same dedup key
		attempt("alice", "203.0.113.6", ts), // different source
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Zero(t, res.Failed)

	// Re-loading the same window inserts nothing.
	res, err = st.InsertAttempts(ctx, []*parser.Attempt{
		attempt("alice", "203.0.113.5", ts),
		attempt("alice", "203.0.113.6", ts),
	})
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, 2, res.Duplicates)
}

func TestInsertAttempts_NullSourcesDedupTogether(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

	res, err := st.InsertAttempts(ctx, []*parser.Attempt{
		attempt("root", "", ts),
		attempt("root", "", ts),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
}

func TestUnresolvedAddrs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

	_, err := st.InsertAttempts(ctx, []*parser.Attempt{
		attempt("alice", "203.0.113.5", ts),
		attempt("bob", "203.0.113.5", ts),   // same address, must stay distinct
		attempt("carol", "198.51.100.7", ts),
		attempt("root", "", ts), // console login, no address
	})
	require.NoError(t, err)

	addrs, err := st.UnresolvedAddrs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]netip.Addr{netip.MustParseAddr("203.0.113.5"), netip.MustParseAddr("198.51.100.7")},
		addrs)

	// Caching one address removes it from the unresolved set.
	_, err = st.UpsertGeo(ctx, []GeoRecord{{IP: "203.0.113.5", CountryCode: strval("US")}})
	require.NoError(t, err)

	addrs, err = st.UnresolvedAddrs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("198.51.100.7")}, addrs)
}

func TestUpsertGeo_MissKeepsNullCountryCode(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	n, err := st.UpsertGeo(ctx, []GeoRecord{
		{IP: "203.0.113.5"}, // lookup miss: all geography NULL
		{IP: "192.168.1.1", CountryCode: strval("XX"), Country: strval("Private")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var code *string
	err = st.db.QueryRow(`SELECT country_code FROM ip_geolocations WHERE ip = '203.0.113.5'`).Scan(&code)
	require.NoError(t, err)
	assert.Nil(t, code)

	err = st.db.QueryRow(`SELECT country_code FROM ip_geolocations WHERE ip = '192.168.1.1'`).Scan(&code)
	require.NoError(t, err)
	require.NotNil(t, code)
	assert.Equal(t, "XX", *code)
}

func TestRefreshRollups(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	day1 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 2, 6, 11, 0, 0, 0, time.UTC)
	_, err := st.InsertAttempts(ctx, []*parser.Attempt{
		attempt("alice", "203.0.113.5", day1),
		attempt("bob", "203.0.113.5", day1.Add(time.Minute)),
		attempt("alice", "198.51.100.7", day2),
		attempt("root", "", day2.Add(time.Hour)), // no source, excluded from country rollup
	})
	require.NoError(t, err)

	_, err = st.UpsertGeo(ctx, []GeoRecord{
		{IP: "203.0.113.5", CountryCode: strval("US"), Country: strval("United States")},
		// 198.51.100.7 stays unresolved -> '??' bucket
	})
	require.NoError(t, err)

	require.NoError(t, st.RefreshRollups(ctx))

	var days int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM daily_attempts`).Scan(&days))
	assert.Equal(t, 2, days)

	var attempts, uniqueIPs int
	require.NoError(t, st.db.QueryRow(
		`SELECT attempts, unique_ips FROM daily_attempts WHERE day = '2026-01-05'`).Scan(&attempts, &uniqueIPs))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, uniqueIPs)

	var months int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM monthly_attempts`).Scan(&months))
	assert.Equal(t, 2, months)

	var usAttempts int
	require.NoError(t, st.db.QueryRow(
		`SELECT attempts FROM country_attempts WHERE country_code = 'US'`).Scan(&usAttempts))
	assert.Equal(t, 2, usAttempts)

	var unknown int
	require.NoError(t, st.db.QueryRow(
		`SELECT attempts FROM country_attempts WHERE country_code = '??'`).Scan(&unknown))
	assert.Equal(t, 1, unknown)

	// Recomputing is deterministic: same contents after a second pass.
	require.NoError(t, st.RefreshRollups(ctx))
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM daily_attempts`).Scan(&days))
	assert.Equal(t, 2, days)
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	d, err := lookupDialect("postgres")
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)",
		d.rebind("INSERT INTO t (a, b) VALUES (?, ?)"))

	sqlite, err := lookupDialect("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, "SELECT ?", sqlite.rebind("SELECT ?"))

	_, err = lookupDialect("oracle")
	assert.Error(t, err)
}
