package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sshradar/internal/enrich"
	"sshradar/internal/geo"
	"sshradar/internal/report"
	"sshradar/internal/store"
)

type fakeResolver struct {
	records map[string]*geo.Record
	err     error
}

func (f *fakeResolver) Resolve(addr netip.Addr) (*geo.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	if rec, ok := f.records[addr.String()]; ok {
		return rec, nil
	}
	return nil, geo.ErrNotFound
}

func (f *fakeResolver) Close() error { return nil }

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "radar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

const sampleInput = `alice    pts/0        203.0.113.5      Mon Jan  5 10:00:00 2026 - Mon Jan  5 10:01:00 2026  (00:01)
alice    pts/0        203.0.113.5      Mon Jan  5 10:00:00 2026 - still logged in
bob      ssh:notty    192.168.1.77     Mon Jan  5 11:30:00 2026 - Mon Jan  5 11:30:00 2026  (00:00)
root     tty1                          Mon Jan  5 12:00:00 2026 - Mon Jan  5 12:00:00 2026  (00:00)
reboot   system boot  5.4.0            Mon Jan  5 09:00 - 09:05  (00:05)
btmp begins Mon Jan  5 00:00:00 2026
`

func newTestPipeline(t *testing.T, st *store.Store, resolver geo.Resolver) *Pipeline {
	t.Helper()
	var enricher *enrich.Enricher
	if resolver != nil {
		enricher = enrich.New(st, resolver, 2)
	}
	return New(st, enricher, report.NewWriter(""))
}

func TestRun_FullPass(t *testing.T) {
	st := testStore(t)
	resolver := &fakeResolver{records: map[string]*geo.Record{
		"203.0.113.5": {CountryCode: "NL", Country: "Netherlands"},
	}}
	p := newTestPipeline(t, st, resolver)

	sum, err := p.Run(context.Background(), sampleInput)
	require.NoError(t, err)

	// The still-logged-in variant, reboot marker and footer are skips; the
	// remaining three lines each persist exactly once.
	assert.Equal(t, 3, sum.Parsed)
	assert.Equal(t, 3, sum.Skipped)
	assert.Equal(t, 3, sum.Inserted)
	assert.Zero(t, sum.Duplicates)
	assert.Equal(t, 1, sum.Resolved) // 203.0.113.5
	assert.Equal(t, 1, sum.Private)  // 192.168.1.77
	assert.Zero(t, sum.Failed)
	assert.Empty(t, sum.Errors)
	assert.GreaterOrEqual(t, sum.DurationMs, int64(0))
}

func TestRun_Idempotent(t *testing.T) {
	st := testStore(t)
	p := newTestPipeline(t, st, &fakeResolver{})

	first, err := p.Run(context.Background(), sampleInput)
	require.NoError(t, err)
	require.Equal(t, 3, first.Inserted)

	second, err := p.Run(context.Background(), sampleInput)
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, 3, second.Duplicates)

	attempts, _, err := st.Counts(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, attempts)
}

func TestRun_EnrichmentFailureKeepsLoadedRecords(t *testing.T) {
	st := testStore(t)
	p := newTestPipeline(t, st, &fakeResolver{err: errors.New("corrupt database")})

	sum, err := p.Run(context.Background(), sampleInput)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Inserted)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "enriching")

	attempts, geoRows, err := st.Counts(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, attempts)
	assert.Zero(t, geoRows)

	// The next run with a healthy database catches up on enrichment.
	healthy := newTestPipeline(t, st, &fakeResolver{})
	sum, err = healthy.Run(context.Background(), sampleInput)
	require.NoError(t, err)
	assert.Empty(t, sum.Errors)
	assert.Equal(t, 1, sum.Private)
	assert.Equal(t, 1, sum.Failed) // 203.0.113.5 not in the fake database
}

func TestRun_WithoutEnricherStillLoadsAndRefreshes(t *testing.T) {
	st := testStore(t)
	p := newTestPipeline(t, st, nil)

	sum, err := p.Run(context.Background(), sampleInput)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Inserted)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "geo database unavailable")
}

func TestRun_WritesSummaryRecord(t *testing.T) {
	st := testStore(t)
	path := filepath.Join(t.TempDir(), "runs.log")
	p := New(st, enrich.New(st, &fakeResolver{}, 2), report.NewWriter(path))

	_, err := p.Run(context.Background(), sampleInput)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var sum Summary
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &sum))
	assert.Equal(t, 3, sum.Inserted)
}
