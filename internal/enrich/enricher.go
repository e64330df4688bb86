// Package enrich fills the geolocation cache for addresses seen in failed
// login attempts. It runs after loading and is retried independently: a
// broken geo database never costs already-persisted attempts.
package enrich

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sshradar/internal/geo"
	"sshradar/internal/store"
)

// Sentinel values written for private/reserved addresses. These entries are
// never re-queried; lookup misses instead get NULL geography so downstream
// aggregates can tell "private" and "unknown" apart.
const (
	PrivateCountryCode = "XX"
	PrivateCountry     = "Private"
	PrivateCity        = "Private Network"
)

const defaultWorkers = 8

// Result reports one enrichment pass.
type Result struct {
	Resolved int `json:"resolved"`
	Private  int `json:"private"`
	Failed   int `json:"failed"`
}

// Enricher resolves uncached source addresses against the offline database.
type Enricher struct {
	store    *store.Store
	resolver geo.Resolver
	workers  int
}

// New creates an enricher; workers <= 0 selects the default parallelism.
func New(st *store.Store, resolver geo.Resolver, workers int) *Enricher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Enricher{store: st, resolver: resolver, workers: workers}
}

// Run finds addresses without a cache entry, classifies private ranges,
// looks the rest up in parallel, and writes all results in one batch.
// A database-level lookup error aborts the pass; per-address misses do not.
func (e *Enricher) Run(ctx context.Context) (Result, error) {
	var res Result

	addrs, err := e.store.UnresolvedAddrs(ctx)
	if err != nil {
		return res, err
	}
	if len(addrs) == 0 {
		log.Debug("no new addresses to geolocate")
		return res, nil
	}
	log.WithField("count", len(addrs)).Info("geolocating new addresses")

	var records []store.GeoRecord
	var public []netip.Addr
	for _, addr := range addrs {
		if geo.IsPrivate(addr) {
			records = append(records, privateRecord(addr))
			res.Private++
			continue
		}
		public = append(public, addr)
	}

	looked, misses, err := e.lookupAll(ctx, public)
	if err != nil {
		return Result{}, err
	}
	records = append(records, looked...)
	res.Resolved = len(looked) - misses
	res.Failed = misses

	if _, err := e.store.UpsertGeo(ctx, records); err != nil {
		return Result{}, err
	}
	return res, nil
}

// lookupAll queries the resolver with bounded parallelism. Lookups are
// read-only and independent, so order is irrelevant.
func (e *Enricher) lookupAll(ctx context.Context, addrs []netip.Addr) ([]store.GeoRecord, int, error) {
	var (
		mu      sync.Mutex
		records []store.GeoRecord
		misses  int
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := e.resolver.Resolve(addr)
			switch {
			case errors.Is(err, geo.ErrNotFound):
				log.WithField("ip", addr.String()).Debug("address not in geo database")
				mu.Lock()
				records = append(records, store.GeoRecord{IP: addr.String()})
				misses++
				mu.Unlock()
				return nil
			case err != nil:
				return err
			}
			mu.Lock()
			records = append(records, resolvedRecord(addr, rec))
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return records, misses, nil
}

func privateRecord(addr netip.Addr) store.GeoRecord {
	return store.GeoRecord{
		IP:          addr.String(),
		CountryCode: ptr(PrivateCountryCode),
		Country:     ptr(PrivateCountry),
		City:        ptr(PrivateCity),
	}
}

func resolvedRecord(addr netip.Addr, rec *geo.Record) store.GeoRecord {
	out := store.GeoRecord{
		IP:          addr.String(),
		CountryCode: ptr(rec.CountryCode),
		Latitude:    ptr(rec.Latitude),
		Longitude:   ptr(rec.Longitude),
	}
	if rec.Country != "" {
		out.Country = ptr(rec.Country)
	}
	if rec.City != "" {
		out.City = ptr(rec.City)
	}
	if rec.ASN != 0 {
		out.ASN = ptr(rec.ASN)
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}
