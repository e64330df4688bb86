// Package geo wraps the offline MaxMind databases behind a small lookup
// interface and classifies private/reserved addresses that must never be
// sent to a lookup at all.
package geo

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/oschwald/geoip2-golang"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound marks an address that is absent from the offline database.
// Callers record it as an unresolved cache entry, not as a failure.
var ErrNotFound = errors.New("address not found in geo database")

// Record is the result of one successful lookup.
type Record struct {
	CountryCode string
	Country     string
	City        string
	Latitude    float64
	Longitude   float64
	ASN         int64 // 0 when no ASN database is configured
}

// Resolver is the injected lookup capability; tests substitute a fake.
type Resolver interface {
	Resolve(addr netip.Addr) (*Record, error)
	Close() error
}

// MaxmindResolver resolves addresses against GeoLite2 City (and optionally
// ASN) database files. The city database file is watched and the reader
// reopened when an out-of-band update replaces it.
type MaxmindResolver struct {
	mu       sync.RWMutex
	city     *geoip2.Reader
	asn      *geoip2.Reader
	cityPath string
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewMaxmindResolver opens the database files. asnPath may be empty.
func NewMaxmindResolver(cityPath, asnPath string) (*MaxmindResolver, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open geo database %s: %w", cityPath, err)
	}

	r := &MaxmindResolver{
		city:     city,
		cityPath: cityPath,
		done:     make(chan struct{}),
	}

	if asnPath != "" {
		asn, err := geoip2.Open(asnPath)
		if err != nil {
			// ASN data is optional enrichment, city data is not.
			log.WithError(err).Warnf("could not open ASN database %s, continuing without ASN", asnPath)
		} else {
			r.asn = asn
		}
	}

	if err := r.startWatcher(); err != nil {
		log.WithError(err).Warn("geo database watcher unavailable, updates need a restart")
	}

	return r, nil
}

// Resolve looks up one public address. Returns ErrNotFound for addresses the
// database does not cover; any other error means the database itself is
// unusable and the caller should abort its run.
func (r *MaxmindResolver) Resolve(addr netip.Addr) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ip := net.IP(addr.AsSlice())
	city, err := r.city.City(ip)
	if err != nil {
		return nil, fmt.Errorf("geo lookup for %s failed: %w", addr, err)
	}

	iso := city.Country.IsoCode
	if iso == "" {
		iso = city.RegisteredCountry.IsoCode
	}
	if iso == "" {
		iso = city.RepresentedCountry.IsoCode
	}
	if iso == "" {
		return nil, ErrNotFound
	}

	rec := &Record{
		CountryCode: iso,
		Country:     city.Country.Names["en"],
		City:        city.City.Names["en"],
		Latitude:    city.Location.Latitude,
		Longitude:   city.Location.Longitude,
	}
	if rec.Country == "" {
		rec.Country = city.RegisteredCountry.Names["en"]
	}

	if r.asn != nil {
		if asn, err := r.asn.ASN(ip); err == nil {
			rec.ASN = int64(asn.AutonomousSystemNumber)
		} else {
			log.WithField("ip", addr.String()).Debug("ASN lookup failed")
		}
	}

	return rec, nil
}

func (r *MaxmindResolver) Close() error {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.asn != nil {
		r.asn.Close()
	}
	return r.city.Close()
}

// startWatcher reopens the city reader when the database file is replaced.
// Updates are atomic renames into the same directory, so the directory is
// watched rather than the file itself.
func (r *MaxmindResolver) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(r.cityPath)); err != nil {
		watcher.Close()
		return err
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case <-r.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != r.cityPath || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				r.reopen()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Debug("geo database watcher error")
			}
		}
	}()
	return nil
}

func (r *MaxmindResolver) reopen() {
	fresh, err := geoip2.Open(r.cityPath)
	if err != nil {
		log.WithError(err).Warn("geo database replaced but unreadable, keeping old reader")
		return
	}
	r.mu.Lock()
	old := r.city
	r.city = fresh
	r.mu.Unlock()
	old.Close()
	log.WithField("path", r.cityPath).Info("geo database reloaded")
}
