// Package metrics exposes pipeline counters over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LinesParsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshradar_lines_parsed_total",
		Help: "Raw audit lines that produced a structured attempt",
	})
	LinesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshradar_lines_skipped_total",
		Help: "Raw audit lines intentionally skipped (markers, blanks, unparseable)",
	})
	AttemptsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshradar_attempts_inserted_total",
		Help: "New failed login records persisted",
	})
	DuplicatesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshradar_duplicates_skipped_total",
		Help: "Attempts absorbed by the dedup key",
	})
	AddrsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshradar_addrs_resolved_total",
		Help: "Addresses resolved against the geo database",
	})
	AddrsPrivate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshradar_addrs_private_total",
		Help: "Addresses classified as private/reserved",
	})
	AddrsUnresolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshradar_addrs_unresolved_total",
		Help: "Addresses missing from the geo database",
	})
	RunErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sshradar_run_errors_total",
		Help: "Stage errors per pipeline run",
	}, []string{"stage"})
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sshradar_run_duration_seconds",
		Help:    "Wall time of one full pipeline run",
		Buckets: prometheus.DefBuckets,
	})
)

// StartServer serves /metrics on the given address; blocks.
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
