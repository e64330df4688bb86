package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"

	"sshradar/internal/config"
	"sshradar/internal/enrich"
	"sshradar/internal/geo"
	"sshradar/internal/ingest"
	"sshradar/internal/metrics"
	"sshradar/internal/pipeline"
	"sshradar/internal/report"
	"sshradar/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ingest":
		ingestCommand(os.Args[2:])
	case "watch":
		watchCommand(os.Args[2:])
	case "enrich":
		enrichCommand(os.Args[2:])
	case "refresh":
		refreshCommand(os.Args[2:])
	case "status":
		statusCommand(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: sshradar <command> [flags]")
	fmt.Println("Commands:")
	fmt.Println("  ingest   Run one ingestion pass (lastb, --file or --stdin)")
	fmt.Println("  watch    Run ingestion periodically, with optional line-file tailing")
	fmt.Println("  enrich   Geolocate cached addresses and rebuild rollups")
	fmt.Println("  refresh  Rebuild rollup tables only")
	fmt.Println("  status   Show store row counts")
}

func loadConfig(fs *flag.FlagSet, args []string) *config.Config {
	configPath := fs.String("config", config.DefaultPath, "Path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return cfg
}

func openStore(cfg *config.Config) *store.Store {
	st, err := store.Open(cfg.Store.Dialect, cfg.Store.DSN)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	return st
}

// openEnricher builds the enricher, or nil when the geo database is
// unavailable; the pipeline then records the stage as failed but the run
// still loads and refreshes.
func openEnricher(cfg *config.Config, st *store.Store) (*enrich.Enricher, func()) {
	resolver, err := geo.NewMaxmindResolver(cfg.Geo.CityDBPath, cfg.Geo.ASNDBPath)
	if err != nil {
		log.WithError(err).Warn("geo database unavailable, enrichment disabled for this run")
		return nil, func() {}
	}
	return enrich.New(st, resolver, cfg.Geo.Workers), func() { resolver.Close() }
}

func ingestCommand(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	file := fs.String("file", "", "Read audit data from a file instead of running the audit command")
	stdin := fs.Bool("stdin", false, "Read audit data from stdin")
	cfg := loadConfig(fs, args)

	st := openStore(cfg)
	defer st.Close()
	enricher, closeGeo := openEnricher(cfg, st)
	defer closeGeo()

	var source ingest.Source
	switch {
	case *file != "":
		source = &ingest.FileSource{Path: *file}
	case *stdin:
		source = &ingest.StdinSource{}
	default:
		source = &ingest.CommandSource{Command: cfg.Input.Command, Timeout: cfg.Input.CommandTimeout.Std()}
	}

	ctx := context.Background()
	raw, err := source.Fetch(ctx)
	if err != nil {
		log.Fatalf("Failed to read audit data: %v", err)
	}
	if strings.TrimSpace(raw) == "" {
		log.Info("no audit data to process")
		return
	}

	p := pipeline.New(st, enricher, report.NewWriter(cfg.SummaryPath))
	if _, err := p.Run(ctx, raw); err != nil {
		os.Exit(1)
	}
}

func watchCommand(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cfg := loadConfig(fs, args)

	st := openStore(cfg)
	defer st.Close()
	enricher, closeGeo := openEnricher(cfg, st)
	defer closeGeo()

	p := pipeline.New(st, enricher, report.NewWriter(cfg.SummaryPath))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.WithField("listen", cfg.Metrics.Listen).Info("starting metrics server")
		if err := metrics.StartServer(cfg.Metrics.Listen); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	runOnce := func() {
		source := &ingest.CommandSource{Command: cfg.Input.Command, Timeout: cfg.Input.CommandTimeout.Std()}
		raw, err := source.Fetch(ctx)
		if err != nil {
			log.WithError(err).Error("scheduled run could not read audit data")
			return
		}
		p.Run(ctx, raw)
	}
	runOnce()

	scheduler := gocron.NewScheduler(time.UTC)
	job, err := scheduler.Every(cfg.Watch.Interval.Std()).Do(runOnce)
	if err != nil {
		log.Fatalf("Failed to schedule ingestion: %v", err)
	}
	job.SingletonMode()
	scheduler.StartAsync()
	log.WithField("interval", cfg.Watch.Interval.Std()).Info("scheduled periodic ingestion")

	// Optionally follow a forwarded line file between scheduled runs.
	var tailer *ingest.FileTailer
	if cfg.Input.LineFile != "" {
		tailer = ingest.NewFileTailer(cfg.Input.LineFile)
		lines, err := tailer.Start()
		if err != nil {
			log.WithError(err).Warn("could not follow line file")
		} else {
			go followLines(ctx, p, lines)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down")

	cancel()
	if tailer != nil {
		tailer.Stop()
	}
	scheduler.Stop()
}

// followLines batches tailed lines and pushes each batch through the
// pipeline. Ordering between lines does not matter; the dedup key absorbs
// overlap with the scheduled runs.
func followLines(ctx context.Context, p *pipeline.Pipeline, lines <-chan ingest.Line) {
	const (
		maxBatch   = 500
		flushEvery = 5 * time.Second
	)

	var batch []string
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.Run(ctx, strings.Join(batch, "\n"))
		batch = batch[:0]
	}

	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case line, ok := <-lines:
			if !ok {
				flush()
				return
			}
			batch = append(batch, line.Text)
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func enrichCommand(args []string) {
	fs := flag.NewFlagSet("enrich", flag.ExitOnError)
	cfg := loadConfig(fs, args)

	st := openStore(cfg)
	defer st.Close()

	resolver, err := geo.NewMaxmindResolver(cfg.Geo.CityDBPath, cfg.Geo.ASNDBPath)
	if err != nil {
		log.Fatalf("Failed to open geo database: %v", err)
	}
	defer resolver.Close()

	ctx := context.Background()
	res, err := enrich.New(st, resolver, cfg.Geo.Workers).Run(ctx)
	if err != nil {
		log.Fatalf("Enrichment failed: %v", err)
	}
	log.WithFields(log.Fields{
		"resolved": res.Resolved,
		"private":  res.Private,
		"failed":   res.Failed,
	}).Info("enrichment complete")

	if err := st.RefreshRollups(ctx); err != nil {
		log.WithError(err).Warn("could not refresh rollups")
	}
}

func refreshCommand(args []string) {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	cfg := loadConfig(fs, args)

	st := openStore(cfg)
	defer st.Close()

	if err := st.RefreshRollups(context.Background()); err != nil {
		log.Fatalf("Rollup refresh failed: %v", err)
	}
	log.Info("rollups refreshed")
}

func statusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfg := loadConfig(fs, args)

	st := openStore(cfg)
	defer st.Close()

	ctx := context.Background()
	attempts, geoRows, err := st.Counts(ctx)
	if err != nil {
		log.Fatalf("Failed to read store counts: %v", err)
	}
	recent, err := st.AttemptsSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		log.Fatalf("Failed to read recent attempts: %v", err)
	}

	fmt.Printf("failed logins:    %d (%d in the last 24h)\n", attempts, recent)
	fmt.Printf("geolocated addrs: %d\n", geoRows)
}
