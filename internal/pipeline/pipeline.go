// Package pipeline sequences one ingestion run: parse the raw audit text,
// load new attempts, enrich source addresses, rebuild rollups, and report a
// summary. Stage failures are contained: only an unreachable store ends the
// run early, and only a broken geo database ends enrichment early.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"sshradar/internal/enrich"
	"sshradar/internal/metrics"
	"sshradar/internal/parser"
	"sshradar/internal/report"
	"sshradar/internal/store"
)

// Stage names one step of the run state machine.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageParsing    Stage = "parsing"
	StageLoading    Stage = "loading"
	StageEnriching  Stage = "enriching"
	StageRefreshing Stage = "refreshing"
	StageDone       Stage = "done"
)

// Summary is the single structured record emitted per run.
type Summary struct {
	StartedAt    time.Time `json:"started_at"`
	Parsed       int       `json:"parsed"`
	Skipped      int       `json:"skipped"`
	Inserted     int       `json:"inserted"`
	Duplicates   int       `json:"duplicates"`
	LoadFailures int       `json:"load_failures"`
	Resolved     int       `json:"resolved"`
	Private      int       `json:"private"`
	Failed       int       `json:"failed"`
	DurationMs   int64     `json:"duration_ms"`
	Errors       []string  `json:"errors,omitempty"`
}

// Pipeline wires the run stages together.
type Pipeline struct {
	parser    *parser.LastbParser
	store     *store.Store
	enricher  *enrich.Enricher
	summaries *report.Writer
}

func New(st *store.Store, enricher *enrich.Enricher, summaries *report.Writer) *Pipeline {
	return &Pipeline{
		parser:    parser.NewLastbParser(),
		store:     st,
		enricher:  enricher,
		summaries: summaries,
	}
}

// Run executes one full pass over the given raw audit text and returns the
// run summary. Errors from individual stages land in Summary.Errors; the
// returned error is non-nil only when the store itself is unusable.
func (p *Pipeline) Run(ctx context.Context, raw string) (*Summary, error) {
	start := time.Now()
	sum := &Summary{StartedAt: start.UTC()}
	stage := StageIdle

	defer func() {
		sum.DurationMs = time.Since(start).Milliseconds()
		metrics.RunDuration.Observe(time.Since(start).Seconds())
		p.finish(sum)
	}()

	stage = p.advance(stage, StageParsing)
	attempts := p.parse(raw, sum)

	stage = p.advance(stage, StageLoading)
	res, err := p.store.InsertAttempts(ctx, attempts)
	if err != nil {
		sum.recordError(StageLoading, err)
		return sum, err
	}
	sum.Inserted = res.Inserted
	sum.Duplicates = res.Duplicates
	sum.LoadFailures = res.Failed
	metrics.AttemptsInserted.Add(float64(res.Inserted))
	metrics.DuplicatesSkipped.Add(float64(res.Duplicates))

	// Enrichment failures are fatal for this stage only: loaded attempts
	// stay put and the next scheduled run retries the lookup.
	stage = p.advance(stage, StageEnriching)
	if p.enricher == nil {
		sum.recordError(StageEnriching, errors.New("geo database unavailable"))
	} else if enr, err := p.enricher.Run(ctx); err != nil {
		sum.recordError(StageEnriching, err)
	} else {
		sum.Resolved = enr.Resolved
		sum.Private = enr.Private
		sum.Failed = enr.Failed
		metrics.AddrsResolved.Add(float64(enr.Resolved))
		metrics.AddrsPrivate.Add(float64(enr.Private))
		metrics.AddrsUnresolved.Add(float64(enr.Failed))
	}

	// Stale rollups are an acceptable degraded state; the base tables
	// stay authoritative.
	stage = p.advance(stage, StageRefreshing)
	if err := p.store.RefreshRollups(ctx); err != nil {
		sum.recordError(StageRefreshing, err)
	}

	p.advance(stage, StageDone)
	return sum, nil
}

func (p *Pipeline) parse(raw string, sum *Summary) []*parser.Attempt {
	var attempts []*parser.Attempt
	for _, line := range strings.Split(strings.TrimRight(raw, "\n"), "\n") {
		if a := p.parser.Parse(line); a != nil {
			attempts = append(attempts, a)
		} else {
			sum.Skipped++
		}
	}
	sum.Parsed = len(attempts)
	metrics.LinesParsed.Add(float64(sum.Parsed))
	metrics.LinesSkipped.Add(float64(sum.Skipped))
	return attempts
}

func (p *Pipeline) advance(from, to Stage) Stage {
	log.WithFields(log.Fields{"from": from, "to": to}).Debug("pipeline stage")
	return to
}

func (p *Pipeline) finish(sum *Summary) {
	log.WithFields(log.Fields{
		"parsed":     sum.Parsed,
		"skipped":    sum.Skipped,
		"inserted":   sum.Inserted,
		"duplicates": sum.Duplicates,
		"resolved":   sum.Resolved,
		"private":    sum.Private,
		"failed":     sum.Failed,
		"errors":     len(sum.Errors),
		"elapsed_ms": sum.DurationMs,
	}).Info("run complete")

	if p.summaries != nil {
		if err := p.summaries.Append(sum); err != nil {
			log.WithError(err).Warn("could not write run summary")
		}
	}
}

func (s *Summary) recordError(stage Stage, err error) {
	log.WithError(err).WithField("stage", string(stage)).Error("stage failed")
	metrics.RunErrors.WithLabelValues(string(stage)).Inc()
	s.Errors = append(s.Errors, string(stage)+": "+err.Error())
}
