// Package pipeline orchestrates one collection run: fetch raw usage
// from a provider adapter, persist the raw payload, normalize, resolve
// attribution, and load day partitions into the warehouse. Each day in
// the requested range stands alone; one failed day never blocks the
// rest.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/santoshpalla27/costfeed/internal/attribution"
	"github.com/santoshpalla27/costfeed/internal/loader"
	"github.com/santoshpalla27/costfeed/internal/normalize"
	"github.com/santoshpalla27/costfeed/internal/provider"
	"github.com/santoshpalla27/costfeed/internal/rawstore"
	"github.com/santoshpalla27/costfeed/internal/warehouse"
	"github.com/santoshpalla27/costfeed/pkg/billingerr"
)

// DefaultFetchTimeout bounds one adapter fetch. Upstream billing APIs
// are slow but not minutes-slow; anything past this is UNAVAILABLE.
const DefaultFetchTimeout = 120 * time.Second

// DateRange is an inclusive range of whole billing days.
type DateRange struct {
	Start civil.Date
	End   civil.Date
}

func SingleDay(d civil.Date) DateRange {
	return DateRange{Start: d, End: d}
}

// BackfillRange covers the n days ending yesterday relative to today.
func BackfillRange(n int, today civil.Date) DateRange {
	return DateRange{Start: today.AddDays(-n), End: today.AddDays(-1)}
}

// Validate rejects inverted, future, or out-of-retention ranges. today
// is passed in so callers control the clock.
func (r DateRange) Validate(today civil.Date) error {
	if !r.Start.IsValid() || !r.End.IsValid() {
		return fmt.Errorf("invalid date range %s..%s", r.Start, r.End)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("date range start %s is after end %s", r.Start, r.End)
	}
	if today.Before(r.End) {
		return fmt.Errorf("date range end %s is in the future", r.End)
	}
	oldest := today.AddDays(-365 * warehouse.RetentionYears)
	if r.Start.Before(oldest) {
		return fmt.Errorf("date range start %s is past the %d-year retention bound (%s)",
			r.Start, warehouse.RetentionYears, oldest)
	}
	return nil
}

// Days lists the range newest-first, the order backfills run in so the
// most recent data lands first.
func (r DateRange) Days() []civil.Date {
	var days []civil.Date
	for d := r.End; !d.Before(r.Start); d = d.AddDays(-1) {
		days = append(days, d)
	}
	return days
}

// DayReport is the outcome of one (provider, day) pass.
type DayReport struct {
	Day                  civil.Date
	RecordsFetched       int
	RowsWritten          int
	RowsSkippedDuplicate int
	NormalizationErrors  []normalize.RecordError
	Err                  error
}

// RunResult aggregates a whole run for the operator summary and the
// exit-code decision.
type RunResult struct {
	Provider   provider.Provider
	StartedAt  time.Time
	FinishedAt time.Time
	Days       []DayReport

	RowsWritten          int
	RowsSkippedDuplicate int
	RecordsFailed        int
	Failures             []error
}

// OK reports whether every day loaded and every record normalized.
func (r *RunResult) OK() bool {
	return len(r.Failures) == 0 && r.RecordsFailed == 0
}

// Conflicted reports whether any day lost its partition lock to a
// concurrent run.
func (r *RunResult) Conflicted() bool {
	for _, err := range r.Failures {
		if billingerr.IsLoadConflict(err) {
			return true
		}
	}
	return false
}

func (r *RunResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d day(s), %d rows written, %d duplicates skipped",
		r.Provider, len(r.Days), r.RowsWritten, r.RowsSkippedDuplicate)
	if r.RecordsFailed > 0 {
		fmt.Fprintf(&b, ", %d record(s) failed normalization", r.RecordsFailed)
	}
	if len(r.Failures) > 0 {
		fmt.Fprintf(&b, ", %d failure(s)", len(r.Failures))
		for _, err := range r.Failures {
			fmt.Fprintf(&b, "\n  - %v", err)
		}
	}
	return b.String()
}

// Runner wires the collection stages together.
type Runner struct {
	registry   *provider.Registry
	normalizer *normalize.Normalizer
	resolver   *attribution.Resolver
	raw        rawstore.Store
	engine     *loader.Engine
	log        *slog.Logger

	fetchTimeout time.Duration
	now          func() time.Time
}

type RunnerConfig struct {
	Registry     *provider.Registry
	Normalizer   *normalize.Normalizer
	Resolver     *attribution.Resolver
	RawStore     rawstore.Store
	Engine       *loader.Engine
	Logger       *slog.Logger
	FetchTimeout time.Duration
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.RawStore == nil {
		cfg.RawStore = rawstore.Discard{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = attribution.NewResolver(attribution.DefaultConfig())
	}
	return &Runner{
		registry:     cfg.Registry,
		normalizer:   cfg.Normalizer,
		resolver:     cfg.Resolver,
		raw:          cfg.RawStore,
		engine:       cfg.Engine,
		log:          cfg.Logger,
		fetchTimeout: cfg.FetchTimeout,
		now:          time.Now,
	}
}

// Run executes the pipeline for one provider over rng. The returned
// error covers run-level problems only (bad range, unknown provider);
// per-day failures live in the result.
func (r *Runner) Run(ctx context.Context, p provider.Provider, rng DateRange) (*RunResult, error) {
	if err := rng.Validate(civil.DateOf(r.now().UTC())); err != nil {
		return nil, err
	}
	adapter, err := r.registry.Lookup(p)
	if err != nil {
		return nil, err
	}

	result := &RunResult{Provider: p, StartedAt: r.now().UTC()}
	log := r.log.With("provider", p.String())
	log.Info("collection run started", "start", rng.Start.String(), "end", rng.End.String())

	for _, day := range rng.Days() {
		if err := ctx.Err(); err != nil {
			result.Failures = append(result.Failures,
				fmt.Errorf("run cancelled before %s: %w", day, err))
			break
		}

		report := r.runDay(ctx, adapter, p, day)
		result.Days = append(result.Days, report)
		result.RowsWritten += report.RowsWritten
		result.RowsSkippedDuplicate += report.RowsSkippedDuplicate
		result.RecordsFailed += len(report.NormalizationErrors)
		if report.Err != nil {
			result.Failures = append(result.Failures, report.Err)
		}
	}

	result.FinishedAt = r.now().UTC()
	log.Info("collection run finished",
		"rows_written", result.RowsWritten,
		"rows_skipped_duplicate", result.RowsSkippedDuplicate,
		"records_failed", result.RecordsFailed,
		"failures", len(result.Failures))
	return result, nil
}

func (r *Runner) runDay(ctx context.Context, adapter provider.Adapter, p provider.Provider, day civil.Date) DayReport {
	report := DayReport{Day: day}
	log := r.log.With("provider", p.String(), "day", day.String())

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	fetched, err := adapter.Fetch(fetchCtx, day)
	cancel()
	if err != nil {
		report.Err = err
		log.Error("fetch failed", "error", err)
		return report
	}
	report.RecordsFetched = len(fetched.Records)

	sourceRef := fetched.Source
	if len(fetched.RawPayload) > 0 {
		ref, err := r.raw.Put(ctx, p, day, fetched.RawPayload)
		if err != nil {
			// Provenance degrades to the upstream name; the load
			// itself must not depend on the raw archive.
			log.Warn("raw payload archive failed", "error", err)
		} else {
			sourceRef = ref
		}
	}

	rows, recErrs := r.normalizer.Batch(p, day, sourceRef, fetched.CollectedAt, fetched.Records)
	report.NormalizationErrors = recErrs
	for _, re := range recErrs {
		log.Warn("record failed normalization", "index", re.Index, "error", re.Err)
	}

	for i := range rows {
		rows[i].Team, rows[i].Environment = r.resolver.Resolve(rows[i].Tags)
	}

	if err := ctx.Err(); err != nil {
		report.Err = fmt.Errorf("run cancelled before loading %s: %w", day, err)
		return report
	}

	loaded, err := r.engine.Load(ctx, rows, p, []civil.Date{day})
	if err != nil {
		report.Err = err
		return report
	}
	report.RowsWritten = loaded.RowsWritten
	report.RowsSkippedDuplicate = loaded.RowsSkippedDuplicate
	if len(loaded.Errors) > 0 {
		report.Err = loaded.Errors[0]
	}
	return report
}
