// Package engine implements the synchronization and aggregation pipeline:
// identity resolution, idempotent upserts, presence-based cycle
// reconciliation, duplicate suppression and derived statistics, sequenced
// by the orchestrator in Run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/brightmetrics/cohortsync/internal/period"
	"github.com/brightmetrics/cohortsync/internal/source"
	"github.com/brightmetrics/cohortsync/internal/store"
)

// Entity type names used for counters and reports.
const (
	EntityPersonYears = "person_years"
	EntityCycleFacts  = "cycle_facts"
	EntityResponses   = "response_facts"
	EntityStatistics  = "statistics"
)

// defaultBatchSize is the number of records processed between cooperative
// abort checks. In-flight writes for the current record always complete
// before an abort takes effect.
const defaultBatchSize = 100

// Source is the slice of the source connector the engine consumes.
// Implemented by *source.Client (production) and fakes (tests).
type Source interface {
	FetchAll(ctx context.Context, entityType string) ([]source.RawRecord, error)
	Schema(ctx context.Context) (*source.SchemaDoc, error)
}

// MetricsRecorder receives run observations. Implemented by the metrics
// package; the engine defaults to a no-op.
type MetricsRecorder interface {
	ObserveEntity(entityType string, c store.Counters)
	ObserveRun(status string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveEntity(string, store.Counters) {}
func (noopMetrics) ObserveRun(string, time.Duration)     {}

// Engine is the sync orchestrator plus its sub-resolvers.
//
// INVARIANTS:
//   - Deep logic never reads the ambient clock: "now" enters through the
//     injected now func exactly once per use site.
//   - Runs for the same period are serialized by the store's run lock.
type Engine struct {
	store   store.Store
	src     Source
	mode    period.Mode
	cutoff  period.Cutoff
	now     func() time.Time
	runIDs  RunIDGenerator
	logger  *slog.Logger
	metrics MetricsRecorder

	batchSize int
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithRegionMode sets the default region mode (raw records may override).
func WithRegionMode(m period.Mode) Option {
	return func(e *Engine) { e.mode = m }
}

// WithCutoff sets the split-year boundary.
func WithCutoff(c period.Cutoff) Option {
	return func(e *Engine) { e.cutoff = c }
}

// WithNow injects the time source. Tests pass a fixed clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRunIDGenerator overrides run id generation (tests use FixedGenerator).
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(e *Engine) { e.runIDs = g }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBatchSize sets how many records are processed between abort checks.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// New creates an Engine over a destination store and a source connector.
func New(st store.Store, src Source, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		src:       src,
		mode:      period.ModeSplit,
		cutoff:    period.DefaultCutoff,
		now:       time.Now,
		runIDs:    UUIDv7Generator{},
		logger:    slog.Default(),
		metrics:   noopMetrics{},
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOptions configures one execution.
type RunOptions struct {
	// PeriodOverride forces the run's current period instead of resolving
	// it from the clock.
	PeriodOverride string
	// DryRun computes the full pipeline without writing.
	DryRun bool
}

// Run executes the full pipeline and returns the finalized run record.
// The returned error is non-nil only for fatal aborts; partial success
// (skips present) returns a succeeded run and a nil error.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*store.SyncRun, error) {
	if opts.DryRun {
		clone := *e
		clone.store = store.DryRun(e.store)
		return clone.run(ctx, opts)
	}
	return e.run(ctx, opts)
}

func (e *Engine) run(ctx context.Context, opts RunOptions) (*store.SyncRun, error) {
	startedAt := e.now()
	currentPeriod := opts.PeriodOverride
	if currentPeriod == "" {
		currentPeriod = period.Resolve(startedAt, e.mode, e.cutoff)
	}

	run := &store.SyncRun{
		ID:        e.runIDs.Generate(),
		Status:    store.RunStatusRunning,
		Period:    currentPeriod,
		DryRun:    opts.DryRun,
		StartedAt: startedAt,
	}

	if err := e.store.AcquireRunLock(ctx, currentPeriod); err != nil {
		if errors.Is(err, store.ErrRunLockHeld) {
			return nil, &SyncError{Code: ErrCodeLockHeld,
				Message: fmt.Sprintf("another run holds the lock for period %s", currentPeriod)}
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := e.store.ReleaseRunLock(context.WithoutCancel(ctx), currentPeriod); err != nil {
			e.logger.Error("release run lock failed", "period", currentPeriod, "error", err)
		}
	}()

	if err := e.store.BeginSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("begin sync run: %w", err)
	}

	e.logger.Info("sync run started",
		"run_id", run.ID, "period", currentPeriod, "dry_run", opts.DryRun)

	// Connector-level failures abort the remaining pipeline.
	records, err := e.fetchPhase(ctx, run)
	if err != nil {
		return run, e.finalize(ctx, run, store.RunStatusFailed, err)
	}

	// Late archive imports can write into past periods; every period the
	// run wrote to gets its statistics replaced, not just the current one.
	touched := map[string]bool{currentPeriod: true}
	if err := e.processPhase(ctx, run, records, currentPeriod, touched); err != nil {
		return run, e.finalize(ctx, run, store.RunStatusFailed, err)
	}

	// The statistics phase still executes after record-level trouble, and
	// its own failure is recorded rather than fatal.
	e.statisticsPhase(ctx, run, touched)

	if err := e.finalize(ctx, run, store.RunStatusSucceeded, nil); err != nil {
		return run, err
	}
	return run, nil
}

// fetchPhase validates the field mapping against the source schema and
// fetches the full student listing.
func (e *Engine) fetchPhase(ctx context.Context, run *store.SyncRun) ([]source.RawRecord, error) {
	doc, err := e.src.Schema(ctx)
	if err != nil {
		return nil, NewSourceError(err)
	}
	if err := source.ValidateFieldMapping(doc, source.EntityStudents); err != nil {
		return nil, NewSourceError(err)
	}

	records, err := e.src.FetchAll(ctx, source.EntityStudents)
	if err != nil {
		return nil, NewSourceError(err)
	}
	e.logger.Info("source fetched", "run_id", run.ID, "records", len(records))
	return records, nil
}

// processPhase runs identity resolution and cycle reconciliation for each
// record, checking for cooperative abort between batches. Periods that
// received writes are added to touched.
func (e *Engine) processPhase(ctx context.Context, run *store.SyncRun, records []source.RawRecord, currentPeriod string, touched map[string]bool) error {
	phaseStart := e.now()
	people := run.Counter(EntityPersonYears)
	cycles := run.Counter(EntityCycleFacts)
	responses := run.Counter(EntityResponses)

	for i := range records {
		if i%e.batchSize == 0 {
			if err := ctx.Err(); err != nil {
				return &SyncError{Code: ErrCodeAborted, Message: "run cancelled", Err: err}
			}
		}

		rec := &records[i]
		people.Input++

		identity, err := e.resolveIdentity(ctx, rec, e.now())
		if err != nil {
			if !IsRecordError(err) {
				return err
			}
			e.skipRecord(run, people, rec.Email, err)
			continue
		}
		countOutcome(people, identity.outcome)
		run.Anomalies = append(run.Anomalies, identity.anomalies...)

		res, err := e.reconcileCycles(ctx, identity.person, rec, currentPeriod)
		cycles.Add(res.cycles)
		responses.Add(res.responses)
		run.Anomalies = append(run.Anomalies, res.anomalies...)
		if res.cycles.Inserted+res.responses.Inserted > 0 {
			touched[identity.person.Period] = true
		}
		if err != nil {
			if !IsRecordError(err) {
				return err
			}
			e.skipRecord(run, cycles, identity.person.Email, err)
		}
	}

	people.DurationMS = e.now().Sub(phaseStart).Milliseconds()
	return nil
}

// skipRecord counts and logs one skipped record with its identity context.
func (e *Engine) skipRecord(run *store.SyncRun, c *store.Counters, email string, err error) {
	c.Skipped++
	e.logger.Warn("record skipped", "email", email, "error", err)
	run.Anomalies = append(run.Anomalies, store.Anomaly{
		Category: store.AnomalyRecordSkipped,
		Message:  err.Error(),
		Email:    NormalizeEmail(email),
		Period:   run.Period,
	})
}

// statisticsPhase recomputes and replaces the statistic rows for every
// period the run touched. A failure for one period is recorded and does
// not stop the others.
func (e *Engine) statisticsPhase(ctx context.Context, run *store.SyncRun, touched map[string]bool) {
	phaseStart := e.now()
	c := run.Counter(EntityStatistics)

	periods := make([]string, 0, len(touched))
	for p := range touched {
		periods = append(periods, p)
	}
	sort.Strings(periods)

	for _, p := range periods {
		stats, err := e.computeStatistics(ctx, p)
		if err == nil {
			c.Input += int64(len(stats))
			err = e.store.ReplaceStatistics(ctx, p, stats)
		}
		if err != nil {
			c.Errored++
			e.logger.Error("statistics phase failed", "run_id", run.ID, "period", p, "error", err)
			run.Anomalies = append(run.Anomalies, store.Anomaly{
				Category: store.AnomalyPhaseFailed,
				Message:  fmt.Sprintf("statistics: %v", err),
				Period:   p,
			})
			continue
		}
		c.Inserted += int64(len(stats))
	}
	c.DurationMS = e.now().Sub(phaseStart).Milliseconds()
}

func (e *Engine) computeStatistics(ctx context.Context, periodLabel string) ([]store.CohortStatistic, error) {
	facts, err := e.store.ListCycleFactsForPeriod(ctx, periodLabel)
	if err != nil {
		return nil, fmt.Errorf("list cycle facts: %w", err)
	}
	people, err := e.store.ListPersonYearsForPeriod(ctx, periodLabel)
	if err != nil {
		return nil, fmt.Errorf("list person years: %w", err)
	}
	stats := ComputeStatistics(facts, people, periodLabel)
	for _, st := range stats {
		if err := VerifyDistribution(st); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// RecomputeStatistics rebuilds the statistic rows for one period without
// touching facts. Backs the stats subcommand.
func (e *Engine) RecomputeStatistics(ctx context.Context, periodLabel string) (int, error) {
	stats, err := e.computeStatistics(ctx, periodLabel)
	if err != nil {
		return 0, err
	}
	if err := e.store.ReplaceStatistics(ctx, periodLabel, stats); err != nil {
		return 0, err
	}
	return len(stats), nil
}

// finalize stamps the run's terminal state and persists it. When cause is
// non-nil it is recorded as a phase failure and returned.
func (e *Engine) finalize(ctx context.Context, run *store.SyncRun, status string, cause error) error {
	if cause != nil {
		run.Anomalies = append(run.Anomalies, store.Anomaly{
			Category: store.AnomalyPhaseFailed,
			Message:  cause.Error(),
			Period:   run.Period,
		})
	}
	run.Status = status
	finished := e.now()
	run.FinishedAt = &finished

	// Finalizing must survive the cancellation that caused the abort.
	if err := e.store.FinalizeSyncRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Error("finalize sync run failed", "run_id", run.ID, "error", err)
		if cause == nil {
			return fmt.Errorf("finalize sync run: %w", err)
		}
	}

	for entity, c := range run.Counters {
		e.metrics.ObserveEntity(entity, *c)
	}
	e.metrics.ObserveRun(status, finished.Sub(run.StartedAt))

	e.logger.Info("sync run finished",
		"run_id", run.ID, "status", status,
		"skipped", run.TotalSkipped(), "errored", run.TotalErrored(),
		"anomalies", len(run.Anomalies))
	return cause
}
