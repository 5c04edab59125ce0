package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightmetrics/cohortsync/internal/source"
	"github.com/brightmetrics/cohortsync/internal/store"
	"github.com/brightmetrics/cohortsync/internal/store/sqlite"
	"github.com/brightmetrics/cohortsync/internal/testutil"
)

// runStart pins every test run inside the 2025/2026 period.
var runStart = time.Date(2025, time.October, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, st store.Store, src Source) *Engine {
	t.Helper()
	clock := testutil.NewClock(runStart)
	return New(st, src,
		WithNow(clock.Now),
		WithRunIDGenerator(NewFixedGenerator(
			"run-001", "run-002", "run-003", "run-004", "run-005")),
	)
}

func TestRun_InsertsNewRecords(t *testing.T) {
	st := newTestStore(t)
	src := testutil.NewFakeSource(
		testutil.Record("alice@example.org", "s-001", runStart.Add(-time.Hour), 80, 70, 60, 90, 75, 85),
		testutil.Record("bob@example.org", "s-002", runStart.Add(-2*time.Hour), 50, 55, 60, 65, 70, 75),
	)
	eng := newTestEngine(t, st, src)

	run, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSucceeded, run.Status)
	assert.Equal(t, "2025/2026", run.Period)

	assert.Equal(t, int64(2), run.Counter(EntityPersonYears).Inserted)
	assert.Equal(t, int64(2), run.Counter(EntityCycleFacts).Inserted)
	assert.Zero(t, run.TotalSkipped())
	assert.Zero(t, run.TotalErrored())

	ctx := context.Background()
	p, err := st.GetPersonYear(ctx, "alice@example.org", "2025/2026")
	require.NoError(t, err)
	fact, err := st.GetCycleFact(ctx, p.ID, 1, "2025/2026")
	require.NoError(t, err)
	assert.Equal(t, 80.0, *fact.Vision)
	require.NotNil(t, fact.Overall)
	assert.Equal(t, 76.67, *fact.Overall, "overall is the 2dp-rounded mean of the six elements")

	// Statistics for the run's period were derived and persisted.
	national, err := st.ListStatistics(ctx, ScopeNational, "2025/2026")
	require.NoError(t, err)
	require.NotEmpty(t, national)
	school, err := st.ListStatistics(ctx, SchoolScope("s-001"), "2025/2026")
	require.NoError(t, err)
	assert.NotEmpty(t, school)
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	src := testutil.NewFakeSource(
		testutil.Record("alice@example.org", "s-001", runStart.Add(-time.Hour)),
	)
	clock := testutil.NewClock(runStart)
	eng := New(st, src,
		WithNow(clock.Now),
		WithRunIDGenerator(NewFixedGenerator("run-001", "run-002")),
	)
	ctx := context.Background()

	first, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Counter(EntityCycleFacts).Inserted)

	// A day later, same source content.
	clock.Advance(24 * time.Hour)
	second, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSucceeded, second.Status)
	assert.Zero(t, second.Counter(EntityPersonYears).Inserted)
	assert.Equal(t, int64(1), second.Counter(EntityPersonYears).Updated)
	assert.Zero(t, second.Counter(EntityCycleFacts).Inserted)
	assert.Equal(t, int64(1), second.Counter(EntityCycleFacts).Updated)
	assert.Zero(t, second.Counter(EntityCycleFacts).Deleted)

	p, err := st.GetPersonYear(ctx, "alice@example.org", "2025/2026")
	require.NoError(t, err)
	facts, err := st.ListCycleFacts(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, facts, 1, "re-running must not multiply rows")
}

func TestRun_DeletesCyclesAbsentFromSource(t *testing.T) {
	st := newTestStore(t)
	completed := runStart.Add(-time.Hour)
	rec := testutil.Record("alice@example.org", "s-001", completed)
	rec.Vision2 = testutil.F(40)
	rec.Hearing2 = testutil.F(45)
	rec.Completed2 = testutil.T(completed.Add(24 * time.Hour))
	src := testutil.NewFakeSource(rec)
	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	first, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Counter(EntityCycleFacts).Inserted)

	// The source no longer reports cycle 2.
	gone := testutil.Record("alice@example.org", "s-001", completed)
	src.Records = []source.RawRecord{gone}

	second, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Counter(EntityCycleFacts).Deleted)

	p, err := st.GetPersonYear(ctx, "alice@example.org", "2025/2026")
	require.NoError(t, err)
	facts, err := st.ListCycleFacts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, 1, facts[0].Ordinal)
}

func TestRun_DeletionNeverTouchesPastPeriods(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// An archived person-year with a cycle from the previous period.
	archived := &store.PersonYear{Email: "alice@example.org", Period: "2024/2025", SchoolID: "s-001", CreatedAt: runStart.AddDate(-1, 0, 0)}
	_, err := st.UpsertPersonYear(ctx, archived)
	require.NoError(t, err)
	oldFact := &store.CycleFact{PersonYearID: archived.ID, Ordinal: 1, Period: "2024/2025", Vision: testutil.F(30)}
	_, err = st.UpsertCycleFact(ctx, oldFact)
	require.NoError(t, err)

	// The reset source knows nothing about last year.
	src := testutil.NewFakeSource(
		testutil.Record("alice@example.org", "s-001", runStart.Add(-time.Hour)),
	)
	eng := newTestEngine(t, st, src)

	run, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSucceeded, run.Status)

	// The archive row survived the reconciliation untouched.
	got, err := st.GetCycleFact(ctx, archived.ID, 1, "2024/2025")
	require.NoError(t, err)
	assert.Equal(t, 30.0, *got.Vision)
}

func TestRun_YearRollOverStartsFreshPeriod(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	src := testutil.NewFakeSource(
		testutil.Record("alice@example.org", "s-001", runStart.Add(-time.Hour)),
	)
	clock := testutil.NewClock(runStart)
	eng := New(st, src,
		WithNow(clock.Now),
		WithRunIDGenerator(NewFixedGenerator("run-001", "run-002")),
	)

	_, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)

	// August reset: the source now serves only the new intake, with fresh
	// external ids. The previous period's rows must survive the next run.
	rollover := time.Date(2026, time.September, 1, 8, 0, 0, 0, time.UTC)
	clock.Set(rollover)
	src.Records = []source.RawRecord{
		testutil.Record("bob@example.org", "s-001", rollover.Add(-time.Hour)),
	}

	run, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2026/2027", run.Period)
	assert.Zero(t, run.Counter(EntityCycleFacts).Deleted)
	assert.Equal(t, 2, src.FetchCalls())

	// Both periods coexist in the durable store.
	_, err = st.GetPersonYear(ctx, "alice@example.org", "2025/2026")
	require.NoError(t, err)
	_, err = st.GetPersonYear(ctx, "bob@example.org", "2026/2027")
	require.NoError(t, err)
}

func TestRun_ArchiveImportIsAppendOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// A late import: completion date in the previous period.
	completed := time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC)
	src := testutil.NewFakeSource(
		testutil.Record("late@example.org", "s-001", completed),
	)
	eng := newTestEngine(t, st, src)

	first, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Counter(EntityCycleFacts).Inserted)

	// The person landed in the completion date's period, not the run's.
	p, err := st.GetPersonYear(ctx, "late@example.org", "2024/2025")
	require.NoError(t, err)

	// Mutate the archived row out of band, then re-run: append-only
	// handling must not overwrite it.
	fact, err := st.GetCycleFact(ctx, p.ID, 1, "2024/2025")
	require.NoError(t, err)
	fact.Vision = testutil.F(11)
	_, err = st.UpsertCycleFact(ctx, fact)
	require.NoError(t, err)

	second, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Counter(EntityCycleFacts).Skipped)

	got, err := st.GetCycleFact(ctx, p.ID, 1, "2024/2025")
	require.NoError(t, err)
	assert.Equal(t, 11.0, *got.Vision, "archived cycles are never updated")
}

func TestRun_ArchiveImportRecomputesPastPeriodStatistics(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// A late import resolving to the previous period: the run writes into
	// 2024/2025, so that period's statistic rows must be replaced too.
	completed := time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC)
	src := testutil.NewFakeSource(
		testutil.Record("late@example.org", "s-009", completed, 40, 50, 60, 70, 80, 90),
	)
	eng := newTestEngine(t, st, src)

	run, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSucceeded, run.Status)
	assert.Equal(t, "2025/2026", run.Period)

	school, err := st.ListStatistics(ctx, SchoolScope("s-009"), "2024/2025")
	require.NoError(t, err)
	require.NotEmpty(t, school, "the touched past period gets fresh statistics")
	national, err := st.ListStatistics(ctx, ScopeNational, "2024/2025")
	require.NoError(t, err)
	assert.NotEmpty(t, national)
	assert.NotZero(t, run.Counter(EntityStatistics).Inserted)
}

func TestRun_ArchiveImportAppendsResponses(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	completed := time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC)
	rec := testutil.Record("late@example.org", "s-001", completed)
	rec.Responses = []source.RawResponse{
		{ItemID: "item-a", Ordinal: 1, Element: "vision", Value: testutil.F(55)},
	}
	src := testutil.NewFakeSource(rec)
	eng := newTestEngine(t, st, src)

	first, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Counter(EntityResponses).Inserted)

	p, err := st.GetPersonYear(ctx, "late@example.org", "2024/2025")
	require.NoError(t, err)
	got, err := st.ListResponseFacts(ctx, p.ID, 1, "2024/2025")
	require.NoError(t, err)
	require.Len(t, got, 1, "archive cycles carry their responses")
	assert.Equal(t, 55.0, *got[0].Value)

	// The source later changes item-a and adds item-b: the archived row is
	// never updated, the missing one is created, nothing is deleted.
	rec.Responses = []source.RawResponse{
		{ItemID: "item-a", Ordinal: 1, Element: "vision", Value: testutil.F(99)},
		{ItemID: "item-b", Ordinal: 1, Element: "hearing", Value: testutil.F(60)},
	}
	src.Records = []source.RawRecord{rec}

	second, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Counter(EntityResponses).Inserted)
	assert.Equal(t, int64(1), second.Counter(EntityResponses).Skipped)

	got, err = st.ListResponseFacts(ctx, p.ID, 1, "2024/2025")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 55.0, *got[0].Value, "archived responses are never updated")
	assert.Equal(t, "item-b", got[1].ItemID)
}

func TestRun_SuppressesDuplicateCycles(t *testing.T) {
	st := newTestStore(t)
	completed := runStart.Add(-time.Hour)
	rec := testutil.Record("alice@example.org", "s-001", completed, 80, 70, 60, 90, 75, 85)
	// Cycle 2 repeats cycle 1's scores with the same completion timestamp.
	rec.Vision2, rec.Hearing2, rec.Motor2 = testutil.F(80), testutil.F(70), testutil.F(60)
	rec.Language2, rec.Cognition2, rec.Social2 = testutil.F(90), testutil.F(75), testutil.F(85)
	rec.Completed2 = testutil.T(completed)
	src := testutil.NewFakeSource(rec)
	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	run, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.Counter(EntityCycleFacts).Deleted)

	var found bool
	for _, a := range run.Anomalies {
		if a.Category == store.AnomalyDuplicateSuppressed {
			found = true
			assert.Equal(t, 2, a.Ordinal)
		}
	}
	assert.True(t, found, "duplicate suppression must be surfaced as an anomaly")

	p, err := st.GetPersonYear(ctx, "alice@example.org", "2025/2026")
	require.NoError(t, err)
	facts, err := st.ListCycleFacts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, 1, facts[0].Ordinal, "the lowest ordinal survives")
}

func TestRun_KeepsEqualScoresOnDifferentDates(t *testing.T) {
	st := newTestStore(t)
	completed := runStart.Add(-48 * time.Hour)
	rec := testutil.Record("alice@example.org", "s-001", completed, 80, 70, 60, 90, 75, 85)
	rec.Vision2, rec.Hearing2, rec.Motor2 = testutil.F(80), testutil.F(70), testutil.F(60)
	rec.Language2, rec.Cognition2, rec.Social2 = testutil.F(90), testutil.F(75), testutil.F(85)
	rec.Completed2 = testutil.T(completed.Add(24 * time.Hour))
	src := testutil.NewFakeSource(rec)
	eng := newTestEngine(t, st, src)

	run, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, run.Counter(EntityCycleFacts).Deleted,
		"identical scores on different dates are plausible repeats, not duplicates")
}

func TestRun_ReconcilesResponses(t *testing.T) {
	st := newTestStore(t)
	completed := runStart.Add(-time.Hour)
	rec := testutil.Record("alice@example.org", "s-001", completed)
	rec.Responses = []source.RawResponse{
		{ItemID: "item-a", Ordinal: 1, Element: "vision", Value: testutil.F(70)},
		{ItemID: "item-b", Ordinal: 1, Element: "vision", Value: testutil.F(72)},
		{ItemID: "item-null", Ordinal: 1, Element: "vision", Value: nil},
	}
	src := testutil.NewFakeSource(rec)
	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	first, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Counter(EntityResponses).Inserted, "null-valued responses are not stored")

	// item-b disappears from the source.
	rec.Responses = rec.Responses[:1]
	src.Records = []source.RawRecord{rec}

	second, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Counter(EntityResponses).Deleted)

	p, err := st.GetPersonYear(ctx, "alice@example.org", "2025/2026")
	require.NoError(t, err)
	got, err := st.ListResponseFacts(ctx, p.ID, 1, "2025/2026")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "item-a", got[0].ItemID)
}

func TestRun_SkipsRecordsWithoutEmail(t *testing.T) {
	st := newTestStore(t)
	bad := testutil.Record("", "s-001", runStart.Add(-time.Hour))
	good := testutil.Record("alice@example.org", "s-001", runStart.Add(-time.Hour))
	src := testutil.NewFakeSource(bad, good)
	eng := newTestEngine(t, st, src)

	run, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err, "record-level trouble must not abort the run")
	assert.Equal(t, store.RunStatusSucceeded, run.Status)
	assert.Equal(t, int64(1), run.TotalSkipped())
	assert.Equal(t, int64(1), run.Counter(EntityPersonYears).Inserted)

	var skipped bool
	for _, a := range run.Anomalies {
		if a.Category == store.AnomalyRecordSkipped {
			skipped = true
		}
	}
	assert.True(t, skipped)
}

func TestRun_OutOfRangeScoreSkipsRecord(t *testing.T) {
	st := newTestStore(t)
	rec := testutil.Record("alice@example.org", "s-001", runStart.Add(-time.Hour))
	rec.Vision1 = testutil.F(101)
	src := testutil.NewFakeSource(rec)
	eng := newTestEngine(t, st, src)

	run, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.TotalSkipped())

	p, err := st.GetPersonYear(context.Background(), "alice@example.org", "2025/2026")
	require.NoError(t, err)
	facts, err := st.ListCycleFacts(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Empty(t, facts, "no cycle rows for a rejected record")
}

func TestRun_NormalizesEmailKeys(t *testing.T) {
	st := newTestStore(t)
	a := testutil.Record("Alice@Example.ORG ", "s-001", runStart.Add(-time.Hour))
	b := testutil.Record("alice@example.org", "s-001", runStart.Add(-time.Hour))
	src := testutil.NewFakeSource(a, b)
	eng := newTestEngine(t, st, src)

	run, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	// One insert, one update: both raw records resolve to one identity.
	assert.Equal(t, int64(1), run.Counter(EntityPersonYears).Inserted)
	assert.Equal(t, int64(1), run.Counter(EntityPersonYears).Updated)

	people, err := st.ListPersonYearsForPeriod(context.Background(), "2025/2026")
	require.NoError(t, err)
	assert.Len(t, people, 1)
}

func TestRun_DateDiscrepancyAnomaly(t *testing.T) {
	st := newTestStore(t)
	rec := testutil.Record("alice@example.org", "s-001", time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC))
	rec.CreatedAt = testutil.T(time.Date(2025, time.September, 1, 9, 0, 0, 0, time.UTC))
	src := testutil.NewFakeSource(rec)
	eng := newTestEngine(t, st, src)

	run, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	var found bool
	for _, a := range run.Anomalies {
		if a.Category == store.AnomalyDateDiscrepancy {
			found = true
		}
	}
	assert.True(t, found)

	// The completion date wins.
	_, err = st.GetPersonYear(context.Background(), "alice@example.org", "2024/2025")
	assert.NoError(t, err)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	st := newTestStore(t)
	src := testutil.NewFakeSource(
		testutil.Record("alice@example.org", "s-001", runStart.Add(-time.Hour)),
	)
	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	run, err := eng.Run(ctx, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, run.DryRun)
	assert.Equal(t, store.RunStatusSucceeded, run.Status)
	assert.Equal(t, int64(1), run.Counter(EntityPersonYears).Inserted,
		"a dry run reports the outcomes the writes would have had")

	people, err := st.ListPersonYearsForPeriod(ctx, "2025/2026")
	require.NoError(t, err)
	assert.Empty(t, people)
	_, err = st.LatestSyncRun(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound, "dry runs leave no run row behind")
}

func TestRun_LockHeld(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.AcquireRunLock(ctx, "2025/2026"))

	eng := newTestEngine(t, st, testutil.NewFakeSource())
	_, err := eng.Run(ctx, RunOptions{})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeLockHeld, se.Code)
}

func TestRun_ReleasesLockAfterRun(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(t, st, testutil.NewFakeSource())
	ctx := context.Background()

	_, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)
	_, err = eng.Run(ctx, RunOptions{})
	require.NoError(t, err, "the lock must be released even without records")
}

func TestRun_SourceFailureFailsRun(t *testing.T) {
	st := newTestStore(t)
	src := testutil.NewFakeSource()
	src.FetchErr = errors.New("source exploded")
	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	run, err := eng.Run(ctx, RunOptions{})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	require.NotNil(t, run)
	assert.Equal(t, store.RunStatusFailed, run.Status)

	// The failed run was finalized in the store.
	persisted, err := st.LatestSyncRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, persisted.Status)
	require.NotEmpty(t, persisted.Anomalies)
	assert.Equal(t, store.AnomalyPhaseFailed, persisted.Anomalies[0].Category)
}

func TestRun_SchemaDriftFailsRun(t *testing.T) {
	st := newTestStore(t)
	src := testutil.NewFakeSource()
	src.Doc.Entities[source.EntityStudents] = []string{"id", "email"}
	eng := newTestEngine(t, st, src)

	run, err := eng.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, store.RunStatusFailed, run.Status)
}

func TestRun_PeriodOverride(t *testing.T) {
	st := newTestStore(t)
	src := testutil.NewFakeSource()
	eng := newTestEngine(t, st, src)

	run, err := eng.Run(context.Background(), RunOptions{PeriodOverride: "2023/2024"})
	require.NoError(t, err)
	assert.Equal(t, "2023/2024", run.Period)
}

// cancelAfterFetch cancels the run context once the listing has been
// fetched, so the abort lands in the processing phase.
type cancelAfterFetch struct {
	*testutil.FakeSource
	cancel context.CancelFunc
}

func (c *cancelAfterFetch) FetchAll(ctx context.Context, entityType string) ([]source.RawRecord, error) {
	recs, err := c.FakeSource.FetchAll(ctx, entityType)
	c.cancel()
	return recs, err
}

func TestRun_CancelledContextAborts(t *testing.T) {
	st := newTestStore(t)
	records := make([]source.RawRecord, 3)
	for i := range records {
		records[i] = testutil.Record("p@example.org", "s-001", runStart.Add(-time.Hour))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &cancelAfterFetch{FakeSource: testutil.NewFakeSource(records...), cancel: cancel}
	eng := newTestEngine(t, st, src)

	run, err := eng.Run(ctx, RunOptions{})
	require.Error(t, err)
	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeAborted, se.Code)
	assert.Equal(t, store.RunStatusFailed, run.Status)
}

func TestRecomputeStatistics(t *testing.T) {
	st := newTestStore(t)
	src := testutil.NewFakeSource(
		testutil.Record("alice@example.org", "s-001", runStart.Add(-time.Hour)),
	)
	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	_, err := eng.Run(ctx, RunOptions{})
	require.NoError(t, err)

	n, err := eng.RecomputeStatistics(ctx, "2025/2026")
	require.NoError(t, err)
	assert.Positive(t, n)

	stats, err := st.ListStatistics(ctx, ScopeNational, "2025/2026")
	require.NoError(t, err)
	assert.NotEmpty(t, stats)
}
