package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightmetrics/cohortsync/internal/source"
	"github.com/brightmetrics/cohortsync/internal/testutil"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@example.org", NormalizeEmail("  Alice@Example.ORG "))
	assert.Equal(t, "", NormalizeEmail("   "))

	// NFC: a decomposed accent composes to the same key.
	composed := "josé@example.org"
	decomposed := "josé@example.org"
	assert.Equal(t, NormalizeEmail(composed), NormalizeEmail(decomposed))
}

func TestResolveIdentity_MissingEmail(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(t, st, testutil.NewFakeSource())

	rec := &source.RawRecord{ExternalID: "ext-1", Email: "   "}
	_, err := eng.resolveIdentity(context.Background(), rec, runStart)
	require.Error(t, err)
	assert.True(t, IsRecordError(err))
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeMissingKey, se.Code)
}

func TestResolveIdentity_RecordRegionModeOverride(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(t, st, testutil.NewFakeSource())
	completed := time.Date(2025, time.September, 10, 9, 0, 0, 0, time.UTC)

	// Default split mode would label this 2025/2026; the record forces
	// calendar labelling.
	rec := &source.RawRecord{
		ExternalID: "ext-1", Email: "a@example.org",
		RegionMode: "calendar", Completed1: &completed,
	}
	id, err := eng.resolveIdentity(context.Background(), rec, runStart)
	require.NoError(t, err)
	assert.Equal(t, "2025", id.periodLabel)

	bad := &source.RawRecord{ExternalID: "ext-2", Email: "b@example.org", RegionMode: "lunar"}
	_, err = eng.resolveIdentity(context.Background(), bad, runStart)
	require.Error(t, err)
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeBadValue, se.Code)
}

func TestResolveIdentity_DatePrecedence(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(t, st, testutil.NewFakeSource())
	ctx := context.Background()

	completion := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	creation := time.Date(2025, time.September, 1, 9, 0, 0, 0, time.UTC)

	// Completion beats creation.
	rec := &source.RawRecord{Email: "a@example.org", Completed2: &completion, CreatedAt: &creation}
	id, err := eng.resolveIdentity(ctx, rec, runStart)
	require.NoError(t, err)
	assert.Equal(t, "2024/2025", id.periodLabel)
	assert.Equal(t, "completion", id.dateSource.String())
	assert.Len(t, id.anomalies, 1, "period disagreement between dates is surfaced")

	// Creation stands in when no ordinal completed.
	rec = &source.RawRecord{Email: "b@example.org", CreatedAt: &creation}
	id, err = eng.resolveIdentity(ctx, rec, runStart)
	require.NoError(t, err)
	assert.Equal(t, "2025/2026", id.periodLabel)
	assert.Equal(t, "creation", id.dateSource.String())

	// The injected now is the last resort.
	rec = &source.RawRecord{Email: "c@example.org"}
	id, err = eng.resolveIdentity(ctx, rec, runStart)
	require.NoError(t, err)
	assert.Equal(t, "2025/2026", id.periodLabel)
	assert.Equal(t, "now", id.dateSource.String())
}

func TestEarliestCompletion(t *testing.T) {
	early := time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC)

	assert.Nil(t, earliestCompletion(&source.RawRecord{}))

	rec := &source.RawRecord{Completed1: &late, Completed3: &early}
	got := earliestCompletion(rec)
	require.NotNil(t, got)
	assert.True(t, got.Equal(early))
}

func TestResolveIdentity_ReEnrollmentKeepsArchivedRow(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(t, st, testutil.NewFakeSource())
	ctx := context.Background()

	lastYear := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	old := &source.RawRecord{ExternalID: "ext-old", Email: "a@example.org", Completed1: &lastYear}
	oldID, err := eng.resolveIdentity(ctx, old, runStart)
	require.NoError(t, err)

	// The same mailbox re-enrolls this year with a fresh external id.
	thisYear := time.Date(2025, time.October, 1, 9, 0, 0, 0, time.UTC)
	fresh := &source.RawRecord{ExternalID: "ext-new", Email: "a@example.org", Completed1: &thisYear}
	freshID, err := eng.resolveIdentity(ctx, fresh, runStart)
	require.NoError(t, err)

	assert.NotEqual(t, oldID.person.ID, freshID.person.ID,
		"each period gets its own person-year row")

	archived, err := st.GetPersonYear(ctx, "a@example.org", "2024/2025")
	require.NoError(t, err)
	assert.Equal(t, "ext-old", archived.ExternalID, "the archived row is untouched")
}
