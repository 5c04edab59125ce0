package store

import (
	"context"
	"errors"
)

// dryRunStore wraps a real Store, passing reads through and turning every
// write into a no-op that still reports the outcome the write would have
// had. The sync engine runs unchanged on top of it, so a dry run exercises
// the full pipeline and produces a faithful report without mutating rows.
type dryRunStore struct {
	inner Store
	// synthetic IDs handed to upserts that would have inserted, so
	// downstream code that links children to parents keeps working
	nextID int64
}

// DryRun wraps a Store so that writes are computed but not applied.
func DryRun(inner Store) Store {
	return &dryRunStore{inner: inner, nextID: -1}
}

func (d *dryRunStore) syntheticID() int64 {
	id := d.nextID
	d.nextID--
	return id
}

func (d *dryRunStore) UpsertPersonYear(ctx context.Context, p *PersonYear) (Outcome, error) {
	existing, err := d.inner.GetPersonYear(ctx, p.Email, p.Period)
	if errors.Is(err, ErrNotFound) {
		p.ID = d.syntheticID()
		return OutcomeInserted, nil
	}
	if err != nil {
		return 0, err
	}
	p.ID = existing.ID
	return OutcomeUpdated, nil
}

func (d *dryRunStore) GetPersonYear(ctx context.Context, email, period string) (*PersonYear, error) {
	return d.inner.GetPersonYear(ctx, email, period)
}

func (d *dryRunStore) ListPersonYearsForPeriod(ctx context.Context, period string) ([]PersonYear, error) {
	return d.inner.ListPersonYearsForPeriod(ctx, period)
}

func (d *dryRunStore) UpsertCycleFact(ctx context.Context, f *CycleFact) (Outcome, error) {
	existing, err := d.inner.GetCycleFact(ctx, f.PersonYearID, f.Ordinal, f.Period)
	if errors.Is(err, ErrNotFound) {
		f.ID = d.syntheticID()
		return OutcomeInserted, nil
	}
	if err != nil {
		// Synthetic parents never exist in the real store.
		if f.PersonYearID < 0 {
			f.ID = d.syntheticID()
			return OutcomeInserted, nil
		}
		return 0, err
	}
	f.ID = existing.ID
	return OutcomeUpdated, nil
}

func (d *dryRunStore) GetCycleFact(ctx context.Context, personYearID int64, ordinal int, period string) (*CycleFact, error) {
	return d.inner.GetCycleFact(ctx, personYearID, ordinal, period)
}

func (d *dryRunStore) ListCycleFacts(ctx context.Context, personYearID int64) ([]CycleFact, error) {
	if personYearID < 0 {
		return []CycleFact{}, nil
	}
	return d.inner.ListCycleFacts(ctx, personYearID)
}

func (d *dryRunStore) ListCycleFactsForPeriod(ctx context.Context, period string) ([]CycleFact, error) {
	return d.inner.ListCycleFactsForPeriod(ctx, period)
}

func (d *dryRunStore) DeleteCycleFact(ctx context.Context, personYearID int64, ordinal int, period string) error {
	return nil
}

func (d *dryRunStore) UpsertResponseFact(ctx context.Context, f *ResponseFact) (Outcome, error) {
	if f.PersonYearID < 0 {
		f.ID = d.syntheticID()
		return OutcomeInserted, nil
	}
	existing, err := d.inner.ListResponseFacts(ctx, f.PersonYearID, f.Ordinal, f.Period)
	if err != nil {
		return 0, err
	}
	for _, r := range existing {
		if r.ItemID == f.ItemID {
			f.ID = r.ID
			return OutcomeUpdated, nil
		}
	}
	f.ID = d.syntheticID()
	return OutcomeInserted, nil
}

func (d *dryRunStore) ListResponseFacts(ctx context.Context, personYearID int64, ordinal int, period string) ([]ResponseFact, error) {
	if personYearID < 0 {
		return []ResponseFact{}, nil
	}
	return d.inner.ListResponseFacts(ctx, personYearID, ordinal, period)
}

func (d *dryRunStore) DeleteResponseFact(ctx context.Context, personYearID int64, ordinal int, period, itemID string) error {
	return nil
}

func (d *dryRunStore) DeleteResponseFacts(ctx context.Context, personYearID int64, ordinal int, period string) error {
	return nil
}

func (d *dryRunStore) ReplaceStatistics(ctx context.Context, period string, stats []CohortStatistic) error {
	return nil
}

func (d *dryRunStore) ListStatistics(ctx context.Context, scope, period string) ([]CohortStatistic, error) {
	return d.inner.ListStatistics(ctx, scope, period)
}

func (d *dryRunStore) BeginSyncRun(ctx context.Context, run *SyncRun) error    { return nil }
func (d *dryRunStore) FinalizeSyncRun(ctx context.Context, run *SyncRun) error { return nil }

func (d *dryRunStore) GetSyncRun(ctx context.Context, id string) (*SyncRun, error) {
	return d.inner.GetSyncRun(ctx, id)
}

func (d *dryRunStore) LatestSyncRun(ctx context.Context) (*SyncRun, error) {
	return d.inner.LatestSyncRun(ctx)
}

func (d *dryRunStore) AcquireRunLock(ctx context.Context, period string) error { return nil }
func (d *dryRunStore) ReleaseRunLock(ctx context.Context, period string) error { return nil }

// Close is a no-op: the caller owns the wrapped store's lifecycle.
func (d *dryRunStore) Close() error { return nil }
