package store

import (
	"context"
	"errors"
)

// Outcome reports what an upsert did.
type Outcome int

const (
	// OutcomeInserted means a new row was created.
	OutcomeInserted Outcome = iota + 1
	// OutcomeUpdated means an existing row was refreshed in place.
	OutcomeUpdated
)

// String returns the lowercase name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	}
	return "unknown"
}

// ErrNotFound is returned by point lookups when no row matches the key.
var ErrNotFound = errors.New("store: not found")

// ErrRunLockHeld is returned by AcquireRunLock when another run already
// holds the lock for the requested period.
var ErrRunLockHeld = errors.New("store: run lock held for period")

// Store is the destination-store contract. Implementations must honor the
// composite-key and idempotence rules documented in the package comment.
//
// All upserts conflict on the entity's full composite natural key and
// report whether the row was inserted or updated. Point lookups return
// ErrNotFound when absent.
type Store interface {
	// UpsertPersonYear creates or refreshes a person-year row keyed on
	// (email, period). On return p.ID is populated. The period of an
	// existing row is never modified.
	UpsertPersonYear(ctx context.Context, p *PersonYear) (Outcome, error)
	GetPersonYear(ctx context.Context, email, period string) (*PersonYear, error)
	ListPersonYearsForPeriod(ctx context.Context, period string) ([]PersonYear, error)

	// UpsertCycleFact creates or refreshes a cycle fact keyed on
	// (person_year_id, ordinal, period). On return f.ID is populated.
	UpsertCycleFact(ctx context.Context, f *CycleFact) (Outcome, error)
	GetCycleFact(ctx context.Context, personYearID int64, ordinal int, period string) (*CycleFact, error)
	ListCycleFacts(ctx context.Context, personYearID int64) ([]CycleFact, error)
	ListCycleFactsForPeriod(ctx context.Context, period string) ([]CycleFact, error)
	// DeleteCycleFact removes the fact and its response facts by full
	// composite key. Deleting an absent row is not an error.
	DeleteCycleFact(ctx context.Context, personYearID int64, ordinal int, period string) error

	UpsertResponseFact(ctx context.Context, f *ResponseFact) (Outcome, error)
	ListResponseFacts(ctx context.Context, personYearID int64, ordinal int, period string) ([]ResponseFact, error)
	// DeleteResponseFact removes one item's response by full composite key.
	DeleteResponseFact(ctx context.Context, personYearID int64, ordinal int, period, itemID string) error
	DeleteResponseFacts(ctx context.Context, personYearID int64, ordinal int, period string) error

	// ReplaceStatistics atomically swaps all statistic rows for a period
	// with the supplied set.
	ReplaceStatistics(ctx context.Context, period string, stats []CohortStatistic) error
	ListStatistics(ctx context.Context, scope, period string) ([]CohortStatistic, error)

	BeginSyncRun(ctx context.Context, run *SyncRun) error
	FinalizeSyncRun(ctx context.Context, run *SyncRun) error
	GetSyncRun(ctx context.Context, id string) (*SyncRun, error)
	LatestSyncRun(ctx context.Context) (*SyncRun, error)

	// AcquireRunLock serializes runs targeting the same period. Returns
	// ErrRunLockHeld when another run holds it. The reconciler's deletion
	// step is not safe under two concurrent runs racing on one person-year.
	AcquireRunLock(ctx context.Context, period string) error
	ReleaseRunLock(ctx context.Context, period string) error

	Close() error
}
