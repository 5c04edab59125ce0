package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/brightmetrics/cohortsync/internal/source"
	"github.com/brightmetrics/cohortsync/internal/store"
)

// reconcileResult carries one person's counter deltas and anomalies back
// to the orchestrator.
type reconcileResult struct {
	cycles    store.Counters
	responses store.Counters
	anomalies []store.Anomaly
}

// reconcileCycles mirrors the per-identity cycle sub-collection of the
// store onto what the source currently reports.
//
// For the run's current period this is full presence-based reconciliation:
// upsert what exists at the source, delete what doesn't, then suppress
// spurious duplicates. For any other period the store is an append-only
// archive: missing rows may be created (late historical imports) but
// nothing existing is updated or deleted, no matter what the source says:
// the source forgets everything at annual roll-over and its silence about
// an old cycle means nothing.
func (e *Engine) reconcileCycles(ctx context.Context, py *store.PersonYear, rec *source.RawRecord, currentPeriod string) (reconcileResult, error) {
	var res reconcileResult

	present, err := presentOrdinals(rec)
	if err != nil {
		return res, &SyncError{Code: ErrCodeBadValue, Message: err.Error(), Email: py.Email, Period: py.Period}
	}
	res.cycles.Input = int64(len(present))

	if py.Period != currentPeriod {
		e.appendArchiveCycles(ctx, py, rec, present, &res)
		return res, nil
	}

	// Upsert every cycle present at the source.
	for _, ord := range sortedOrdinals(present) {
		os := present[ord]
		fact := buildCycleFact(py, os)
		outcome, err := e.store.UpsertCycleFact(ctx, fact)
		if err != nil {
			return res, &SyncError{Code: ErrCodeConstraint, Message: "cycle fact upsert failed",
				Email: py.Email, Period: py.Period, Ordinal: ord, Err: err}
		}
		countOutcome(&res.cycles, outcome)

		if err := e.reconcileResponses(ctx, py, rec, ord, &res.responses); err != nil {
			return res, err
		}
	}

	// Delete current-period facts for ordinals the source no longer has.
	// A deletion failure is fatal only for its ordinal.
	stored, err := e.store.ListCycleFacts(ctx, py.ID)
	if err != nil {
		return res, fmt.Errorf("list cycle facts: %w", err)
	}
	for _, fact := range stored {
		if _, ok := present[fact.Ordinal]; ok {
			continue
		}
		if fact.Period != currentPeriod {
			// Archived cycle from an earlier period. Never touched here.
			continue
		}
		if err := e.store.DeleteCycleFact(ctx, py.ID, fact.Ordinal, currentPeriod); err != nil {
			res.cycles.Errored++
			e.logger.Error("cycle fact delete failed",
				"email", py.Email, "period", currentPeriod, "ordinal", fact.Ordinal, "error", err)
			continue
		}
		res.cycles.Deleted++
	}

	if err := e.suppressDuplicates(ctx, py, currentPeriod, &res); err != nil {
		return res, err
	}

	return res, nil
}

// appendArchiveCycles creates cycle facts missing from a past-period
// person-year without mutating anything that already exists. Responses
// follow the same append-only rule per cycle.
func (e *Engine) appendArchiveCycles(ctx context.Context, py *store.PersonYear, rec *source.RawRecord, present map[int]source.OrdinalScores, res *reconcileResult) {
	for _, ord := range sortedOrdinals(present) {
		_, err := e.store.GetCycleFact(ctx, py.ID, ord, py.Period)
		switch {
		case err == nil:
			res.cycles.Skipped++
		case !errors.Is(err, store.ErrNotFound):
			res.cycles.Errored++
			e.logger.Error("cycle fact lookup failed",
				"email", py.Email, "period", py.Period, "ordinal", ord, "error", err)
			continue
		default:
			fact := buildCycleFact(py, present[ord])
			if _, err := e.store.UpsertCycleFact(ctx, fact); err != nil {
				res.cycles.Errored++
				e.logger.Error("archive cycle fact insert failed",
					"email", py.Email, "period", py.Period, "ordinal", ord, "error", err)
				continue
			}
			res.cycles.Inserted++
		}
		e.appendArchiveResponses(ctx, py, rec, ord, &res.responses)
	}
}

// appendArchiveResponses creates response facts missing from a past-period
// cycle. Existing rows are never updated and nothing is deleted.
func (e *Engine) appendArchiveResponses(ctx context.Context, py *store.PersonYear, rec *source.RawRecord, ordinal int, counters *store.Counters) {
	desired := desiredResponses(rec, ordinal)
	if len(desired) == 0 {
		return
	}
	counters.Input += int64(len(desired))

	stored, err := e.store.ListResponseFacts(ctx, py.ID, ordinal, py.Period)
	if err != nil {
		counters.Errored++
		e.logger.Error("list response facts failed",
			"email", py.Email, "period", py.Period, "ordinal", ordinal, "error", err)
		return
	}
	existing := map[string]bool{}
	for _, f := range stored {
		existing[f.ItemID] = true
	}

	for _, itemID := range sortedKeys(desired) {
		if existing[itemID] {
			counters.Skipped++
			continue
		}
		r := desired[itemID]
		fact := &store.ResponseFact{
			PersonYearID: py.ID,
			Ordinal:      ordinal,
			Period:       py.Period,
			ItemID:       r.ItemID,
			Element:      r.Element,
			Value:        r.Value,
		}
		if _, err := e.store.UpsertResponseFact(ctx, fact); err != nil {
			counters.Errored++
			e.logger.Error("archive response fact insert failed",
				"email", py.Email, "period", py.Period, "ordinal", ordinal, "item", r.ItemID, "error", err)
			continue
		}
		counters.Inserted++
	}
}

// desiredResponses indexes the source's non-null responses for one ordinal.
func desiredResponses(rec *source.RawRecord, ordinal int) map[string]source.RawResponse {
	desired := map[string]source.RawResponse{}
	for _, r := range rec.Responses {
		if r.Ordinal != ordinal || r.Value == nil {
			continue
		}
		desired[r.ItemID] = r
	}
	return desired
}

// reconcileResponses mirrors the per-item responses of one present cycle.
func (e *Engine) reconcileResponses(ctx context.Context, py *store.PersonYear, rec *source.RawRecord, ordinal int, counters *store.Counters) error {
	desired := desiredResponses(rec, ordinal)
	counters.Input += int64(len(desired))

	for _, itemID := range sortedKeys(desired) {
		r := desired[itemID]
		fact := &store.ResponseFact{
			PersonYearID: py.ID,
			Ordinal:      ordinal,
			Period:       py.Period,
			ItemID:       r.ItemID,
			Element:      r.Element,
			Value:        r.Value,
		}
		outcome, err := e.store.UpsertResponseFact(ctx, fact)
		if err != nil {
			return &SyncError{Code: ErrCodeConstraint, Message: "response fact upsert failed",
				Email: py.Email, Period: py.Period, Ordinal: ordinal, Err: err}
		}
		countOutcome(counters, outcome)
	}

	stored, err := e.store.ListResponseFacts(ctx, py.ID, ordinal, py.Period)
	if err != nil {
		return fmt.Errorf("list response facts: %w", err)
	}
	for _, f := range stored {
		if _, ok := desired[f.ItemID]; ok {
			continue
		}
		if err := e.store.DeleteResponseFact(ctx, py.ID, ordinal, py.Period, f.ItemID); err != nil {
			counters.Errored++
			e.logger.Error("response fact delete failed",
				"email", py.Email, "period", py.Period, "ordinal", ordinal, "item", f.ItemID, "error", err)
			continue
		}
		counters.Deleted++
	}
	return nil
}

// suppressDuplicates collapses groups of current-period cycle facts that
// carry pairwise-identical element scores AND an identical completion
// timestamp. Both conditions must hold: equal scores on different dates
// are plausible repeat results and stay. The lowest ordinal survives.
func (e *Engine) suppressDuplicates(ctx context.Context, py *store.PersonYear, currentPeriod string, res *reconcileResult) error {
	stored, err := e.store.ListCycleFacts(ctx, py.ID)
	if err != nil {
		return fmt.Errorf("list cycle facts: %w", err)
	}

	var current []store.CycleFact
	for _, f := range stored {
		if f.Period == currentPeriod {
			current = append(current, f)
		}
	}
	sort.Slice(current, func(i, j int) bool { return current[i].Ordinal < current[j].Ordinal })

	kept := make([]store.CycleFact, 0, len(current))
	for _, f := range current {
		f := f
		dup := false
		for _, k := range kept {
			k := k
			if store.SameScores(&f, &k) && sameCompletion(f.CompletedAt, k.CompletedAt) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, f)
			continue
		}
		if err := e.store.DeleteCycleFact(ctx, py.ID, f.Ordinal, currentPeriod); err != nil {
			res.cycles.Errored++
			e.logger.Error("duplicate cycle fact delete failed",
				"email", py.Email, "period", currentPeriod, "ordinal", f.Ordinal, "error", err)
			continue
		}
		res.cycles.Deleted++
		res.anomalies = append(res.anomalies, store.Anomaly{
			Category: store.AnomalyDuplicateSuppressed,
			Message:  fmt.Sprintf("cycle %d duplicates an earlier ordinal with identical scores and completion date", f.Ordinal),
			Email:    py.Email,
			Period:   currentPeriod,
			Ordinal:  f.Ordinal,
		})
	}
	return nil
}

// presentOrdinals returns the ordinals for which the source reports at
// least one non-null element score. An ordinal whose fields all read null
// is absent, even though the source exposes slots for it.
func presentOrdinals(rec *source.RawRecord) (map[int]source.OrdinalScores, error) {
	present := map[int]source.OrdinalScores{}
	for ord := 1; ord <= source.MaxOrdinal; ord++ {
		os, err := source.ScoresForOrdinal(rec, ord)
		if err != nil {
			return nil, err
		}
		any := false
		for element, v := range os.Scores {
			if v == nil {
				continue
			}
			if *v < store.ScoreMin || *v > store.ScoreMax {
				return nil, fmt.Errorf("%s score %v for ordinal %d outside valid range", element, *v, ord)
			}
			any = true
		}
		if any {
			present[ord] = os
		}
	}
	return present, nil
}

// buildCycleFact assembles the fact row for one present ordinal, deriving
// the overall value from the non-null element scores.
func buildCycleFact(py *store.PersonYear, os source.OrdinalScores) *store.CycleFact {
	fact := &store.CycleFact{
		PersonYearID: py.ID,
		Ordinal:      os.Ordinal,
		Period:       py.Period,
		CompletedAt:  os.CompletedAt,
	}
	for element, v := range os.Scores {
		fact.SetScore(element, v)
	}
	fact.Overall = deriveOverall(fact)
	return fact
}

// deriveOverall averages the non-null element scores, rounded to 2 decimals.
func deriveOverall(f *store.CycleFact) *float64 {
	var sum float64
	var n int
	for _, s := range f.Scores() {
		if s != nil {
			sum += *s
			n++
		}
	}
	if n == 0 {
		return nil
	}
	v := math.Round(sum/float64(n)*100) / 100
	return &v
}

func sameCompletion(a, b *time.Time) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return a.Equal(*b)
}

func countOutcome(c *store.Counters, o store.Outcome) {
	switch o {
	case store.OutcomeInserted:
		c.Inserted++
	case store.OutcomeUpdated:
		c.Updated++
	}
}

func sortedOrdinals(m map[int]source.OrdinalScores) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func sortedKeys(m map[string]source.RawResponse) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
