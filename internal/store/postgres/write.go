package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brightmetrics/cohortsync/internal/store"
)

// UpsertPersonYear creates or refreshes a person-year row in a single
// statement. The conflict target is the full (email, academic_period) key;
// the DO UPDATE list deliberately excludes academic_period and created_at,
// so an existing row's period and creation time are never rewritten.
// "xmax = 0" is true only for freshly inserted rows.
func (s *Store) UpsertPersonYear(ctx context.Context, p *store.PersonYear) (store.Outcome, error) {
	var inserted bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO person_years
		(email, academic_period, external_id, display_name, school_id, year_group, faculty, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (email, academic_period) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			display_name = EXCLUDED.display_name,
			school_id = EXCLUDED.school_id,
			year_group = EXCLUDED.year_group,
			faculty = EXCLUDED.faculty
		RETURNING id, (xmax = 0)
	`,
		p.Email, p.Period, p.ExternalID, p.DisplayName,
		p.SchoolID, p.YearGroup, p.Faculty, p.CreatedAt.UTC(),
	).Scan(&p.ID, &inserted)
	if err != nil {
		return 0, fmt.Errorf("upsert person year: %w", err)
	}
	if inserted {
		return store.OutcomeInserted, nil
	}
	return store.OutcomeUpdated, nil
}

// UpsertCycleFact creates or refreshes a cycle fact on its full composite key.
func (s *Store) UpsertCycleFact(ctx context.Context, f *store.CycleFact) (store.Outcome, error) {
	var inserted bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cycle_facts
		(person_year_id, cycle_ordinal, academic_period,
		 vision, hearing, motor, language, cognition, social, overall, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (person_year_id, cycle_ordinal, academic_period) DO UPDATE SET
			vision = EXCLUDED.vision,
			hearing = EXCLUDED.hearing,
			motor = EXCLUDED.motor,
			language = EXCLUDED.language,
			cognition = EXCLUDED.cognition,
			social = EXCLUDED.social,
			overall = EXCLUDED.overall,
			completed_at = EXCLUDED.completed_at
		RETURNING id, (xmax = 0)
	`,
		f.PersonYearID, f.Ordinal, f.Period,
		f.Vision, f.Hearing, f.Motor, f.Language, f.Cognition, f.Social,
		f.Overall, f.CompletedAt,
	).Scan(&f.ID, &inserted)
	if err != nil {
		return 0, fmt.Errorf("upsert cycle fact: %w", err)
	}
	if inserted {
		return store.OutcomeInserted, nil
	}
	return store.OutcomeUpdated, nil
}

// UpsertResponseFact creates or refreshes a per-item response on its full
// composite key.
func (s *Store) UpsertResponseFact(ctx context.Context, f *store.ResponseFact) (store.Outcome, error) {
	var inserted bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO response_facts
		(person_year_id, cycle_ordinal, academic_period, item_id, element, value)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (person_year_id, cycle_ordinal, academic_period, item_id) DO UPDATE SET
			element = EXCLUDED.element,
			value = EXCLUDED.value
		RETURNING id, (xmax = 0)
	`,
		f.PersonYearID, f.Ordinal, f.Period, f.ItemID, f.Element, f.Value,
	).Scan(&f.ID, &inserted)
	if err != nil {
		return 0, fmt.Errorf("upsert response fact: %w", err)
	}
	if inserted {
		return store.OutcomeInserted, nil
	}
	return store.OutcomeUpdated, nil
}

// DeleteCycleFact removes a cycle fact and its response facts by full
// composite key in one transaction.
func (s *Store) DeleteCycleFact(ctx context.Context, personYearID int64, ordinal int, period string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete cycle fact: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		DELETE FROM response_facts
		WHERE person_year_id = $1 AND cycle_ordinal = $2 AND academic_period = $3
	`, personYearID, ordinal, period)
	if err != nil {
		return fmt.Errorf("delete cycle fact: responses: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM cycle_facts
		WHERE person_year_id = $1 AND cycle_ordinal = $2 AND academic_period = $3
	`, personYearID, ordinal, period)
	if err != nil {
		return fmt.Errorf("delete cycle fact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete cycle fact: commit: %w", err)
	}
	return nil
}

// DeleteResponseFact removes one item's response by full composite key.
func (s *Store) DeleteResponseFact(ctx context.Context, personYearID int64, ordinal int, period, itemID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM response_facts
		WHERE person_year_id = $1 AND cycle_ordinal = $2 AND academic_period = $3 AND item_id = $4
	`, personYearID, ordinal, period, itemID)
	if err != nil {
		return fmt.Errorf("delete response fact: %w", err)
	}
	return nil
}

// DeleteResponseFacts removes all response facts for one cycle.
func (s *Store) DeleteResponseFacts(ctx context.Context, personYearID int64, ordinal int, period string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM response_facts
		WHERE person_year_id = $1 AND cycle_ordinal = $2 AND academic_period = $3
	`, personYearID, ordinal, period)
	if err != nil {
		return fmt.Errorf("delete response facts: %w", err)
	}
	return nil
}

// ReplaceStatistics swaps every statistic row for a period in one transaction.
func (s *Store) ReplaceStatistics(ctx context.Context, period string, stats []store.CohortStatistic) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace statistics: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cohort_statistics WHERE academic_period = $1
	`, period); err != nil {
		return fmt.Errorf("replace statistics: delete: %w", err)
	}

	for _, st := range stats {
		hist, err := json.Marshal(st.Histogram[:])
		if err != nil {
			return fmt.Errorf("replace statistics: marshal histogram: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cohort_statistics
			(scope, academic_period, cycle_ordinal, element,
			 record_count, mean, stddev, p25, p50, p75, histogram)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (scope, academic_period, cycle_ordinal, element) DO UPDATE SET
				record_count = EXCLUDED.record_count,
				mean = EXCLUDED.mean,
				stddev = EXCLUDED.stddev,
				p25 = EXCLUDED.p25,
				p50 = EXCLUDED.p50,
				p75 = EXCLUDED.p75,
				histogram = EXCLUDED.histogram
		`,
			st.Scope, st.Period, st.Ordinal, st.Element,
			st.Count, st.Mean, st.StdDev, st.P25, st.P50, st.P75, hist,
		)
		if err != nil {
			return fmt.Errorf("replace statistics: insert %s/%s: %w", st.Scope, st.Element, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace statistics: commit: %w", err)
	}
	return nil
}
