package sqlite

import (
	"context"
	"fmt"

	"github.com/brightmetrics/cohortsync/internal/store"
)

// UpsertPersonYear creates or refreshes a person-year row.
//
// Uses ON CONFLICT(email, academic_period) DO NOTHING plus RowsAffected to
// tell inserts from updates. On the update path only non-identity
// attributes are touched: the academic period and created_at of an
// existing row are never modified (rewriting the period of an archived row
// destroys historical attribution).
func (s *Store) UpsertPersonYear(ctx context.Context, p *store.PersonYear) (store.Outcome, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO person_years
		(email, academic_period, external_id, display_name, school_id, year_group, faculty, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email, academic_period) DO NOTHING
	`,
		p.Email, p.Period, p.ExternalID, p.DisplayName,
		p.SchoolID, p.YearGroup, p.Faculty, formatTime(p.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert person year: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("upsert person year: rows affected: %w", err)
	}

	if affected > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("upsert person year: last insert id: %w", err)
		}
		p.ID = id
		return store.OutcomeInserted, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE person_years
		SET external_id = ?, display_name = ?, school_id = ?, year_group = ?, faculty = ?
		WHERE email = ? AND academic_period = ?
	`,
		p.ExternalID, p.DisplayName, p.SchoolID, p.YearGroup, p.Faculty,
		p.Email, p.Period,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert person year: update: %w", err)
	}

	var createdAt string
	err = s.db.QueryRowContext(ctx, `
		SELECT id, created_at FROM person_years
		WHERE email = ? AND academic_period = ?
	`, p.Email, p.Period).Scan(&p.ID, &createdAt)
	if err != nil {
		return 0, fmt.Errorf("upsert person year: select existing: %w", err)
	}
	if t, err := parseTime(createdAt); err == nil {
		p.CreatedAt = t
	}

	return store.OutcomeUpdated, nil
}

// UpsertCycleFact creates or refreshes a cycle fact on its full composite
// key (person_year_id, cycle_ordinal, academic_period).
func (s *Store) UpsertCycleFact(ctx context.Context, f *store.CycleFact) (store.Outcome, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_facts
		(person_year_id, cycle_ordinal, academic_period,
		 vision, hearing, motor, language, cognition, social, overall, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(person_year_id, cycle_ordinal, academic_period) DO NOTHING
	`,
		f.PersonYearID, f.Ordinal, f.Period,
		nullFloat(f.Vision), nullFloat(f.Hearing), nullFloat(f.Motor),
		nullFloat(f.Language), nullFloat(f.Cognition), nullFloat(f.Social),
		nullFloat(f.Overall), formatTimePtr(f.CompletedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert cycle fact: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("upsert cycle fact: rows affected: %w", err)
	}

	if affected > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("upsert cycle fact: last insert id: %w", err)
		}
		f.ID = id
		return store.OutcomeInserted, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE cycle_facts
		SET vision = ?, hearing = ?, motor = ?, language = ?, cognition = ?,
		    social = ?, overall = ?, completed_at = ?
		WHERE person_year_id = ? AND cycle_ordinal = ? AND academic_period = ?
	`,
		nullFloat(f.Vision), nullFloat(f.Hearing), nullFloat(f.Motor),
		nullFloat(f.Language), nullFloat(f.Cognition), nullFloat(f.Social),
		nullFloat(f.Overall), formatTimePtr(f.CompletedAt),
		f.PersonYearID, f.Ordinal, f.Period,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert cycle fact: update: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM cycle_facts
		WHERE person_year_id = ? AND cycle_ordinal = ? AND academic_period = ?
	`, f.PersonYearID, f.Ordinal, f.Period).Scan(&f.ID)
	if err != nil {
		return 0, fmt.Errorf("upsert cycle fact: select existing: %w", err)
	}

	return store.OutcomeUpdated, nil
}

// UpsertResponseFact creates or refreshes a per-item response on its full
// composite key (person_year_id, cycle_ordinal, academic_period, item_id).
func (s *Store) UpsertResponseFact(ctx context.Context, f *store.ResponseFact) (store.Outcome, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO response_facts
		(person_year_id, cycle_ordinal, academic_period, item_id, element, value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(person_year_id, cycle_ordinal, academic_period, item_id) DO NOTHING
	`,
		f.PersonYearID, f.Ordinal, f.Period, f.ItemID, f.Element, nullFloat(f.Value),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert response fact: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("upsert response fact: rows affected: %w", err)
	}

	if affected > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("upsert response fact: last insert id: %w", err)
		}
		f.ID = id
		return store.OutcomeInserted, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE response_facts
		SET element = ?, value = ?
		WHERE person_year_id = ? AND cycle_ordinal = ? AND academic_period = ? AND item_id = ?
	`,
		f.Element, nullFloat(f.Value),
		f.PersonYearID, f.Ordinal, f.Period, f.ItemID,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert response fact: update: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM response_facts
		WHERE person_year_id = ? AND cycle_ordinal = ? AND academic_period = ? AND item_id = ?
	`, f.PersonYearID, f.Ordinal, f.Period, f.ItemID).Scan(&f.ID)
	if err != nil {
		return 0, fmt.Errorf("upsert response fact: select existing: %w", err)
	}

	return store.OutcomeUpdated, nil
}

// DeleteCycleFact removes a cycle fact and its response facts by full
// composite key. The period is part of the key, so a current-period delete
// can never reach an archived row. Deleting an absent row is a no-op.
func (s *Store) DeleteCycleFact(ctx context.Context, personYearID int64, ordinal int, period string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete cycle fact: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		DELETE FROM response_facts
		WHERE person_year_id = ? AND cycle_ordinal = ? AND academic_period = ?
	`, personYearID, ordinal, period)
	if err != nil {
		return fmt.Errorf("delete cycle fact: responses: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM cycle_facts
		WHERE person_year_id = ? AND cycle_ordinal = ? AND academic_period = ?
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
	_, err := s.execAffected(ctx, `
		DELETE FROM response_facts
		WHERE person_year_id = ? AND cycle_ordinal = ? AND academic_period = ? AND item_id = ?
	`, personYearID, ordinal, period, itemID)
	if err != nil {
		return fmt.Errorf("delete response fact: %w", err)
	}
	return nil
}

// DeleteResponseFacts removes all response facts for one cycle by composite key.
func (s *Store) DeleteResponseFacts(ctx context.Context, personYearID int64, ordinal int, period string) error {
	_, err := s.execAffected(ctx, `
		DELETE FROM response_facts
		WHERE person_year_id = ? AND cycle_ordinal = ? AND academic_period = ?
	`, personYearID, ordinal, period)
	if err != nil {
		return fmt.Errorf("delete response facts: %w", err)
	}
	return nil
}

// ReplaceStatistics swaps every statistic row for a period with the
// supplied set in one transaction. Full replacement avoids the drift that
// incremental adjustment accumulates across runs.
func (s *Store) ReplaceStatistics(ctx context.Context, period string, stats []store.CohortStatistic) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace statistics: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cohort_statistics WHERE academic_period = ?
	`, period); err != nil {
		return fmt.Errorf("replace statistics: delete: %w", err)
	}

	for _, st := range stats {
		hist, err := marshalHistogram(st.Histogram)
		if err != nil {
			return fmt.Errorf("replace statistics: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cohort_statistics
			(scope, academic_period, cycle_ordinal, element,
			 record_count, mean, stddev, p25, p50, p75, histogram)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(scope, academic_period, cycle_ordinal, element) DO UPDATE SET
				record_count = excluded.record_count,
				mean = excluded.mean,
				stddev = excluded.stddev,
				p25 = excluded.p25,
				p50 = excluded.p50,
				p75 = excluded.p75,
				histogram = excluded.histogram
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
