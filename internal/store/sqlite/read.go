package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/brightmetrics/cohortsync/internal/store"
)

// GetPersonYear returns the person-year for (email, period), or
// store.ErrNotFound. Lookups always use the full composite key.
func (s *Store) GetPersonYear(ctx context.Context, email, period string) (*store.PersonYear, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, academic_period, external_id, display_name,
		       school_id, year_group, faculty, created_at
		FROM person_years
		WHERE email = ? AND academic_period = ?
	`, email, period)

	p, err := scanPersonYear(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get person year: %w", err)
	}
	return p, nil
}

// ListPersonYearsForPeriod returns all person-years for an academic period,
// ordered by email for deterministic output.
func (s *Store) ListPersonYearsForPeriod(ctx context.Context, period string) ([]store.PersonYear, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, academic_period, external_id, display_name,
		       school_id, year_group, faculty, created_at
		FROM person_years
		WHERE academic_period = ?
		ORDER BY email ASC
	`, period)
	if err != nil {
		return nil, fmt.Errorf("list person years: %w", err)
	}
	defer rows.Close()

	out := []store.PersonYear{}
	for rows.Next() {
		p, err := scanPersonYear(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list person years: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate person years: %w", err)
	}
	return out, nil
}

// GetCycleFact returns the cycle fact for the full composite key, or
// store.ErrNotFound.
func (s *Store) GetCycleFact(ctx context.Context, personYearID int64, ordinal int, period string) (*store.CycleFact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, person_year_id, cycle_ordinal, academic_period,
		       vision, hearing, motor, language, cognition, social, overall, completed_at
		FROM cycle_facts
		WHERE person_year_id = ? AND cycle_ordinal = ? AND academic_period = ?
	`, personYearID, ordinal, period)

	f, err := scanCycleFact(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cycle fact: %w", err)
	}
	return f, nil
}

// ListCycleFacts returns every cycle fact for a person-year across all
// periods, ordered by period then ordinal. The reconciler needs the full
// set: deletion scoping depends on seeing which period each row carries.
func (s *Store) ListCycleFacts(ctx context.Context, personYearID int64) ([]store.CycleFact, error) {
	return s.queryCycleFacts(ctx, `
		SELECT id, person_year_id, cycle_ordinal, academic_period,
		       vision, hearing, motor, language, cognition, social, overall, completed_at
		FROM cycle_facts
		WHERE person_year_id = ?
		ORDER BY academic_period ASC, cycle_ordinal ASC
	`, personYearID)
}

// ListCycleFactsForPeriod returns every cycle fact tagged with a period,
// ordered deterministically for aggregation.
func (s *Store) ListCycleFactsForPeriod(ctx context.Context, period string) ([]store.CycleFact, error) {
	return s.queryCycleFacts(ctx, `
		SELECT id, person_year_id, cycle_ordinal, academic_period,
		       vision, hearing, motor, language, cognition, social, overall, completed_at
		FROM cycle_facts
		WHERE academic_period = ?
		ORDER BY person_year_id ASC, cycle_ordinal ASC
	`, period)
}

func (s *Store) queryCycleFacts(ctx context.Context, query string, args ...any) ([]store.CycleFact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cycle facts: %w", err)
	}
	defer rows.Close()

	out := []store.CycleFact{}
	for rows.Next() {
		f, err := scanCycleFact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan cycle fact: %w", err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycle facts: %w", err)
	}
	return out, nil
}

// ListResponseFacts returns the response facts for one cycle, ordered by item id.
func (s *Store) ListResponseFacts(ctx context.Context, personYearID int64, ordinal int, period string) ([]store.ResponseFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, person_year_id, cycle_ordinal, academic_period, item_id, element, value
		FROM response_facts
		WHERE person_year_id = ? AND cycle_ordinal = ? AND academic_period = ?
		ORDER BY item_id ASC
	`, personYearID, ordinal, period)
	if err != nil {
		return nil, fmt.Errorf("list response facts: %w", err)
	}
	defer rows.Close()

	out := []store.ResponseFact{}
	for rows.Next() {
		var f store.ResponseFact
		var value sql.NullFloat64
		if err := rows.Scan(&f.ID, &f.PersonYearID, &f.Ordinal, &f.Period, &f.ItemID, &f.Element, &value); err != nil {
			return nil, fmt.Errorf("scan response fact: %w", err)
		}
		f.Value = floatPtr(value)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate response facts: %w", err)
	}
	return out, nil
}

// ListStatistics returns the statistics for (scope, period), ordered by
// ordinal then element for deterministic output.
func (s *Store) ListStatistics(ctx context.Context, scope, period string) ([]store.CohortStatistic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, academic_period, cycle_ordinal, element,
		       record_count, mean, stddev, p25, p50, p75, histogram
		FROM cohort_statistics
		WHERE scope = ? AND academic_period = ?
		ORDER BY cycle_ordinal ASC, element ASC
	`, scope, period)
	if err != nil {
		return nil, fmt.Errorf("list statistics: %w", err)
	}
	defer rows.Close()

	out := []store.CohortStatistic{}
	for rows.Next() {
		var st store.CohortStatistic
		var hist string
		if err := rows.Scan(&st.ID, &st.Scope, &st.Period, &st.Ordinal, &st.Element,
			&st.Count, &st.Mean, &st.StdDev, &st.P25, &st.P50, &st.P75, &hist); err != nil {
			return nil, fmt.Errorf("scan statistic: %w", err)
		}
		h, err := unmarshalHistogram(hist)
		if err != nil {
			return nil, fmt.Errorf("scan statistic: %w", err)
		}
		st.Histogram = h
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statistics: %w", err)
	}
	return out, nil
}

// scanPersonYear scans one person-year row via the given scan function.
func scanPersonYear(scan func(...any) error) (*store.PersonYear, error) {
	var p store.PersonYear
	var createdAt string
	if err := scan(&p.ID, &p.Email, &p.Period, &p.ExternalID, &p.DisplayName,
		&p.SchoolID, &p.YearGroup, &p.Faculty, &createdAt); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = t
	return &p, nil
}

// scanCycleFact scans one cycle-fact row via the given scan function.
func scanCycleFact(scan func(...any) error) (*store.CycleFact, error) {
	var f store.CycleFact
	var vision, hearing, motor, language, cognition, social, overall sql.NullFloat64
	var completedAt sql.NullString
	if err := scan(&f.ID, &f.PersonYearID, &f.Ordinal, &f.Period,
		&vision, &hearing, &motor, &language, &cognition, &social, &overall, &completedAt); err != nil {
		return nil, err
	}
	f.Vision = floatPtr(vision)
	f.Hearing = floatPtr(hearing)
	f.Motor = floatPtr(motor)
	f.Language = floatPtr(language)
	f.Cognition = floatPtr(cognition)
	f.Social = floatPtr(social)
	f.Overall = floatPtr(overall)
	t, err := parseTimePtr(completedAt)
	if err != nil {
		return nil, err
	}
	f.CompletedAt = t
	return &f, nil
}
