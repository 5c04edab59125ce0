package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brightmetrics/cohortsync/internal/store"
)

// GetPersonYear returns the person-year for (email, period), or store.ErrNotFound.
func (s *Store) GetPersonYear(ctx context.Context, email, period string) (*store.PersonYear, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, academic_period, external_id, display_name,
		       school_id, year_group, faculty, created_at
		FROM person_years
		WHERE email = $1 AND academic_period = $2
	`, email, period)

	var p store.PersonYear
	err := row.Scan(&p.ID, &p.Email, &p.Period, &p.ExternalID, &p.DisplayName,
		&p.SchoolID, &p.YearGroup, &p.Faculty, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get person year: %w", err)
	}
	return &p, nil
}

// ListPersonYearsForPeriod returns all person-years for a period, ordered by email.
func (s *Store) ListPersonYearsForPeriod(ctx context.Context, period string) ([]store.PersonYear, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, academic_period, external_id, display_name,
		       school_id, year_group, faculty, created_at
		FROM person_years
		WHERE academic_period = $1
		ORDER BY email ASC
	`, period)
	if err != nil {
		return nil, fmt.Errorf("list person years: %w", err)
	}
	defer rows.Close()

	out := []store.PersonYear{}
	for rows.Next() {
		var p store.PersonYear
		if err := rows.Scan(&p.ID, &p.Email, &p.Period, &p.ExternalID, &p.DisplayName,
			&p.SchoolID, &p.YearGroup, &p.Faculty, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan person year: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate person years: %w", err)
	}
	return out, nil
}

// GetCycleFact returns the cycle fact for the full composite key, or store.ErrNotFound.
func (s *Store) GetCycleFact(ctx context.Context, personYearID int64, ordinal int, period string) (*store.CycleFact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, person_year_id, cycle_ordinal, academic_period,
		       vision, hearing, motor, language, cognition, social, overall, completed_at
		FROM cycle_facts
		WHERE person_year_id = $1 AND cycle_ordinal = $2 AND academic_period = $3
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

// ListCycleFacts returns every cycle fact for a person-year across all periods.
func (s *Store) ListCycleFacts(ctx context.Context, personYearID int64) ([]store.CycleFact, error) {
	return s.queryCycleFacts(ctx, `
		SELECT id, person_year_id, cycle_ordinal, academic_period,
		       vision, hearing, motor, language, cognition, social, overall, completed_at
		FROM cycle_facts
		WHERE person_year_id = $1
		ORDER BY academic_period ASC, cycle_ordinal ASC
	`, personYearID)
}

// ListCycleFactsForPeriod returns every cycle fact tagged with a period.
func (s *Store) ListCycleFactsForPeriod(ctx context.Context, period string) ([]store.CycleFact, error) {
	return s.queryCycleFacts(ctx, `
		SELECT id, person_year_id, cycle_ordinal, academic_period,
		       vision, hearing, motor, language, cognition, social, overall, completed_at
		FROM cycle_facts
		WHERE academic_period = $1
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
		WHERE person_year_id = $1 AND cycle_ordinal = $2 AND academic_period = $3
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
		if value.Valid {
			v := value.Float64
			f.Value = &v
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate response facts: %w", err)
	}
	return out, nil
}

// ListStatistics returns the statistics for (scope, period).
func (s *Store) ListStatistics(ctx context.Context, scope, period string) ([]store.CohortStatistic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, academic_period, cycle_ordinal, element,
		       record_count, mean, stddev, p25, p50, p75, histogram
		FROM cohort_statistics
		WHERE scope = $1 AND academic_period = $2
		ORDER BY cycle_ordinal ASC, element ASC
	`, scope, period)
	if err != nil {
		return nil, fmt.Errorf("list statistics: %w", err)
	}
	defer rows.Close()

	out := []store.CohortStatistic{}
	for rows.Next() {
		var st store.CohortStatistic
		var hist []byte
		if err := rows.Scan(&st.ID, &st.Scope, &st.Period, &st.Ordinal, &st.Element,
			&st.Count, &st.Mean, &st.StdDev, &st.P25, &st.P50, &st.P75, &hist); err != nil {
			return nil, fmt.Errorf("scan statistic: %w", err)
		}
		var vals []int64
		if err := json.Unmarshal(hist, &vals); err != nil {
			return nil, fmt.Errorf("scan statistic: histogram: %w", err)
		}
		if len(vals) != store.HistogramBuckets {
			return nil, fmt.Errorf("scan statistic: histogram has %d buckets, want %d", len(vals), store.HistogramBuckets)
		}
		copy(st.Histogram[:], vals)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statistics: %w", err)
	}
	return out, nil
}

func scanCycleFact(scan func(...any) error) (*store.CycleFact, error) {
	var f store.CycleFact
	var vision, hearing, motor, language, cognition, social, overall sql.NullFloat64
	var completedAt sql.NullTime
	if err := scan(&f.ID, &f.PersonYearID, &f.Ordinal, &f.Period,
		&vision, &hearing, &motor, &language, &cognition, &social, &overall, &completedAt); err != nil {
		return nil, err
	}
	assign := func(nf sql.NullFloat64) *float64 {
		if !nf.Valid {
			return nil
		}
		v := nf.Float64
		return &v
	}
	f.Vision = assign(vision)
	f.Hearing = assign(hearing)
	f.Motor = assign(motor)
	f.Language = assign(language)
	f.Cognition = assign(cognition)
	f.Social = assign(social)
	f.Overall = assign(overall)
	if completedAt.Valid {
		t := completedAt.Time
		f.CompletedAt = &t
	}
	return &f, nil
}
