package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brightmetrics/cohortsync/internal/store"
)

// BeginSyncRun records a run in status "running".
func (s *Store) BeginSyncRun(ctx context.Context, run *store.SyncRun) error {
	counters, anomalies, err := marshalRunJSON(run)
	if err != nil {
		return fmt.Errorf("begin sync run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_runs
		(id, status, academic_period, dry_run, started_at, finished_at, counters, anomalies)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		run.ID, run.Status, run.Period, run.DryRun,
		run.StartedAt.UTC(), run.FinishedAt, counters, anomalies,
	)
	if err != nil {
		return fmt.Errorf("begin sync run: %w", err)
	}
	return nil
}

// FinalizeSyncRun writes the run's terminal status, counters and anomalies.
func (s *Store) FinalizeSyncRun(ctx context.Context, run *store.SyncRun) error {
	counters, anomalies, err := marshalRunJSON(run)
	if err != nil {
		return fmt.Errorf("finalize sync run: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = $1, finished_at = $2, counters = $3, anomalies = $4
		WHERE id = $5
	`,
		run.Status, run.FinishedAt, counters, anomalies, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finalize sync run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize sync run: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("finalize sync run %s: %w", run.ID, store.ErrNotFound)
	}
	return nil
}

// GetSyncRun returns one run by id, or store.ErrNotFound.
func (s *Store) GetSyncRun(ctx context.Context, id string) (*store.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, academic_period, dry_run, started_at, finished_at, counters, anomalies
		FROM sync_runs
		WHERE id = $1
	`, id)
	run, err := scanSyncRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync run: %w", err)
	}
	return run, nil
}

// LatestSyncRun returns the most recently started run, or store.ErrNotFound.
func (s *Store) LatestSyncRun(ctx context.Context) (*store.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, academic_period, dry_run, started_at, finished_at, counters, anomalies
		FROM sync_runs
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`)
	run, err := scanSyncRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest sync run: %w", err)
	}
	return run, nil
}

func marshalRunJSON(run *store.SyncRun) (counters, anomalies []byte, err error) {
	c := run.Counters
	if c == nil {
		c = map[string]*store.Counters{}
	}
	counters, err = json.Marshal(c)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal counters: %w", err)
	}
	a := run.Anomalies
	if a == nil {
		a = []store.Anomaly{}
	}
	anomalies, err = json.Marshal(a)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal anomalies: %w", err)
	}
	return counters, anomalies, nil
}

func scanSyncRun(scan func(...any) error) (*store.SyncRun, error) {
	var run store.SyncRun
	var finishedAt sql.NullTime
	var counters, anomalies []byte
	if err := scan(&run.ID, &run.Status, &run.Period, &run.DryRun,
		&run.StartedAt, &finishedAt, &counters, &anomalies); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	run.Counters = map[string]*store.Counters{}
	if err := json.Unmarshal(counters, &run.Counters); err != nil {
		return nil, fmt.Errorf("unmarshal counters: %w", err)
	}
	run.Anomalies = []store.Anomaly{}
	if err := json.Unmarshal(anomalies, &run.Anomalies); err != nil {
		return nil, fmt.Errorf("unmarshal anomalies: %w", err)
	}
	return &run, nil
}
