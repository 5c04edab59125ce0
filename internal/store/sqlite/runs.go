package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brightmetrics/cohortsync/internal/store"
)

// BeginSyncRun records a run in status "running".
func (s *Store) BeginSyncRun(ctx context.Context, run *store.SyncRun) error {
	counters, err := marshalCounters(run.Counters)
	if err != nil {
		return fmt.Errorf("begin sync run: %w", err)
	}
	anomalies, err := marshalAnomalies(run.Anomalies)
	if err != nil {
		return fmt.Errorf("begin sync run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_runs
		(id, status, academic_period, dry_run, started_at, finished_at, counters, anomalies)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.Status, run.Period, boolInt(run.DryRun),
		formatTime(run.StartedAt), formatTimePtr(run.FinishedAt),
		counters, anomalies,
	)
	if err != nil {
		return fmt.Errorf("begin sync run: %w", err)
	}
	return nil
}

// FinalizeSyncRun writes the run's terminal status, counters and anomalies.
func (s *Store) FinalizeSyncRun(ctx context.Context, run *store.SyncRun) error {
	counters, err := marshalCounters(run.Counters)
	if err != nil {
		return fmt.Errorf("finalize sync run: %w", err)
	}
	anomalies, err := marshalAnomalies(run.Anomalies)
	if err != nil {
		return fmt.Errorf("finalize sync run: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = ?, finished_at = ?, counters = ?, anomalies = ?
		WHERE id = ?
	`,
		run.Status, formatTimePtr(run.FinishedAt), counters, anomalies, run.ID,
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
		WHERE id = ?
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

// LatestSyncRun returns the most recently started run, or store.ErrNotFound
// when no run has ever been recorded.
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

// AcquireRunLock takes the per-period advisory lock by inserting into
// run_locks. A conflicting insert means another run holds it. acquired_at
// is diagnostic lock metadata stamped from the wall clock; it is never read
// back into period resolution, the only logic that requires injected time.
func (s *Store) AcquireRunLock(ctx context.Context, period string) error {
	affected, err := s.execAffected(ctx, `
		INSERT INTO run_locks (academic_period, acquired_at)
		VALUES (?, ?)
		ON CONFLICT(academic_period) DO NOTHING
	`, period, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if affected == 0 {
		return store.ErrRunLockHeld
	}
	return nil
}

// ReleaseRunLock drops the per-period advisory lock. Releasing a lock that
// is not held is a no-op.
func (s *Store) ReleaseRunLock(ctx context.Context, period string) error {
	_, err := s.execAffected(ctx, `
		DELETE FROM run_locks WHERE academic_period = ?
	`, period)
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

func scanSyncRun(scan func(...any) error) (*store.SyncRun, error) {
	var run store.SyncRun
	var dryRun int
	var startedAt string
	var finishedAt sql.NullString
	var counters, anomalies string
	if err := scan(&run.ID, &run.Status, &run.Period, &dryRun,
		&startedAt, &finishedAt, &counters, &anomalies); err != nil {
		return nil, err
	}
	run.DryRun = dryRun != 0

	t, err := parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	run.StartedAt = t

	ft, err := parseTimePtr(finishedAt)
	if err != nil {
		return nil, err
	}
	run.FinishedAt = ft

	run.Counters, err = unmarshalCounters(counters)
	if err != nil {
		return nil, err
	}
	run.Anomalies, err = unmarshalAnomalies(anomalies)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
