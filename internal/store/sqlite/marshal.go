package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brightmetrics/cohortsync/internal/store"
)

// Timestamps are stored as RFC3339Nano text in UTC. Text columns keep the
// schema portable and make rows greppable with the sqlite3 shell.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func marshalCounters(c map[string]*store.Counters) (string, error) {
	if c == nil {
		c = map[string]*store.Counters{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal counters: %w", err)
	}
	return string(b), nil
}

func unmarshalCounters(s string) (map[string]*store.Counters, error) {
	c := map[string]*store.Counters{}
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("unmarshal counters: %w", err)
	}
	return c, nil
}

func marshalAnomalies(a []store.Anomaly) (string, error) {
	if a == nil {
		a = []store.Anomaly{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal anomalies: %w", err)
	}
	return string(b), nil
}

func unmarshalAnomalies(s string) ([]store.Anomaly, error) {
	a := []store.Anomaly{}
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return nil, fmt.Errorf("unmarshal anomalies: %w", err)
	}
	return a, nil
}

func marshalHistogram(h [store.HistogramBuckets]int64) (string, error) {
	b, err := json.Marshal(h[:])
	if err != nil {
		return "", fmt.Errorf("marshal histogram: %w", err)
	}
	return string(b), nil
}

func unmarshalHistogram(s string) ([store.HistogramBuckets]int64, error) {
	var h [store.HistogramBuckets]int64
	var vals []int64
	if err := json.Unmarshal([]byte(s), &vals); err != nil {
		return h, fmt.Errorf("unmarshal histogram: %w", err)
	}
	if len(vals) != store.HistogramBuckets {
		return h, fmt.Errorf("histogram has %d buckets, want %d", len(vals), store.HistogramBuckets)
	}
	copy(h[:], vals)
	return h, nil
}
