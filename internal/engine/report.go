package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/brightmetrics/cohortsync/internal/store"
)

// Report is the structured run artifact handed to the notification layer.
// It always carries the skip and error totals: a run that "succeeds" while
// silently dropping records is a design violation, so the drops are made
// impossible to miss.
type Report struct {
	RunID        string                    `json:"run_id"`
	Status       string                    `json:"status"`
	Period       string                    `json:"period"`
	DryRun       bool                      `json:"dry_run"`
	StartedAt    time.Time                 `json:"started_at"`
	FinishedAt   *time.Time                `json:"finished_at,omitempty"`
	DurationMS   int64                     `json:"duration_ms"`
	Entities     map[string]store.Counters `json:"entities"`
	TotalSkipped int64                     `json:"total_skipped"`
	TotalErrored int64                     `json:"total_errored"`
	Anomalies    []store.Anomaly           `json:"anomalies"`
}

// BuildReport assembles the report document from a finalized run.
func BuildReport(run *store.SyncRun) Report {
	r := Report{
		RunID:        run.ID,
		Status:       run.Status,
		Period:       run.Period,
		DryRun:       run.DryRun,
		StartedAt:    run.StartedAt.UTC(),
		Entities:     map[string]store.Counters{},
		TotalSkipped: run.TotalSkipped(),
		TotalErrored: run.TotalErrored(),
		Anomalies:    run.Anomalies,
	}
	if run.FinishedAt != nil {
		t := run.FinishedAt.UTC()
		r.FinishedAt = &t
		r.DurationMS = t.Sub(r.StartedAt).Milliseconds()
	}
	for entity, c := range run.Counters {
		r.Entities[entity] = *c
	}
	if r.Anomalies == nil {
		r.Anomalies = []store.Anomaly{}
	}
	return r
}

// JSON renders the report as indented JSON.
func (r Report) JSON() ([]byte, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return b, nil
}

// Text renders a terminal-friendly summary.
func (r Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s) period=%s status=%s", r.RunID, modeLabel(r.DryRun), r.Period, r.Status)
	if r.FinishedAt != nil {
		fmt.Fprintf(&b, " duration=%dms", r.DurationMS)
	}
	b.WriteString("\n")

	entities := make([]string, 0, len(r.Entities))
	for e := range r.Entities {
		entities = append(entities, e)
	}
	sort.Strings(entities)
	for _, e := range entities {
		c := r.Entities[e]
		fmt.Fprintf(&b, "  %-15s input=%d inserted=%d updated=%d deleted=%d skipped=%d errored=%d\n",
			e, c.Input, c.Inserted, c.Updated, c.Deleted, c.Skipped, c.Errored)
	}

	if len(r.Anomalies) > 0 {
		fmt.Fprintf(&b, "  anomalies (%d):\n", len(r.Anomalies))
		for _, a := range r.Anomalies {
			fmt.Fprintf(&b, "    [%s] %s\n", a.Category, a.Message)
		}
	}
	return b.String()
}

func modeLabel(dryRun bool) string {
	if dryRun {
		return "dry-run"
	}
	return "sync"
}
