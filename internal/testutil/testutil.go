// Package testutil provides shared fixtures for engine and CLI tests:
// a deterministic clock, an in-memory source, and raw record builders.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/brightmetrics/cohortsync/internal/source"
)

// Clock is a settable time source for tests. Pass its Now method wherever
// a time func is injected.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock fixed at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fixed time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// FakeSource serves a fixed record set in place of the HTTP connector.
type FakeSource struct {
	Records []source.RawRecord
	Doc     *source.SchemaDoc

	// FetchErr and SchemaErr, when set, are returned instead of data.
	FetchErr  error
	SchemaErr error

	mu         sync.Mutex
	fetchCalls int
}

// NewFakeSource creates a source serving the given records with a schema
// that satisfies the connector's field mapping.
func NewFakeSource(records ...source.RawRecord) *FakeSource {
	return &FakeSource{Records: records, Doc: FullSchema()}
}

// FetchAll returns the fixed record set.
func (f *FakeSource) FetchAll(ctx context.Context, entityType string) ([]source.RawRecord, error) {
	f.mu.Lock()
	f.fetchCalls++
	f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	out := make([]source.RawRecord, len(f.Records))
	copy(out, f.Records)
	return out, nil
}

// Schema returns the configured schema document.
func (f *FakeSource) Schema(ctx context.Context) (*source.SchemaDoc, error) {
	if f.SchemaErr != nil {
		return nil, f.SchemaErr
	}
	return f.Doc, nil
}

// FetchCalls reports how many times FetchAll was invoked.
func (f *FakeSource) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// FullSchema returns a schema document listing every field the connector's
// mapping table expects for the students entity.
func FullSchema() *source.SchemaDoc {
	fields := []string{
		"id", "email", "name", "school_id", "year_group", "faculty",
		"region_mode", "created_at",
	}
	elements := []string{"vision", "hearing", "motor", "language", "cognition", "social"}
	for ord := 1; ord <= source.MaxOrdinal; ord++ {
		for _, el := range elements {
			fields = append(fields, el+"_"+string(rune('0'+ord)))
		}
		fields = append(fields, "completed_at_"+string(rune('0'+ord)))
	}
	return &source.SchemaDoc{Entities: map[string][]string{
		source.EntityStudents: fields,
	}}
}

// F returns a pointer to v, for score literals in fixtures.
func F(v float64) *float64 { return &v }

// T returns a pointer to t, for timestamp literals in fixtures.
func T(t time.Time) *time.Time { return &t }

// Record builds a raw student record with ordinal 1 scores filled in.
func Record(email, school string, completed time.Time, scores ...float64) source.RawRecord {
	vals := []float64{70, 70, 70, 70, 70, 70}
	copy(vals, scores)
	return source.RawRecord{
		ExternalID:  "ext-" + email,
		Email:       email,
		DisplayName: email,
		SchoolID:    school,
		Vision1:     F(vals[0]),
		Hearing1:    F(vals[1]),
		Motor1:      F(vals[2]),
		Language1:   F(vals[3]),
		Cognition1:  F(vals[4]),
		Social1:     F(vals[5]),
		Completed1:  T(completed),
	}
}
