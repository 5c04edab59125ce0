package store

import (
	"time"
)

// MaxOrdinal is the highest cycle ordinal the source can report.
// Assessments run in at most three passes per academic year.
const MaxOrdinal = 3

// Elements lists the measured elements of a cycle in their canonical order.
// The order matters: statistics output and score comparison both rely on it.
var Elements = []string{"vision", "hearing", "motor", "language", "cognition", "social"}

// ElementOverall is the derived element computed from the six measured ones.
const ElementOverall = "overall"

// Score range and histogram shape shared by every element. Every statistic
// uses the same bucket count; mixing widths across elements makes
// distributions incomparable.
const (
	ScoreMin = 0
	ScoreMax = 100

	HistogramBuckets     = 10 // buckets per distribution
	HistogramBucketWidth = 10 // score units covered by one bucket
)

// PersonYear is one person's identity scoped to one academic period.
// Key: (Email, Period). The external id is re-issued annually by the source
// and is descriptive only.
type PersonYear struct {
	ID          int64
	Email       string
	Period      string
	ExternalID  string
	DisplayName string
	SchoolID    string
	YearGroup   string
	Faculty     string
	CreatedAt   time.Time
}

// CycleFact is one completed assessment pass for a PersonYear.
// Key: (PersonYearID, Ordinal, Period). A nil element score means the
// element was not measured in that pass.
type CycleFact struct {
	ID           int64
	PersonYearID int64
	Ordinal      int
	Period       string
	Vision       *float64
	Hearing      *float64
	Motor        *float64
	Language     *float64
	Cognition    *float64
	Social       *float64
	Overall      *float64
	CompletedAt  *time.Time
}

// Scores returns the six measured element scores in canonical element order.
func (c *CycleFact) Scores() []*float64 {
	return []*float64{c.Vision, c.Hearing, c.Motor, c.Language, c.Cognition, c.Social}
}

// SetScore assigns the score for a named element. Unknown elements are ignored.
func (c *CycleFact) SetScore(element string, v *float64) {
	switch element {
	case "vision":
		c.Vision = v
	case "hearing":
		c.Hearing = v
	case "motor":
		c.Motor = v
	case "language":
		c.Language = v
	case "cognition":
		c.Cognition = v
	case "social":
		c.Social = v
	case ElementOverall:
		c.Overall = v
	}
}

// Score returns the score for a named element, nil when unset or unknown.
func (c *CycleFact) Score(element string) *float64 {
	switch element {
	case "vision":
		return c.Vision
	case "hearing":
		return c.Hearing
	case "motor":
		return c.Motor
	case "language":
		return c.Language
	case "cognition":
		return c.Cognition
	case "social":
		return c.Social
	case ElementOverall:
		return c.Overall
	}
	return nil
}

// HasAnyScore reports whether at least one measured element is non-nil.
// A cycle with every element nil does not exist as far as the store is
// concerned, even when the source exposes field slots for it.
func (c *CycleFact) HasAnyScore() bool {
	for _, s := range c.Scores() {
		if s != nil {
			return true
		}
	}
	return false
}

// SameScores reports whether two facts carry pairwise-identical element
// scores (nil matches only nil). The derived overall is excluded: it
// follows from the elements.
func SameScores(a, b *CycleFact) bool {
	as, bs := a.Scores(), b.Scores()
	for i := range as {
		if (as[i] == nil) != (bs[i] == nil) {
			return false
		}
		if as[i] != nil && *as[i] != *bs[i] {
			return false
		}
	}
	return true
}

// ResponseFact is a per-item measurement underneath a CycleFact.
// Key: (PersonYearID, Ordinal, Period, ItemID).
type ResponseFact struct {
	ID           int64
	PersonYearID int64
	Ordinal      int
	Period       string
	ItemID       string
	Element      string
	Value        *float64
}

// CohortStatistic is an aggregate over (Scope, Period, Ordinal, Element).
// Rows are fully recomputed and replaced each run; they are never mutated
// incrementally.
type CohortStatistic struct {
	ID        int64
	Scope     string // "school:<id>" or "national"
	Period    string
	Ordinal   int
	Element   string
	Count     int64
	Mean      float64
	StdDev    float64 // population standard deviation
	P25       float64
	P50       float64
	P75       float64
	Histogram [HistogramBuckets]int64
}

// Sync run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Counters accumulates per-entity-type outcomes for one run phase.
type Counters struct {
	Input      int64 `json:"input"`
	Inserted   int64 `json:"inserted"`
	Updated    int64 `json:"updated"`
	Deleted    int64 `json:"deleted"`
	Skipped    int64 `json:"skipped"`
	Errored    int64 `json:"errored"`
	DurationMS int64 `json:"duration_ms"`
}

// Add merges other into c.
func (c *Counters) Add(other Counters) {
	c.Input += other.Input
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Deleted += other.Deleted
	c.Skipped += other.Skipped
	c.Errored += other.Errored
	c.DurationMS += other.DurationMS
}

// Anomaly categories recorded on a run.
const (
	AnomalyDateDiscrepancy     = "date_discrepancy"
	AnomalyDuplicateSuppressed = "duplicate_suppressed"
	AnomalyRecordSkipped       = "record_skipped"
	AnomalyPhaseFailed         = "phase_failed"
)

// Anomaly is one operator-visible irregularity observed during a run.
type Anomaly struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Email    string `json:"email,omitempty"`
	Period   string `json:"period,omitempty"`
	Ordinal  int    `json:"ordinal,omitempty"`
}

// SyncRun is one execution's metadata: status, timing, per-entity counters
// and the anomaly list. Created at run start, finalized at run end or on
// fatal abort.
type SyncRun struct {
	ID         string
	Status     string
	Period     string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt *time.Time
	Counters   map[string]*Counters // keyed by entity type
	Anomalies  []Anomaly
}

// Counter returns the counter block for an entity type, creating it if absent.
func (r *SyncRun) Counter(entityType string) *Counters {
	if r.Counters == nil {
		r.Counters = make(map[string]*Counters)
	}
	c, ok := r.Counters[entityType]
	if !ok {
		c = &Counters{}
		r.Counters[entityType] = c
	}
	return c
}

// TotalSkipped sums skip counts across entity types.
func (r *SyncRun) TotalSkipped() int64 {
	var n int64
	for _, c := range r.Counters {
		n += c.Skipped
	}
	return n
}

// TotalErrored sums error counts across entity types.
func (r *SyncRun) TotalErrored() int64 {
	var n int64
	for _, c := range r.Counters {
		n += c.Errored
	}
	return n
}
