// Package source reads raw records from the operational assessment system.
//
// The source is mutable and reset every academic year: all records are
// deleted and re-created with fresh external ids at roll-over. The
// connector is strictly read-only and exposes exhaustive pagination, a
// uniform retry policy and a circuit breaker. Nothing downstream should
// ever talk to the source directly.
package source

import (
	"time"
)

// Entity types served by the source's listing endpoint.
const (
	EntityStudents = "students"
)

// RawResponse is one per-item answer inside a raw record.
type RawResponse struct {
	ItemID  string   `json:"item_id"`
	Ordinal int      `json:"ordinal"`
	Element string   `json:"element"`
	Value   *float64 `json:"value"`
}

// RawRecord is one student row as the source serves it.
//
// The source exposes one complete set of score fields per cycle ordinal
// (vision_1 … social_3), not a single indicator field. Presence of a value
// in one ordinal's fields says nothing about the other ordinals. The id is
// re-issued by the source every year and must never be used as a durable key.
type RawRecord struct {
	ExternalID  string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"name"`
	SchoolID    string     `json:"school_id"`
	YearGroup   string     `json:"year_group"`
	Faculty     string     `json:"faculty"`
	RegionMode  string     `json:"region_mode"`
	CreatedAt   *time.Time `json:"created_at"`

	Vision1    *float64   `json:"vision_1"`
	Hearing1   *float64   `json:"hearing_1"`
	Motor1     *float64   `json:"motor_1"`
	Language1  *float64   `json:"language_1"`
	Cognition1 *float64   `json:"cognition_1"`
	Social1    *float64   `json:"social_1"`
	Completed1 *time.Time `json:"completed_at_1"`

	Vision2    *float64   `json:"vision_2"`
	Hearing2   *float64   `json:"hearing_2"`
	Motor2     *float64   `json:"motor_2"`
	Language2  *float64   `json:"language_2"`
	Cognition2 *float64   `json:"cognition_2"`
	Social2    *float64   `json:"social_2"`
	Completed2 *time.Time `json:"completed_at_2"`

	Vision3    *float64   `json:"vision_3"`
	Hearing3   *float64   `json:"hearing_3"`
	Motor3     *float64   `json:"motor_3"`
	Language3  *float64   `json:"language_3"`
	Cognition3 *float64   `json:"cognition_3"`
	Social3    *float64   `json:"social_3"`
	Completed3 *time.Time `json:"completed_at_3"`

	Responses []RawResponse `json:"responses"`
}

// SchemaDoc is the source's self-description: the field names its listing
// endpoint serves per entity type. The connector validates its static
// field mapping against this at startup.
type SchemaDoc struct {
	Entities map[string][]string `json:"entities"`
}

// listPage is the wire shape of one listing page.
type listPage struct {
	Records []RawRecord `json:"records"`
}
