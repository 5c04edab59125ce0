// Package store defines the destination-store contract for the sync engine.
//
// The analytical store is the durable, multi-year side of the system: the
// operational source is wiped and re-seeded every academic year, so the store
// is the only place where history survives. Two implementations satisfy the
// Store interface:
//
//   - store/sqlite: embedded SQLite database (default, single host)
//   - store/postgres: Postgres via the pgx stdlib driver
//
// # Critical Patterns
//
// CP-1: Composite Natural Keys
//   - person_years:     UNIQUE(email, academic_period)
//   - cycle_facts:      UNIQUE(person_year_id, cycle_ordinal, academic_period)
//   - response_facts:   UNIQUE(person_year_id, cycle_ordinal, academic_period, item_id)
//   - cohort_statistics: UNIQUE(scope, academic_period, cycle_ordinal, element)
//
// Every upsert MUST conflict on the full composite key. Conflicting on a
// strict subset (for example email alone) either rejects legitimate
// re-enrollment rows or overwrites the period of an archived row.
//
// CP-2: Idempotent Upserts
//   - All writes use INSERT ... ON CONFLICT (...) DO UPDATE
//   - Re-applying an identical batch leaves the row set unchanged
//
// CP-3: Period-Scoped Deletion
//   - DeleteCycleFact takes the academic period as part of the key; rows
//     tagged with a past period are structurally unreachable from a
//     current-period delete
//
// The source-issued external id is stored as a descriptive attribute only.
// It is re-issued by the source every year and is never part of a key.
package store
