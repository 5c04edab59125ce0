package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/brightmetrics/cohortsync/internal/period"
	"github.com/brightmetrics/cohortsync/internal/source"
	"github.com/brightmetrics/cohortsync/internal/store"
)

// NormalizeEmail canonicalizes a natural key: trimmed, lowercased, NFC.
// The same mailbox arriving with different casing or a decomposed accent
// must map to one identity.
func NormalizeEmail(email string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(email)))
}

// resolvedIdentity is the output of identity resolution for one raw record.
type resolvedIdentity struct {
	person  *store.PersonYear
	outcome store.Outcome
	// periodLabel is the academic period the record resolves to.
	periodLabel string
	// dateSource records which input produced the effective date.
	dateSource period.DateSource
	// anomalies collects operator-visible irregularities (date disagreement).
	anomalies []store.Anomaly
}

// resolveIdentity maps a raw record to its durable (email, period) identity,
// creating the person-year if absent and refreshing non-identity attributes
// otherwise.
//
// The lookup and the upsert both use the full composite key. Keying on the
// email alone would make a re-enrollment in a later year collide with the
// archived row for the earlier year.
func (e *Engine) resolveIdentity(ctx context.Context, rec *source.RawRecord, now time.Time) (*resolvedIdentity, error) {
	email := NormalizeEmail(rec.Email)
	if email == "" {
		return nil, NewRecordError(ErrCodeMissingKey, "record has no email", rec.ExternalID, "")
	}

	mode := e.mode
	if rec.RegionMode != "" {
		m, err := period.ParseMode(rec.RegionMode)
		if err != nil {
			return nil, &SyncError{Code: ErrCodeBadValue, Message: err.Error(), Email: email}
		}
		mode = m
	}

	completion := earliestCompletion(rec)
	effective, src := period.EffectiveDate(completion, rec.CreatedAt, now)
	label := period.Resolve(effective, mode, e.cutoff)

	var anomalies []store.Anomaly
	if period.Disagree(completion, rec.CreatedAt, mode, e.cutoff) {
		anomalies = append(anomalies, store.Anomaly{
			Category: store.AnomalyDateDiscrepancy,
			Message: fmt.Sprintf("completion date resolves to %s but creation date resolves to %s; using completion",
				label, period.Resolve(*rec.CreatedAt, mode, e.cutoff)),
			Email:  email,
			Period: label,
		})
	}

	p := &store.PersonYear{
		Email:       email,
		Period:      label,
		ExternalID:  rec.ExternalID,
		DisplayName: rec.DisplayName,
		SchoolID:    rec.SchoolID,
		YearGroup:   rec.YearGroup,
		Faculty:     rec.Faculty,
		CreatedAt:   now,
	}
	outcome, err := e.store.UpsertPersonYear(ctx, p)
	if err != nil {
		return nil, &SyncError{Code: ErrCodeConstraint, Message: "person year upsert failed", Email: email, Period: label, Err: err}
	}

	return &resolvedIdentity{
		person:      p,
		outcome:     outcome,
		periodLabel: label,
		dateSource:  src,
		anomalies:   anomalies,
	}, nil
}

// earliestCompletion returns the earliest non-nil per-ordinal completion
// date of a record, which stands in as the record's authoritative
// completion date for period resolution.
func earliestCompletion(rec *source.RawRecord) *time.Time {
	var earliest *time.Time
	for _, t := range []*time.Time{rec.Completed1, rec.Completed2, rec.Completed3} {
		if t == nil {
			continue
		}
		if earliest == nil || t.Before(*earliest) {
			earliest = t
		}
	}
	return earliest
}
