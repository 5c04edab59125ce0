package source

import (
	"fmt"
	"time"
)

// OrdinalScores is one ordinal's slice of a raw record: the element scores
// keyed by element name plus that ordinal's completion date.
type OrdinalScores struct {
	Ordinal     int
	Scores      map[string]*float64
	CompletedAt *time.Time
}

// ordinalAccessor extracts one ordinal's fields from a raw record.
type ordinalAccessor struct {
	// fields lists the wire names this accessor reads, used to validate
	// the mapping against the source schema at startup.
	fields []string
	read   func(*RawRecord) OrdinalScores
}

// ordinalFields is the static mapping from cycle ordinal to field
// accessors. An explicit table instead of building field-name strings at
// runtime: the table is checked against the source schema once at startup,
// so a renamed source field fails loudly there instead of silently reading
// nothing for a whole run.
var ordinalFields = map[int]ordinalAccessor{
	1: {
		fields: []string{"vision_1", "hearing_1", "motor_1", "language_1", "cognition_1", "social_1", "completed_at_1"},
		read: func(r *RawRecord) OrdinalScores {
			return OrdinalScores{
				Ordinal: 1,
				Scores: map[string]*float64{
					"vision": r.Vision1, "hearing": r.Hearing1, "motor": r.Motor1,
					"language": r.Language1, "cognition": r.Cognition1, "social": r.Social1,
				},
				CompletedAt: r.Completed1,
			}
		},
	},
	2: {
		fields: []string{"vision_2", "hearing_2", "motor_2", "language_2", "cognition_2", "social_2", "completed_at_2"},
		read: func(r *RawRecord) OrdinalScores {
			return OrdinalScores{
				Ordinal: 2,
				Scores: map[string]*float64{
					"vision": r.Vision2, "hearing": r.Hearing2, "motor": r.Motor2,
					"language": r.Language2, "cognition": r.Cognition2, "social": r.Social2,
				},
				CompletedAt: r.Completed2,
			}
		},
	},
	3: {
		fields: []string{"vision_3", "hearing_3", "motor_3", "language_3", "cognition_3", "social_3", "completed_at_3"},
		read: func(r *RawRecord) OrdinalScores {
			return OrdinalScores{
				Ordinal: 3,
				Scores: map[string]*float64{
					"vision": r.Vision3, "hearing": r.Hearing3, "motor": r.Motor3,
					"language": r.Language3, "cognition": r.Cognition3, "social": r.Social3,
				},
				CompletedAt: r.Completed3,
			}
		},
	},
}

// MaxOrdinal is the highest cycle ordinal the mapping table covers.
const MaxOrdinal = 3

// ScoresForOrdinal returns one ordinal's slice of a raw record.
func ScoresForOrdinal(r *RawRecord, ordinal int) (OrdinalScores, error) {
	acc, ok := ordinalFields[ordinal]
	if !ok {
		return OrdinalScores{}, fmt.Errorf("no field mapping for ordinal %d", ordinal)
	}
	return acc.read(r), nil
}

// ValidateFieldMapping checks the static mapping table against the field
// list the source advertises for an entity type. Returns an error naming
// every missing field.
func ValidateFieldMapping(doc *SchemaDoc, entityType string) error {
	served, ok := doc.Entities[entityType]
	if !ok {
		return fmt.Errorf("source schema has no entity %q", entityType)
	}
	have := make(map[string]bool, len(served))
	for _, f := range served {
		have[f] = true
	}

	var missing []string
	for ordinal := 1; ordinal <= MaxOrdinal; ordinal++ {
		for _, f := range ordinalFields[ordinal].fields {
			if !have[f] {
				missing = append(missing, f)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("source schema for %q is missing mapped fields %v", entityType, missing)
	}
	return nil
}
