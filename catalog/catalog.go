/*
Package catalog holds the static table of reportable labor event types.

PURPOSE:
  Every event the engine can report belongs to exactly one Definition:
  a government event code, the reporting group that decides which events
  may share a submission batch, a human name and description, and the
  deadline rule used to compute due dates.

KEY CONCEPTS:
  - EventType: Government event code (e.g. "S-2200")
  - Group:     TABLES | NON_PERIODIC | PERIODIC
  - Deadline:  Calendar-day offset from a caller supplied reference date

DEADLINES:
  Deadline arithmetic is plain calendar days. The caller decides what the
  reference date is (hire date, termination date, first day of the month
  after the payroll period, ...). Weekends and holidays are NOT skipped.

SEE ALSO:
  - pipeline/kind.go: Per-type validate/build registry keyed by EventType
  - events/: Concrete event kinds
*/
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// TYPES
// =============================================================================

// EventType is a government event code.
type EventType string

// Group classifies event types for batching compatibility.
type Group string

const (
	GroupTables      Group = "TABLES"
	GroupNonPeriodic Group = "NON_PERIODIC"
	GroupPeriodic    Group = "PERIODIC"
)

// Valid reports whether g is one of the known groups.
func (g Group) Valid() bool {
	switch g {
	case GroupTables, GroupNonPeriodic, GroupPeriodic:
		return true
	}
	return false
}

// Groups returns every group in display order.
func Groups() []Group {
	return []Group{GroupTables, GroupNonPeriodic, GroupPeriodic}
}

const (
	TypeEmployerInfo         EventType = "S-1000"
	TypeEstablishments       EventType = "S-1005"
	TypeRubricTable          EventType = "S-1010"
	TypeTaxLocations         EventType = "S-1020"
	TypeRemuneration         EventType = "S-1200"
	TypePayments             EventType = "S-1210"
	TypePeriodReopening      EventType = "S-1298"
	TypePeriodClosing        EventType = "S-1299"
	TypePreliminaryAdmission EventType = "S-2190"
	TypeAdmission            EventType = "S-2200"
	TypeRegistrationChange   EventType = "S-2205"
	TypeContractChange       EventType = "S-2206"
	TypeLeave                EventType = "S-2230"
	TypeTermination          EventType = "S-2299"
	TypeNonEmployeeStart     EventType = "S-2300"
	TypeExclusion            EventType = "S-3000"
)

// Definition is the immutable metadata of one event type.
type Definition struct {
	Type        EventType
	Group       Group
	Name        string
	Description string

	// DeadlineDays is nil when the type has no fixed deadline.
	DeadlineDays *int
}

// HasDeadline reports whether the definition carries a deadline rule.
func (d Definition) HasDeadline() bool { return d.DeadlineDays != nil }

// =============================================================================
// ERRORS
// =============================================================================

// ErrUnknownEventType is returned when a type is not in the catalog.
var ErrUnknownEventType = errors.New("unknown event type")

// UnknownEventTypeError names the type that failed to resolve.
type UnknownEventTypeError struct {
	Type EventType
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type: %q", string(e.Type))
}

func (e *UnknownEventTypeError) Unwrap() error { return ErrUnknownEventType }

// =============================================================================
// STATIC TABLE
// =============================================================================

func days(n int) *int { return &n }

var definitions = map[EventType]Definition{
	TypeEmployerInfo: {
		Type: TypeEmployerInfo, Group: GroupTables,
		Name:        "Employer information",
		Description: "Registration data of the employer, classification and software identification.",
	},
	TypeEstablishments: {
		Type: TypeEstablishments, Group: GroupTables,
		Name:        "Establishments",
		Description: "Establishments and work sites of the employer.",
	},
	TypeRubricTable: {
		Type: TypeRubricTable, Group: GroupTables,
		Name:        "Rubric table",
		Description: "Payroll components with their nature code and contribution incidence.",
	},
	TypeTaxLocations: {
		Type: TypeTaxLocations, Group: GroupTables,
		Name:        "Tax locations",
		Description: "Tax locations where the employer withholds social contributions.",
	},
	TypeRemuneration: {
		Type: TypeRemuneration, Group: GroupPeriodic,
		Name:         "Worker remuneration",
		Description:  "Per-worker remuneration of the payroll period broken down by rubric.",
		DeadlineDays: days(15),
	},
	TypePayments: {
		Type: TypePayments, Group: GroupPeriodic,
		Name:         "Labor income payments",
		Description:  "Payments made to workers in the period and withholding data.",
		DeadlineDays: days(15),
	},
	TypePeriodReopening: {
		Type: TypePeriodReopening, Group: GroupPeriodic,
		Name:        "Period reopening",
		Description: "Reopens a closed periodic reporting period for corrections.",
	},
	TypePeriodClosing: {
		Type: TypePeriodClosing, Group: GroupPeriodic,
		Name:         "Period closing",
		Description:  "Closes the periodic reporting period after every remuneration was sent.",
		DeadlineDays: days(15),
	},
	TypePreliminaryAdmission: {
		Type: TypePreliminaryAdmission, Group: GroupNonPeriodic,
		Name:         "Preliminary admission",
		Description:  "Minimal admission record sent before the full admission event.",
		DeadlineDays: days(1),
	},
	TypeAdmission: {
		Type: TypeAdmission, Group: GroupNonPeriodic,
		Name:         "Worker admission",
		Description:  "Hiring of an employee with registration and contract data.",
		DeadlineDays: days(1),
	},
	TypeRegistrationChange: {
		Type: TypeRegistrationChange, Group: GroupNonPeriodic,
		Name:         "Registration change",
		Description:  "Change in the worker's personal registration data.",
		DeadlineDays: days(15),
	},
	TypeContractChange: {
		Type: TypeContractChange, Group: GroupNonPeriodic,
		Name:         "Contract change",
		Description:  "Change in the worker's employment contract.",
		DeadlineDays: days(15),
	},
	TypeLeave: {
		Type: TypeLeave, Group: GroupNonPeriodic,
		Name:         "Temporary leave",
		Description:  "Start and end of a worker's temporary leave of absence.",
		DeadlineDays: days(15),
	},
	TypeTermination: {
		Type: TypeTermination, Group: GroupNonPeriodic,
		Name:         "Worker termination",
		Description:  "Termination of the employment relationship.",
		DeadlineDays: days(10),
	},
	TypeNonEmployeeStart: {
		Type: TypeNonEmployeeStart, Group: GroupNonPeriodic,
		Name:         "Non-employee start",
		Description:  "Start of a relationship with a worker without employment bond.",
		DeadlineDays: days(15),
	},
	TypeExclusion: {
		Type: TypeExclusion, Group: GroupNonPeriodic,
		Name:        "Event exclusion",
		Description: "Retracts a previously accepted event.",
	},
}

// =============================================================================
// LOOKUP
// =============================================================================

// Lookup returns the definition for t.
func Lookup(t EventType) (Definition, error) {
	d, ok := definitions[t]
	if !ok {
		return Definition{}, &UnknownEventTypeError{Type: t}
	}
	return d, nil
}

// MustLookup is Lookup for types known at compile time.
func MustLookup(t EventType) Definition {
	d, err := Lookup(t)
	if err != nil {
		panic(err)
	}
	return d
}

// Definitions returns the whole catalog ordered by type.
func Definitions() []Definition {
	out := make([]Definition, 0, len(definitions))
	for _, d := range definitions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Deadline returns triggerDate + DeadlineDays, or nil when the type has no
// fixed deadline. The time of day of triggerDate is dropped.
func Deadline(t EventType, triggerDate time.Time) (*time.Time, error) {
	d, err := Lookup(t)
	if err != nil {
		return nil, err
	}
	if d.DeadlineDays == nil {
		return nil, nil
	}
	y, m, day := triggerDate.Date()
	due := time.Date(y, m, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, *d.DeadlineDays)
	return &due, nil
}
