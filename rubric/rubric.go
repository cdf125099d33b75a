/*
rubric.go - Payroll component definitions and their contribution incidence

PURPOSE:
  A rubric is an employer's payroll code (e.g. "101 - base salary") with
  the metadata the government needs to interpret amounts booked against
  it: whether it is an earning, a deduction or informative, which
  contributions it is subject to, and the external nature code.

VALIDITY WINDOWS:
  Rubrics are versioned by time. A rubric applies from StartDate until
  EndDate (inclusive), or indefinitely when EndDate is nil. Two ACTIVE
  rubrics of the same employer and code must never overlap.

  Incidence flags are never edited in place. To change how a code is
  taxed, close the old rubric with an EndDate and create a new one that
  starts the next day. Events built for past periods keep resolving to
  the rubric that was valid then.

SEE ALSO:
  - registry.go: Create/Update/Resolve with the overlap rule
  - events/remuneration.go: Resolves payslip items against rubrics
*/
package rubric

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// TYPES
// =============================================================================

// Type classifies the effect of a rubric on net pay.
type Type string

const (
	TypeEarning     Type = "EARNING"
	TypeDeduction   Type = "DEDUCTION"
	TypeInformative Type = "INFORMATIVE"
)

func (t Type) Valid() bool {
	switch t {
	case TypeEarning, TypeDeduction, TypeInformative:
		return true
	}
	return false
}

// Incidence describes whether a contribution applies to a rubric.
type Incidence string

const (
	IncidenceNormal        Incidence = "NORMAL"
	IncidenceExempt        Incidence = "EXEMPT"
	IncidenceSuspended     Incidence = "SUSPENDED"
	IncidenceNotApplicable Incidence = "NOT_APPLICABLE"
)

func (i Incidence) Valid() bool {
	switch i {
	case IncidenceNormal, IncidenceExempt, IncidenceSuspended, IncidenceNotApplicable:
		return true
	}
	return false
}

// Incidences holds one flag per contribution category.
type Incidences struct {
	SocialSecurity Incidence `json:"social_security"`
	IncomeTax      Incidence `json:"income_tax"`
	Severance      Incidence `json:"severance"`
	UnionDues      Incidence `json:"union_dues"`
}

func (in Incidences) validate() error {
	fields := []struct {
		name string
		v    Incidence
	}{
		{"incidences.social_security", in.SocialSecurity},
		{"incidences.income_tax", in.IncomeTax},
		{"incidences.severance", in.Severance},
		{"incidences.union_dues", in.UnionDues},
	}
	for _, f := range fields {
		if !f.v.Valid() {
			return invalid(f.name, fmt.Sprintf("unknown incidence %q", f.v))
		}
	}
	return nil
}

// Rubric is one validity window of an employer payroll code.
type Rubric struct {
	ID         string     `json:"id"`
	CompanyID  string     `json:"company_id"`
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	Type       Type       `json:"type"`
	Incidences Incidences `json:"incidences"`
	NatureCode string     `json:"nature_code"`
	StartDate  time.Time  `json:"start_date"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Covers reports whether the rubric's window contains day.
func (r Rubric) Covers(day time.Time) bool {
	day = truncateDay(day)
	if day.Before(r.StartDate) {
		return false
	}
	return r.EndDate == nil || !day.After(*r.EndDate)
}

// Overlaps reports whether the rubric's window intersects [from, to].
// A nil to means open-ended.
func (r Rubric) Overlaps(from time.Time, to *time.Time) bool {
	if to != nil && to.Before(r.StartDate) {
		return false
	}
	if r.EndDate != nil && r.EndDate.Before(from) {
		return false
	}
	return true
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Code     string
	Type     *Type
	IsActive *bool
}

// Matches reports whether r passes the filter.
func (f Filter) Matches(r Rubric) bool {
	if f.Code != "" && r.Code != f.Code {
		return false
	}
	if f.Type != nil && r.Type != *f.Type {
		return false
	}
	if f.IsActive != nil && r.IsActive != *f.IsActive {
		return false
	}
	return true
}

// =============================================================================
// STORE
// =============================================================================

// Store persists rubrics. GetRubric returns nil, nil when absent.
type Store interface {
	ListRubrics(ctx context.Context, companyID string, filter Filter) ([]Rubric, error)
	GetRubric(ctx context.Context, id string) (*Rubric, error)
	SaveRubric(ctx context.Context, r Rubric) error
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidRubric is returned for malformed create or update input.
	ErrInvalidRubric = errors.New("invalid rubric")

	// ErrOverlappingValidity is returned when an active rubric with the same
	// code already covers part of the requested window.
	ErrOverlappingValidity = errors.New("overlapping rubric validity")

	// ErrImmutableField is returned when an update tries to change incidence,
	// type or nature code in place.
	ErrImmutableField = errors.New("rubric field is immutable")

	// ErrNotFound is returned when a rubric id does not exist.
	ErrNotFound = errors.New("rubric not found")
)

// ValidationError reports a rejected rubric operation.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Message)
	}
	return fmt.Sprintf("%v: %s: %s", e.Err, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg, Err: ErrInvalidRubric}
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
