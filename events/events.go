/*
Package events implements the reportable event types.

PURPOSE:
  One file per event type. Each defines the normalized payload collected
  from HR records, the validation rules applied to it and the document
  body it encodes to, and registers itself with the pipeline in init().

  Import this package for its side effect wherever a pipeline.Service is
  built:

    import _ "github.com/warp/labor-events/events"

IMPLEMENTED TYPES:
  S-1000 employer information    S-2200 admission
  S-1010 rubric table            S-2230 leave
  S-1200 remuneration            S-2299 termination
  S-1299 period closing          S-3000 exclusion

PAYLOADS:
  Payloads are snapshots. Everything a validator or builder needs is
  copied into the payload at collection time, so validation is pure and
  a document built months later matches the data that was validated.

SEE ALSO:
  - pipeline/kind.go: Kind contract and registry
  - document/: Envelope and encoding
*/
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/pipeline"
)

// =============================================================================
// ISSUE CODES
// =============================================================================

const (
	CodeRequired       = "required"
	CodeInvalid        = "invalid"
	CodeInvalidPayload = "invalid_payload"
	CodeFutureDate     = "future_date"
	CodeDateOrder      = "date_order"
	CodeUnknownReason  = "unknown_reason"
	CodeNotFound       = "not_found"
	CodePayrollOpen    = "payroll_not_closed"
	CodeUnresolved     = "unresolved_rubric"
	CodeNotPositive    = "not_positive"
)

func issue(field, code, format string, args ...any) pipeline.ValidationIssue {
	return pipeline.ValidationIssue{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}
}

// issues collects findings in rule order.
type issues []pipeline.ValidationIssue

func (is *issues) add(field, code, format string, args ...any) {
	*is = append(*is, issue(field, code, format, args...))
}

func (is issues) list() []pipeline.ValidationIssue {
	if len(is) == 0 {
		return []pipeline.ValidationIssue{}
	}
	return is
}

func (is *issues) personTaxID(field, v string) {
	switch {
	case hr.Digits(v) == "":
		is.add(field, CodeRequired, "tax id is required")
	case !hr.ValidPersonTaxID(v):
		is.add(field, CodeInvalid, "tax id %q is not valid", v)
	}
}

func (is *issues) socialID(field, v string) {
	switch {
	case hr.Digits(v) == "":
		is.add(field, CodeRequired, "social registration number is required")
	case !hr.ValidSocialID(v):
		is.add(field, CodeInvalid, "social registration number %q is not valid", v)
	}
}

// =============================================================================
// PAYLOAD HELPERS
// =============================================================================

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// decodeForValidation returns the payload or a single invalid_payload issue.
func decodeForValidation[T any](payload json.RawMessage) (T, []pipeline.ValidationIssue) {
	v, err := decode[T](payload)
	if err != nil {
		return v, []pipeline.ValidationIssue{issue("payload", CodeInvalidPayload, "%v", err)}
	}
	return v, nil
}

func inPeriod(t time.Time, p pipeline.Period) bool {
	return !t.Before(p.Start()) && !t.After(p.End())
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// worker is the employee identification copied into payloads.
type worker struct {
	EmployeeID string    `json:"employee_id"`
	Found      bool      `json:"found"`
	Name       string    `json:"name,omitempty"`
	TaxID      string    `json:"tax_id,omitempty"`
	SocialID   string    `json:"social_id,omitempty"`
	Category   string    `json:"category,omitempty"`
	HireDate   time.Time `json:"hire_date,omitempty"`
}

func workerFrom(id string, e *hr.Employee) worker {
	if e == nil {
		return worker{EmployeeID: id}
	}
	return worker{
		EmployeeID: e.ID,
		Found:      true,
		Name:       e.Name,
		TaxID:      hr.Digits(e.TaxID),
		SocialID:   hr.Digits(e.SocialID),
		Category:   e.Category,
		HireDate:   startOfDay(e.HireDate),
	}
}

func (is *issues) worker(w worker) bool {
	if !w.Found {
		is.add("employee_id", CodeNotFound, "employee %s not found", w.EmployeeID)
		return false
	}
	is.personTaxID("employee.tax_id", w.TaxID)
	return true
}
