/*
kind.go - Per-event-type behavior registry

PURPOSE:
  Each event type has its own source records, validation rules and
  document body. A Kind bundles the three for one type. The Generator,
  Batch Manager and Result Processor only ever talk to the Kind interface,
  so adding an event type means one catalog entry and one Kind.

HOW IT WORKS:
  1. events/ defines one Kind per implemented type
  2. Each kind registers itself in init()
  3. The pipeline looks kinds up by catalog.EventType

  // In events/admission.go
  func init() { pipeline.Register(admissionKind{}) }

CONTRACTS:
  - Collect reads source records and returns one Draft per obligation.
  - Validate is pure: same payload and context yield the same issues.
  - Build is total over payloads that passed Validate. An error from Build
    on a validated payload is a defect and surfaces as InternalError.

SEE ALSO:
  - generator.go: Calls Collect and Validate
  - batch.go: Calls Build when an event is queued
*/
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/document"
	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/rubric"
)

// =============================================================================
// KIND CONTRACT
// =============================================================================

// RubricResolver is the part of the rubric registry kinds depend on.
type RubricResolver interface {
	ResolveForPeriod(ctx context.Context, companyID, code string, from, to time.Time) (*rubric.Rubric, error)
	ActiveAt(ctx context.Context, companyID string, day time.Time) ([]rubric.Rubric, error)
}

// Sources are the read-only inputs available to Collect.
type Sources struct {
	HR      hr.Source
	Rubrics RubricResolver
}

// Scope is the generation request as seen by one kind.
type Scope struct {
	CompanyID   string
	Period      Period
	EmployeeIDs []string
}

// IncludesEmployee reports whether the scope selects employeeID.
func (s Scope) IncludesEmployee(employeeID string) bool {
	if len(s.EmployeeIDs) == 0 {
		return true
	}
	for _, id := range s.EmployeeIDs {
		if id == employeeID {
			return true
		}
	}
	return false
}

// Draft is one obligation found by Collect.
type Draft struct {
	// Subject identifies the obligation within type and period
	// (employee id, termination id, rubric code, ...).
	Subject    string
	EmployeeID string
	// Period is nil for non-periodic and table events.
	Period      *Period
	TriggerDate time.Time
	Payload     any

	// References is the retracted event id of an exclusion draft.
	References string
}

// ValidationContext is the non-payload input of Validate.
type ValidationContext struct {
	Company hr.Company
	Config  CompanyConfig
	Now     time.Time
}

// Kind implements one event type.
type Kind interface {
	Type() catalog.EventType
	Collect(ctx context.Context, src Sources, scope Scope) ([]Draft, error)
	Validate(payload json.RawMessage, vc ValidationContext) []ValidationIssue
	Build(env document.Envelope, payload json.RawMessage) (*document.Document, error)
}

// =============================================================================
// KIND REGISTRY
// =============================================================================

var (
	kindRegistry = make(map[catalog.EventType]Kind)
	kindMu       sync.RWMutex
)

// Register adds a kind to the global registry. The type must exist in
// the catalog. Call this from init().
func Register(k Kind) {
	if _, err := catalog.Lookup(k.Type()); err != nil {
		panic(fmt.Sprintf("register kind: %v", err))
	}
	kindMu.Lock()
	defer kindMu.Unlock()
	kindRegistry[k.Type()] = k
}

// LookupKind returns the registered kind of t, or nil.
func LookupKind(t catalog.EventType) Kind {
	kindMu.RLock()
	defer kindMu.RUnlock()
	return kindRegistry[t]
}

// Kinds returns every registered kind ordered by type.
func Kinds() []Kind {
	kindMu.RLock()
	defer kindMu.RUnlock()
	out := make([]Kind, 0, len(kindRegistry))
	for _, k := range kindRegistry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })
	return out
}

// =============================================================================
// EXCLUSION PAYLOAD
// =============================================================================

// ExclusionPayload is the payload of the exclusion event type. It is
// defined here because ExcludeEvent creates it directly.
type ExclusionPayload struct {
	TargetEventID    string            `json:"target_event_id"`
	TargetType       catalog.EventType `json:"target_type"`
	TargetReceipt    string            `json:"target_receipt"`
	EmployeeTaxID    string            `json:"employee_tax_id,omitempty"`
	EmployeeSocialID string            `json:"employee_social_id,omitempty"`
	TargetPeriod     *Period           `json:"target_period,omitempty"`
}
