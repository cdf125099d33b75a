/*
types.go - Event, Batch and company configuration records

PURPOSE:
  The durable records owned by the pipeline. HR data is only read; these
  records are the pipeline's own state and are persisted by Store.

KEY CONCEPTS:
  - Event:          One reportable fact with its payload, document and status
  - Batch:          A submission unit of same-group events
  - CompanyConfig:  Per-employer settings consumed by generation and send
  - LogicalKey:     (employer, type, subject, period) without the revision;
                    all revisions of one obligation share it

EVENT <-> BATCH:
  The link is a single BatchID on Event. Batch does not list its members;
  they are queried by BatchID and ordered by submission sequence.

SEE ALSO:
  - transitions.go: Legal status changes
  - identity.go: Deterministic event ids
*/
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/document"
)

// =============================================================================
// EVENT
// =============================================================================

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	EventDraft     EventStatus = "DRAFT"
	EventValidated EventStatus = "VALIDATED"
	EventQueued    EventStatus = "QUEUED"
	EventSent      EventStatus = "SENT"
	EventAccepted  EventStatus = "ACCEPTED"
	EventRejected  EventStatus = "REJECTED"
	EventCancelled EventStatus = "CANCELLED"
	EventExcluded  EventStatus = "EXCLUDED"
)

// EventStatuses lists every status in lifecycle order.
func EventStatuses() []EventStatus {
	return []EventStatus{
		EventDraft, EventValidated, EventQueued, EventSent,
		EventAccepted, EventRejected, EventCancelled, EventExcluded,
	}
}

// Pending reports whether the obligation behind the event is still open,
// i.e. it has not reached the government yet.
func (s EventStatus) Pending() bool {
	switch s {
	case EventDraft, EventValidated, EventQueued:
		return true
	}
	return false
}

// Period is a reporting month.
type Period struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

func (p Period) String() string { return fmt.Sprintf("%04d-%02d", p.Year, p.Month) }

// Start returns the first day of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the period.
func (p Period) End() time.Time { return p.Start().AddDate(0, 1, -1) }

// Next returns the first day of the following month.
func (p Period) Next() time.Time { return p.Start().AddDate(0, 1, 0) }

// Previous returns the month before p.
func (p Period) Previous() Period {
	s := p.Start().AddDate(0, -1, 0)
	return Period{Year: s.Year(), Month: int(s.Month())}
}

// Valid reports whether the month is in range.
func (p Period) Valid() bool { return p.Year > 0 && p.Month >= 1 && p.Month <= 12 }

// ValidationIssue is one field-level finding of a validator.
type ValidationIssue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmissionError is the rejection detail returned by the external system.
type SubmissionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is one reportable labor fact.
type Event struct {
	ID         string            `json:"id"`
	CompanyID  string            `json:"company_id"`
	Type       catalog.EventType `json:"type"`
	Group      catalog.Group     `json:"group"`
	Status     EventStatus       `json:"status"`
	LogicalKey string            `json:"logical_key"`
	Revision   int               `json:"revision"`
	Subject    string            `json:"subject"`
	EmployeeID string            `json:"employee_id,omitempty"`
	Period     *Period           `json:"period,omitempty"`

	BatchID  string `json:"batch_id,omitempty"`
	Sequence int64  `json:"sequence,omitempty"`

	Payload          json.RawMessage    `json:"payload"`
	Document         *document.Document `json:"document,omitempty"`
	ValidationErrors []ValidationIssue  `json:"validation_errors"`
	SubmissionError  *SubmissionError   `json:"submission_error,omitempty"`
	Receipt          string             `json:"receipt,omitempty"`

	// ReferencesEventID is the retracted event of an exclusion event.
	ReferencesEventID string `json:"references_event_id,omitempty"`
	// SupersededBy is the newer revision that replaced a rejected event.
	SupersededBy string `json:"superseded_by,omitempty"`

	TriggerDate time.Time  `json:"trigger_date"`
	DueDate     *time.Time `json:"due_date,omitempty"`

	GeneratedAt time.Time  `json:"generated_at"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// =============================================================================
// BATCH
// =============================================================================

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchOpen      BatchStatus = "OPEN"
	BatchClosed    BatchStatus = "CLOSED"
	BatchSending   BatchStatus = "SENDING"
	BatchSent      BatchStatus = "SENT"
	BatchProcessed BatchStatus = "PROCESSED"
	BatchError     BatchStatus = "ERROR"
)

// BatchStatuses lists every batch status in lifecycle order.
func BatchStatuses() []BatchStatus {
	return []BatchStatus{BatchOpen, BatchClosed, BatchSending, BatchSent, BatchProcessed, BatchError}
}

// Blocking reports whether a batch in this status prevents another batch
// of the same employer and group from being created.
func (s BatchStatus) Blocking() bool {
	switch s {
	case BatchOpen, BatchClosed, BatchSending, BatchError:
		return true
	}
	return false
}

// BlockingBatchStatuses returns the statuses for which Blocking is true.
func BlockingBatchStatuses() []BatchStatus {
	return []BatchStatus{BatchOpen, BatchClosed, BatchSending, BatchError}
}

// ResultSummary counts the per-event outcomes of a processed batch.
type ResultSummary struct {
	Total    int `json:"total"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// Batch is a submission unit of same-group events.
type Batch struct {
	ID             string         `json:"id"`
	CompanyID      string         `json:"company_id"`
	GroupType      catalog.Group  `json:"group_type"`
	Status         BatchStatus    `json:"status"`
	ProtocolNumber string         `json:"protocol_number,omitempty"`
	ResultSummary  *ResultSummary `json:"result_summary,omitempty"`

	// LastError is the transport failure of the latest send attempt.
	LastError string `json:"last_error,omitempty"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// =============================================================================
// COMPANY CONFIGURATION
// =============================================================================

// Environment selects the government environment submissions go to.
type Environment string

const (
	EnvironmentProduction Environment = "PRODUCTION"
	EnvironmentRestricted Environment = "RESTRICTED"
)

// Code returns the document environment code.
func (e Environment) Code() document.Environment {
	if e == EnvironmentProduction {
		return document.EnvironmentProduction
	}
	return document.EnvironmentRestricted
}

// CompanyConfig holds the per-employer reporting settings.
type CompanyConfig struct {
	CompanyID              string      `json:"company_id"`
	Environment            Environment `json:"environment"`
	EmployerClassification string      `json:"employer_classification"`
	SoftwareID             string      `json:"software_id"`
	SoftwareVersion        string      `json:"software_version"`

	// CertificateRef is an opaque reference to the signing credential.
	CertificateRef string `json:"certificate_ref"`

	AutoGenerate bool      `json:"auto_generate"`
	AutoSend     bool      `json:"auto_send"`
	UpdatedAt    time.Time `json:"updated_at"`
}
