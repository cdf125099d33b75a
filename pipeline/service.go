/*
service.go - Pipeline service and its collaborators

PURPOSE:
  Service is the single entry point for every exposed pipeline operation:
  configuration, generation, validation, batching, transmission, result
  processing, exclusion and the dashboard. Its collaborators are
  interfaces so the state machine can be tested with in-memory stores
  and a scripted transport.

COLLABORATORS:
  - TxStore:        Event, Batch and configuration persistence
  - hr.Source:      Read-only HR/payroll data
  - RubricResolver: Rubric lookups for remuneration events
  - Transport:      Outbound submit/poll contract
  - Locker:         Per-batch serialization (lock.Local by default)
  - Archiver:       Optional copy of submitted documents

SEE ALSO:
  - generator.go, batch.go, transmission.go, exclusion.go, dashboard.go
*/
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/lock"
)

// =============================================================================
// CONSUMED INTERFACES
// =============================================================================

// SubmittedEvent is one member of a submission.
type SubmittedEvent struct {
	EventID    string            `json:"event_id"`
	ExternalID string            `json:"external_id"`
	Type       catalog.EventType `json:"type"`
	Document   []byte            `json:"document"`
}

// Submission is what the transport sends for one batch.
type Submission struct {
	BatchID        string           `json:"batch_id"`
	CompanyID      string           `json:"company_id"`
	EmployerTaxID  string           `json:"employer_tax_id"`
	GroupType      catalog.Group    `json:"group_type"`
	Environment    Environment      `json:"environment"`
	CertificateRef string           `json:"certificate_ref"`
	Events         []SubmittedEvent `json:"events"`
}

// EventResult is the outcome of one submitted event. EventID or
// ExternalID identifies the member.
type EventResult struct {
	EventID    string `json:"event_id"`
	ExternalID string `json:"external_id"`
	Accepted   bool   `json:"accepted"`
	Receipt    string `json:"receipt,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// PollResult is the processing state of a submitted batch.
type PollResult struct {
	Results []EventResult `json:"results"`
}

// Transport is the outbound contract to the government system.
type Transport interface {
	Submit(ctx context.Context, sub Submission) (protocolNumber string, err error)
	Poll(ctx context.Context, protocolNumber string) (*PollResult, error)
}

// Locker serializes work per key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Archiver stores a copy of a submitted document.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// =============================================================================
// SERVICE
// =============================================================================

// Deps are the collaborators of a Service. Store, HR and Transport are
// required.
type Deps struct {
	Store     TxStore
	HR        hr.Source
	Rubrics   RubricResolver
	Transport Transport
	Locker    Locker
	Archiver  Archiver
	Logger    *zap.Logger
	Clock     func() time.Time
	NewID     func() string

	// Workers bounds parallel draft processing during generation.
	Workers int
}

// Service implements the pipeline operations.
type Service struct {
	store     TxStore
	hr        hr.Source
	rubrics   RubricResolver
	transport Transport
	locker    Locker
	archiver  Archiver
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
	workers   int
}

// New creates a Service.
func New(d Deps) (*Service, error) {
	if d.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if d.HR == nil {
		return nil, errors.New("pipeline: hr source is required")
	}
	if d.Transport == nil {
		return nil, errors.New("pipeline: transport is required")
	}

	s := &Service{
		store:     d.Store,
		hr:        d.HR,
		rubrics:   d.Rubrics,
		transport: d.Transport,
		locker:    d.Locker,
		archiver:  d.Archiver,
		logger:    d.Logger,
		now:       d.Clock,
		newID:     d.NewID,
		workers:   d.Workers,
	}
	if s.locker == nil {
		s.locker = lock.NewLocal()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.workers <= 0 {
		s.workers = 4
	}
	return s, nil
}

func (s *Service) clock() time.Time { return s.now().UTC() }

func (s *Service) sources() Sources { return Sources{HR: s.hr, Rubrics: s.rubrics} }

// =============================================================================
// EVENT QUERIES
// =============================================================================

// GetEvent returns an event by id.
func (s *Service) GetEvent(ctx context.Context, id string) (*Event, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &NotFoundError{Entity: "event", ID: id}
	}
	return e, nil
}

// ListEvents returns the events matching filter.
func (s *Service) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	return s.store.ListEvents(ctx, filter)
}

// Definitions returns the static event catalog.
func (s *Service) Definitions() []catalog.Definition { return catalog.Definitions() }

// =============================================================================
// EVENT COMMANDS
// =============================================================================

// ValidateEvent re-runs validation on a DRAFT or VALIDATED event and
// moves it to VALIDATED when no issues remain, DRAFT otherwise.
func (s *Service) ValidateEvent(ctx context.Context, id string) (*Event, error) {
	e, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	kind := LookupKind(e.Type)
	if kind == nil {
		return nil, &catalog.UnknownEventTypeError{Type: e.Type}
	}
	// HR and configuration reads stay outside the transaction.
	vc, err := s.validationContext(ctx, s.store, e.CompanyID)
	if err != nil {
		return nil, err
	}

	var out *Event
	err = s.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return &NotFoundError{Entity: "event", ID: id}
		}
		if cur.Status != EventDraft && cur.Status != EventValidated {
			return &TransitionError{Entity: "event", ID: cur.ID, From: string(cur.Status), To: string(EventValidated)}
		}
		if err := s.applyValidation(cur, kind.Validate(cur.Payload, vc)); err != nil {
			return err
		}
		if err := tx.SaveEvent(ctx, *cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("event_validated",
		zap.String("event_id", out.ID),
		zap.String("status", string(out.Status)),
		zap.Int("issues", len(out.ValidationErrors)))
	return out, nil
}

// CancelEvent abandons an event that has not reached the government or
// was rejected by it.
func (s *Service) CancelEvent(ctx context.Context, id string) (*Event, error) {
	var out *Event
	err := s.store.WithTx(ctx, func(tx Store) error {
		e, err := tx.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		if e == nil {
			return &NotFoundError{Entity: "event", ID: id}
		}
		if err := transitionEvent(e, EventCancelled); err != nil {
			return err
		}
		if err := tx.SaveEvent(ctx, *e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("event_cancelled", zap.String("event_id", out.ID))
	return out, nil
}

// applyValidation stores issues on e and moves it to VALIDATED or DRAFT.
func (s *Service) applyValidation(e *Event, issues []ValidationIssue) error {
	if issues == nil {
		issues = []ValidationIssue{}
	}
	e.ValidationErrors = issues
	if len(issues) == 0 {
		if err := transitionEvent(e, EventValidated); err != nil {
			return err
		}
		now := s.clock()
		e.ValidatedAt = &now
		return nil
	}
	e.ValidatedAt = nil
	return transitionEvent(e, EventDraft)
}

func (s *Service) validationContext(ctx context.Context, st Store, companyID string) (ValidationContext, error) {
	cfg, err := s.requireConfig(ctx, st, companyID)
	if err != nil {
		return ValidationContext{}, err
	}
	company, err := s.requireCompany(ctx, companyID)
	if err != nil {
		return ValidationContext{}, err
	}
	return ValidationContext{Company: *company, Config: *cfg, Now: s.clock()}, nil
}

func (s *Service) requireCompany(ctx context.Context, companyID string) (*hr.Company, error) {
	c, err := s.hr.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &ConfigurationError{CompanyID: companyID, Message: "company record not found"}
	}
	return c, nil
}
