/*
batch.go - Batch creation, membership and closing

PURPOSE:
  A batch groups VALIDATED events of one employer and one reporting group
  for a single transmission.

RULES:
  - At most one batch per (employer, group) is OPEN, CLOSED, SENDING or
    ERROR at any time.
  - Adding events fails per item: wrong employer, wrong group, not
    VALIDATED, already in a batch, or batch not OPEN. Other items of the
    same call are unaffected.
  - The document of an event is built the first time it is queued and
    never rebuilt; the envelope sequence comes from the employer's
    submission counter.
  - A batch cannot be closed empty.

LOCKING:
  Mutations of one batch hold "batch:<id>". Creation holds
  "batches:<company>:<group>" so two concurrent creates cannot both pass
  the single-open-batch check.

SEE ALSO:
  - transmission.go: Send and result processing
*/
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/document"
	"github.com/warp/labor-events/hr"
)

// Item result codes of AddEventsToBatch.
const (
	ItemNotFound        = "not_found"
	ItemCompanyMismatch = "company_mismatch"
	ItemNotValidated    = "not_validated"
	ItemGroupMismatch   = "group_mismatch"
	ItemAlreadyBatched  = "already_batched"
	ItemBatchNotOpen    = "batch_not_open"
	ItemInternalError   = "internal_error"
)

// ItemResult is the outcome of adding one event to a batch.
type ItemResult struct {
	EventID string `json:"event_id"`
	Added   bool   `json:"added"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// AddResult is the outcome of AddEventsToBatch.
type AddResult struct {
	BatchID string       `json:"batch_id"`
	Added   int          `json:"added"`
	Items   []ItemResult `json:"items"`
}

// EventCheck is the pre-flight finding for one batch member.
type EventCheck struct {
	EventID string            `json:"event_id"`
	Type    catalog.EventType `json:"type"`
	Issues  []ValidationIssue `json:"issues"`
}

// BatchValidation is the result of ValidateBatch.
type BatchValidation struct {
	BatchID string       `json:"batch_id"`
	Valid   bool         `json:"valid"`
	Events  []EventCheck `json:"events"`
}

func batchKey(id string) string { return "batch:" + id }

func groupKey(companyID string, g catalog.Group) string {
	return fmt.Sprintf("batches:%s:%s", companyID, g)
}

// =============================================================================
// QUERIES
// =============================================================================

// GetBatch returns a batch by id.
func (s *Service) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, &NotFoundError{Entity: "batch", ID: id}
	}
	return b, nil
}

// ListBatches returns the batches matching filter.
func (s *Service) ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error) {
	return s.store.ListBatches(ctx, filter)
}

// BatchEvents returns the members of a batch in submission order.
func (s *Service) BatchEvents(ctx context.Context, id string) ([]Event, error) {
	if _, err := s.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, EventFilter{BatchID: id})
}

// =============================================================================
// COMMANDS
// =============================================================================

// CreateBatch opens a new batch for the employer and group.
func (s *Service) CreateBatch(ctx context.Context, companyID string, group catalog.Group) (*Batch, error) {
	if companyID == "" {
		return nil, invalidRequest("company_id is required")
	}
	if !group.Valid() {
		return nil, invalidRequest("unknown group type %q", group)
	}

	unlock, err := s.locker.Lock(ctx, groupKey(companyID, group))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clock()
	b := Batch{
		ID:        s.newID(),
		CompanyID: companyID,
		GroupType: group,
		Status:    BatchOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		blocking, err := tx.ListBatches(ctx, BatchFilter{CompanyID: companyID, GroupType: group, Status: BlockingBatchStatuses()})
		if err != nil {
			return err
		}
		if len(blocking) > 0 {
			return &ConflictError{
				Code:    "batch_exists",
				Message: fmt.Sprintf("batch %s for group %s is %s", blocking[0].ID, group, blocking[0].Status),
			}
		}
		if err := tx.InsertBatch(ctx, b); err != nil {
			if IsConflict(err) {
				return &ConflictError{Code: "batch_exists", Message: err.Error()}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("batch_created",
		zap.String("batch_id", b.ID),
		zap.String("company_id", companyID),
		zap.String("group", string(group)))
	return &b, nil
}

// AddEventsToBatch queues VALIDATED events into an OPEN batch. Failures
// are reported per item; the error return is reserved for a missing
// batch, configuration problems and store failures.
func (s *Service) AddEventsToBatch(ctx context.Context, batchID string, eventIDs []string) (*AddResult, error) {
	if len(eventIDs) == 0 {
		return nil, invalidRequest("event_ids is required")
	}

	unlock, err := s.locker.Lock(ctx, batchKey(batchID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	res := &AddResult{BatchID: batchID, Items: make([]ItemResult, 0, len(eventIDs))}
	if b.Status != BatchOpen {
		for _, id := range dedupe(eventIDs) {
			res.Items = append(res.Items, ItemResult{
				EventID: id,
				Code:    ItemBatchNotOpen,
				Message: fmt.Sprintf("batch is %s", b.Status),
			})
		}
		return res, nil
	}

	cfg, err := s.requireConfig(ctx, s.store, b.CompanyID)
	if err != nil {
		return nil, err
	}
	company, err := s.requireCompany(ctx, b.CompanyID)
	if err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		res.Added = 0
		res.Items = res.Items[:0]
		for _, id := range dedupe(eventIDs) {
			item, err := s.queueEvent(ctx, tx, b, *company, *cfg, id)
			if err != nil {
				return err
			}
			if item.Added {
				res.Added++
			}
			res.Items = append(res.Items, item)
		}
		if res.Added == 0 {
			return nil
		}
		b.UpdatedAt = s.clock()
		return tx.SaveBatch(ctx, *b)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("events_queued",
		zap.String("batch_id", batchID),
		zap.Int("requested", len(eventIDs)),
		zap.Int("added", res.Added))
	return res, nil
}

// queueEvent checks one event against the batch, builds its document and
// moves it to QUEUED. Rule violations are returned as an ItemResult.
func (s *Service) queueEvent(ctx context.Context, tx Store, b *Batch, company hr.Company, cfg CompanyConfig, id string) (ItemResult, error) {
	item := ItemResult{EventID: id}
	reject := func(code, format string, args ...any) (ItemResult, error) {
		item.Code = code
		item.Message = fmt.Sprintf(format, args...)
		return item, nil
	}

	e, err := tx.GetEvent(ctx, id)
	if err != nil {
		return item, err
	}
	switch {
	case e == nil:
		return reject(ItemNotFound, "event not found")
	case e.CompanyID != b.CompanyID:
		return reject(ItemCompanyMismatch, "event belongs to company %s", e.CompanyID)
	case e.BatchID != "":
		return reject(ItemAlreadyBatched, "event is in batch %s", e.BatchID)
	case e.Status != EventValidated:
		return reject(ItemNotValidated, "event is %s", e.Status)
	case e.Group != b.GroupType:
		return reject(ItemGroupMismatch, "event group %s does not match batch group %s", e.Group, b.GroupType)
	}

	if e.Document == nil {
		kind := LookupKind(e.Type)
		if kind == nil {
			return reject(ItemInternalError, "no kind registered for %s", e.Type)
		}
		seq, err := tx.NextSequence(ctx, b.CompanyID)
		if err != nil {
			return item, err
		}
		doc, err := kind.Build(s.envelope(company, cfg, *e, seq), e.Payload)
		if err != nil {
			ierr := &InternalError{EventID: e.ID, Err: err}
			s.logger.Error("document_build_failed", zap.String("event_id", e.ID), zap.Error(ierr))
			return reject(ItemInternalError, "%v", ierr)
		}
		e.Document = doc
		e.Sequence = seq
	}

	if err := transitionEvent(e, EventQueued); err != nil {
		return item, err
	}
	e.BatchID = b.ID
	if err := tx.SaveEvent(ctx, *e); err != nil {
		return item, err
	}
	item.Added = true
	return item, nil
}

func (s *Service) envelope(company hr.Company, cfg CompanyConfig, e Event, seq int64) document.Envelope {
	at := s.clock()
	env := document.Envelope{
		ExternalID:      document.ExternalID(company.TaxID, at, seq),
		Sequence:        seq,
		Environment:     cfg.Environment.Code(),
		EmployerTaxID:   company.TaxID,
		EmployerClass:   cfg.EmployerClassification,
		SoftwareID:      cfg.SoftwareID,
		SoftwareVersion: cfg.SoftwareVersion,
		BuiltAt:         at,
	}
	if e.Period != nil {
		env.Period = document.Period(e.Period.Year, e.Period.Month)
	}
	return env
}

// CloseBatch stops an OPEN batch from accepting events.
func (s *Service) CloseBatch(ctx context.Context, batchID string) (*Batch, error) {
	unlock, err := s.locker.Lock(ctx, batchKey(batchID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Batch
	err = s.store.WithTx(ctx, func(tx Store) error {
		b, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if b == nil {
			return &NotFoundError{Entity: "batch", ID: batchID}
		}
		members, err := tx.ListEvents(ctx, EventFilter{BatchID: batchID})
		if err != nil {
			return err
		}
		if err := transitionBatch(b, BatchClosed); err != nil {
			return err
		}
		if len(members) == 0 {
			return &ConflictError{Code: "empty_batch", Message: fmt.Sprintf("batch %s has no events", batchID)}
		}
		b.UpdatedAt = s.clock()
		if err := tx.SaveBatch(ctx, *b); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("batch_closed", zap.String("batch_id", batchID))
	return out, nil
}

// ValidateBatch re-checks every member without changing anything: the
// payload still validates, the member is QUEUED in the right group and its
// document digest matches its body.
func (s *Service) ValidateBatch(ctx context.Context, batchID string) (*BatchValidation, error) {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListEvents(ctx, EventFilter{BatchID: batchID})
	if err != nil {
		return nil, err
	}
	vc, err := s.validationContext(ctx, s.store, b.CompanyID)
	if err != nil {
		return nil, err
	}

	out := &BatchValidation{BatchID: batchID, Valid: len(members) > 0, Events: make([]EventCheck, 0, len(members))}
	for _, e := range members {
		check := EventCheck{EventID: e.ID, Type: e.Type, Issues: []ValidationIssue{}}
		if kind := LookupKind(e.Type); kind == nil {
			check.Issues = append(check.Issues, ValidationIssue{Field: "type", Code: "unknown_type", Message: "no kind registered"})
		} else {
			check.Issues = append(check.Issues, kind.Validate(e.Payload, vc)...)
		}
		if e.Group != b.GroupType {
			check.Issues = append(check.Issues, ValidationIssue{Field: "group", Code: ItemGroupMismatch, Message: string(e.Group)})
		}
		if b.Status == BatchOpen || b.Status == BatchClosed {
			if e.Status != EventQueued {
				check.Issues = append(check.Issues, ValidationIssue{Field: "status", Code: "not_queued", Message: string(e.Status)})
			}
		}
		switch {
		case e.Document == nil:
			check.Issues = append(check.Issues, ValidationIssue{Field: "document", Code: "missing_document", Message: "document not built"})
		case digest(e.Document.Body) != e.Document.Digest:
			check.Issues = append(check.Issues, ValidationIssue{Field: "document", Code: "digest_mismatch", Message: "document body does not match its digest"})
		}
		if len(check.Issues) > 0 {
			out.Valid = false
		}
		out.Events = append(out.Events, check)
	}
	return out, nil
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
