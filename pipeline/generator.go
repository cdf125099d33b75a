/*
generator.go - Event generation from HR source records

PURPOSE:
  GenerateEvents turns source records of one company and month into
  events. Each registered kind collects its drafts; every draft is then
  validated and reconciled with the events already stored under the same
  logical key.

RECONCILIATION (per draft):
  - No event yet                      -> create revision 0
  - Latest is DRAFT or VALIDATED      -> refresh payload/validation in place
                                        (skipped when nothing changed)
  - Latest is REJECTED, not superseded -> create revision n+1 and link the
                                        old one through SupersededBy
  - Anything else                     -> skip; the obligation is in flight
                                        or settled

  Running the same request twice over unchanged source data therefore
  creates nothing the second time.

CONCURRENCY:
  Drafts are independent (employee or subject scoped) and are processed
  in parallel, bounded by Deps.Workers. The check-then-insert of each
  draft runs in its own store transaction.

SEE ALSO:
  - kind.go: Collect/Validate contracts
  - identity.go: LogicalKey and EventID
*/
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/labor-events/catalog"
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// GenerateRequest selects what to generate. Empty Types means every
// registered kind; empty EmployeeIDs means every employee.
type GenerateRequest struct {
	CompanyID   string              `json:"company_id"`
	Year        int                 `json:"year"`
	Month       int                 `json:"month"`
	Types       []catalog.EventType `json:"types,omitempty"`
	EmployeeIDs []string            `json:"employee_ids,omitempty"`
}

// Outcome is what happened to one draft.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// ItemOutcome reports one draft, or one type that could not be collected.
type ItemOutcome struct {
	Type    catalog.EventType `json:"type"`
	Subject string            `json:"subject,omitempty"`
	EventID string            `json:"event_id,omitempty"`
	Outcome Outcome           `json:"outcome"`
	Status  EventStatus       `json:"status,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

// GenerateResult aggregates the outcomes of a generation request.
type GenerateResult struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Skipped int           `json:"skipped"`
	Errors  int           `json:"errors"`
	Items   []ItemOutcome `json:"items"`
}

func (r *GenerateResult) add(it ItemOutcome) {
	switch it.Outcome {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeError:
		r.Errors++
	}
	r.Items = append(r.Items, it)
}

// =============================================================================
// GENERATION
// =============================================================================

type pendingDraft struct {
	kind  Kind
	draft Draft
}

// GenerateEvents creates or refreshes the events of the requested scope.
// Configuration problems abort the request; everything else is reported
// per item in the result.
func (s *Service) GenerateEvents(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if strings.TrimSpace(req.CompanyID) == "" {
		return nil, invalidRequest("company_id is required")
	}
	period := Period{Year: req.Year, Month: req.Month}
	if !period.Valid() {
		return nil, invalidRequest("invalid period %04d-%02d", req.Year, req.Month)
	}

	result := &GenerateResult{Items: []ItemOutcome{}}
	kinds, err := s.selectKinds(req.Types, result)
	if err != nil {
		return nil, err
	}

	vc, err := s.validationContext(ctx, s.store, req.CompanyID)
	if err != nil {
		return nil, err
	}

	scope := Scope{CompanyID: req.CompanyID, Period: period, EmployeeIDs: req.EmployeeIDs}
	var pending []pendingDraft
	for _, k := range kinds {
		drafts, err := k.Collect(ctx, s.sources(), scope)
		if err != nil {
			s.logger.Warn("collect_failed",
				zap.String("company_id", req.CompanyID),
				zap.String("type", string(k.Type())),
				zap.Error(err))
			result.add(ItemOutcome{Type: k.Type(), Outcome: OutcomeError, Reason: err.Error()})
			continue
		}
		for _, d := range drafts {
			pending = append(pending, pendingDraft{kind: k, draft: d})
		}
	}

	outcomes := make([]ItemOutcome, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, p := range pending {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := s.materialize(gctx, req.CompanyID, p.kind, p.draft, vc, regenerateRejected)
			if err != nil {
				s.logger.Warn("materialize_failed",
					zap.String("type", string(out.Type)),
					zap.String("subject", out.Subject),
					zap.Error(err))
				out.Outcome = OutcomeError
				out.Reason = err.Error()
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		result.add(o)
	}

	sort.SliceStable(result.Items, func(i, j int) bool {
		a, b := result.Items[i], result.Items[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Subject < b.Subject
	})

	s.logger.Info("events_generated",
		zap.String("company_id", req.CompanyID),
		zap.String("period", period.String()),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", result.Errors))
	return result, nil
}

// selectKinds resolves the requested types. Unknown types fail the whole
// request; catalog types without a kind are reported as item errors.
func (s *Service) selectKinds(types []catalog.EventType, result *GenerateResult) ([]Kind, error) {
	if len(types) == 0 {
		var out []Kind
		for _, k := range Kinds() {
			if k.Type() == catalog.TypeExclusion {
				continue
			}
			out = append(out, k)
		}
		return out, nil
	}

	var out []Kind
	seen := make(map[catalog.EventType]bool)
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		if _, err := catalog.Lookup(t); err != nil {
			return nil, err
		}
		if t == catalog.TypeExclusion {
			result.add(ItemOutcome{Type: t, Outcome: OutcomeError, Reason: "exclusion events are created through excludeEvent"})
			continue
		}
		k := LookupKind(t)
		if k == nil {
			result.add(ItemOutcome{Type: t, Outcome: OutcomeError, Reason: "no generator registered for event type"})
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// regenerable decides whether the latest revision may be superseded.
type regenerable func(EventStatus) bool

func regenerateRejected(s EventStatus) bool { return s == EventRejected }

var errConcurrentInsert = errors.New("event inserted concurrently")

// materialize reconciles one draft with the stored revisions.
func (s *Service) materialize(ctx context.Context, companyID string, kind Kind, d Draft, vc ValidationContext, canRegenerate regenerable) (ItemOutcome, error) {
	t := kind.Type()
	out := ItemOutcome{Type: t, Subject: d.Subject}
	fail := func(err error) (ItemOutcome, error) { return out, err }

	def, err := catalog.Lookup(t)
	if err != nil {
		return fail(err)
	}
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return fail(fmt.Errorf("encode payload: %w", err))
	}
	issues := kind.Validate(payload, vc)
	due, err := catalog.Deadline(t, d.TriggerDate)
	if err != nil {
		return fail(err)
	}
	key := LogicalKey(companyID, t, d.Subject, d.Period)

	err = s.store.WithTx(ctx, func(tx Store) error {
		revisions, err := tx.ListEvents(ctx, EventFilter{LogicalKey: key})
		if err != nil {
			return err
		}
		latest := latestRevision(revisions)

		switch {
		case latest == nil:
			return s.insertRevision(ctx, tx, &out, newEvent(companyID, def, key, 0, d, payload, due, s.clock()), issues)

		case latest.Status == EventDraft || latest.Status == EventValidated:
			out.EventID = latest.ID
			if bytes.Equal(latest.Payload, payload) && sameIssues(latest.ValidationErrors, issues) {
				out.Outcome = OutcomeSkipped
				out.Status = latest.Status
				out.Reason = "unchanged"
				return nil
			}
			latest.Payload = payload
			latest.TriggerDate = d.TriggerDate
			latest.DueDate = due
			latest.GeneratedAt = s.clock()
			if err := s.applyValidation(latest, issues); err != nil {
				return err
			}
			if err := tx.SaveEvent(ctx, *latest); err != nil {
				return err
			}
			out.Outcome = OutcomeUpdated
			out.Status = latest.Status
			return nil

		case canRegenerate(latest.Status) && latest.SupersededBy == "":
			ev := newEvent(companyID, def, key, latest.Revision+1, d, payload, due, s.clock())
			latest.SupersededBy = ev.ID
			if err := tx.SaveEvent(ctx, *latest); err != nil {
				return err
			}
			out.Reason = "supersedes " + latest.ID
			return s.insertRevision(ctx, tx, &out, ev, issues)

		default:
			out.EventID = latest.ID
			out.Outcome = OutcomeSkipped
			out.Status = latest.Status
			out.Reason = "exists with status " + string(latest.Status)
			return nil
		}
	})

	switch {
	case errors.Is(err, errConcurrentInsert):
		out.Outcome = OutcomeSkipped
		out.Reason = "generated concurrently"
		return out, nil
	case err != nil:
		return fail(err)
	}
	return out, nil
}

func (s *Service) insertRevision(ctx context.Context, tx Store, out *ItemOutcome, ev Event, issues []ValidationIssue) error {
	if err := s.applyValidation(&ev, issues); err != nil {
		return err
	}
	if err := tx.InsertEvent(ctx, ev); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			out.EventID = ev.ID
			return errConcurrentInsert
		}
		return err
	}
	out.EventID = ev.ID
	out.Outcome = OutcomeCreated
	out.Status = ev.Status
	return nil
}

func newEvent(companyID string, def catalog.Definition, key string, revision int, d Draft, payload json.RawMessage, due *time.Time, now time.Time) Event {
	return Event{
		ID:                EventID(key, revision),
		CompanyID:         companyID,
		Type:              def.Type,
		Group:             def.Group,
		Status:            EventDraft,
		LogicalKey:        key,
		Revision:          revision,
		Subject:           d.Subject,
		EmployeeID:        d.EmployeeID,
		Period:            d.Period,
		ReferencesEventID: d.References,
		Payload:           payload,
		ValidationErrors:  []ValidationIssue{},
		TriggerDate:       d.TriggerDate,
		DueDate:           due,
		GeneratedAt:       now,
	}
}

func latestRevision(events []Event) *Event {
	var latest *Event
	for i := range events {
		if latest == nil || events[i].Revision > latest.Revision {
			latest = &events[i]
		}
	}
	return latest
}

func sameIssues(a, b []ValidationIssue) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
