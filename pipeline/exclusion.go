package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/labor-events/catalog"
)

// regenerateExclusion allows a new exclusion revision after the previous
// one was rejected or cancelled.
func regenerateExclusion(s EventStatus) bool {
	return s == EventRejected || s == EventCancelled
}

// ExcludeEvent creates the exclusion event that retracts an ACCEPTED
// event. The target only becomes EXCLUDED once the exclusion itself is
// accepted. Repeated calls return the same exclusion event while it is in
// flight.
func (s *Service) ExcludeEvent(ctx context.Context, id string) (*Event, error) {
	target, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if target.Type == catalog.TypeExclusion {
		return nil, &ConflictError{Code: "not_excludable", Message: "exclusion events cannot be excluded"}
	}
	if target.Group == catalog.GroupTables {
		return nil, &ConflictError{Code: "not_excludable", Message: fmt.Sprintf("table event %s is retracted by its own table event", target.Type)}
	}
	if !CanTransitionEvent(target.Status, EventExcluded) {
		return nil, &TransitionError{Entity: "event", ID: target.ID, From: string(target.Status), To: string(EventExcluded)}
	}

	kind := LookupKind(catalog.TypeExclusion)
	if kind == nil {
		return nil, &InternalError{EventID: target.ID, Err: fmt.Errorf("no kind registered for %s", catalog.TypeExclusion)}
	}
	vc, err := s.validationContext(ctx, s.store, target.CompanyID)
	if err != nil {
		return nil, err
	}

	payload := ExclusionPayload{
		TargetEventID: target.ID,
		TargetType:    target.Type,
		TargetReceipt: target.Receipt,
		TargetPeriod:  target.Period,
	}
	if target.EmployeeID != "" {
		emp, err := s.hr.GetEmployee(ctx, target.EmployeeID)
		if err != nil {
			return nil, err
		}
		if emp != nil {
			payload.EmployeeTaxID = emp.TaxID
			payload.EmployeeSocialID = emp.SocialID
		}
	}

	d := Draft{
		Subject:     target.ID,
		EmployeeID:  target.EmployeeID,
		TriggerDate: s.clock(),
		Payload:     payload,
		References:  target.ID,
	}
	out, err := s.materialize(ctx, target.CompanyID, kind, d, vc, regenerateExclusion)
	if err != nil {
		return nil, err
	}

	s.logger.Info("exclusion_requested",
		zap.String("event_id", target.ID),
		zap.String("exclusion_event_id", out.EventID),
		zap.String("outcome", string(out.Outcome)))
	return s.GetEvent(ctx, out.EventID)
}
