/*
transmission.go - Batch submission and result processing

PURPOSE:
  SendBatch hands a CLOSED batch to the transport. CheckBatchResult polls
  the processing result and fans per-event outcomes out to the members.

SUBMISSION:
  CLOSED -> SENDING is persisted before the transport is called, so a
  second SendBatch on the same batch is refused by status. Then:

    submit ok    -> batch SENT with protocol number, every member
                    QUEUED -> SENT, one transaction
    submit fails -> batch SENDING -> ERROR -> CLOSED with LastError,
                    members stay QUEUED, TransportError returned

  There is no partial state where some members are SENT.

RESULT PROCESSING:
  Poll failures leave the batch SENT. Each result moves its member
  SENT -> ACCEPTED or SENT -> REJECTED; results for members already
  settled, or for unknown events, are ignored so repeated polls are
  harmless. When every member is settled the batch becomes PROCESSED.
  An accepted exclusion event moves the event it retracts to EXCLUDED.

SEE ALSO:
  - batch.go: Batch creation and membership
  - gateway/: HTTP transport implementation
*/
package pipeline

import (
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/warp/labor-events/catalog"
)

// CheckResult is the outcome of CheckBatchResult.
type CheckResult struct {
	Batch   *Batch `json:"batch"`
	Updated int    `json:"updated"`
	Pending int    `json:"pending"`
}

// =============================================================================
// SEND
// =============================================================================

// SendBatch submits a CLOSED batch.
func (s *Service) SendBatch(ctx context.Context, batchID string) (*Batch, error) {
	unlock, err := s.locker.Lock(ctx, batchKey(batchID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.requireConfig(ctx, s.store, b.CompanyID)
	if err != nil {
		return nil, err
	}
	company, err := s.requireCompany(ctx, b.CompanyID)
	if err != nil {
		return nil, err
	}

	var sub Submission
	err = s.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if cur == nil {
			return &NotFoundError{Entity: "batch", ID: batchID}
		}
		if err := transitionBatch(cur, BatchSending); err != nil {
			return err
		}
		members, err := tx.ListEvents(ctx, EventFilter{BatchID: batchID})
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return &ConflictError{Code: "empty_batch", Message: fmt.Sprintf("batch %s has no events", batchID)}
		}

		sub = Submission{
			BatchID:        cur.ID,
			CompanyID:      cur.CompanyID,
			EmployerTaxID:  company.TaxID,
			GroupType:      cur.GroupType,
			Environment:    cfg.Environment,
			CertificateRef: cfg.CertificateRef,
			Events:         make([]SubmittedEvent, 0, len(members)),
		}
		for _, e := range members {
			if e.Status != EventQueued || e.Document == nil {
				return &ConflictError{Code: "member_not_ready", Message: fmt.Sprintf("event %s is %s", e.ID, e.Status)}
			}
			sub.Events = append(sub.Events, SubmittedEvent{
				EventID:    e.ID,
				ExternalID: e.Document.ExternalID,
				Type:       e.Type,
				Document:   e.Document.Body,
			})
		}

		cur.UpdatedAt = s.clock()
		*b = *cur
		return tx.SaveBatch(ctx, *cur)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("batch_sending", zap.String("batch_id", batchID), zap.Int("events", len(sub.Events)))

	protocol, submitErr := s.transport.Submit(ctx, sub)

	// The outcome must be recorded even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	if submitErr != nil {
		return nil, s.revertSend(ctx, b, submitErr)
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		now := s.clock()
		if err := transitionBatch(b, BatchSent); err != nil {
			return err
		}
		b.ProtocolNumber = protocol
		b.LastError = ""
		b.SentAt = &now
		b.UpdatedAt = now
		if err := tx.SaveBatch(ctx, *b); err != nil {
			return err
		}

		members, err := tx.ListEvents(ctx, EventFilter{BatchID: batchID})
		if err != nil {
			return err
		}
		for i := range members {
			e := &members[i]
			if err := transitionEvent(e, EventSent); err != nil {
				return err
			}
			e.SentAt = &now
			if err := tx.SaveEvent(ctx, *e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The remote side has the batch; leave it SENDING for an operator.
		s.logger.Error("batch_sent_not_recorded",
			zap.String("batch_id", batchID),
			zap.String("protocol_number", protocol),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("batch_sent",
		zap.String("batch_id", batchID),
		zap.String("protocol_number", protocol))

	s.archiveSubmission(ctx, sub)
	return b, nil
}

// revertSend returns a batch whose submit failed to CLOSED, recording the
// failure through the ERROR state.
func (s *Service) revertSend(ctx context.Context, b *Batch, cause error) error {
	terr := &TransportError{Op: "submit", BatchID: b.ID, Err: cause}

	err := s.store.WithTx(ctx, func(tx Store) error {
		if err := transitionBatch(b, BatchError); err != nil {
			return err
		}
		b.LastError = cause.Error()
		if err := transitionBatch(b, BatchClosed); err != nil {
			return err
		}
		b.UpdatedAt = s.clock()
		return tx.SaveBatch(ctx, *b)
	})
	if err != nil {
		s.logger.Error("batch_revert_failed", zap.String("batch_id", b.ID), zap.Error(err))
		return fmt.Errorf("%w (revert failed: %v)", terr, err)
	}

	s.logger.Warn("batch_send_failed",
		zap.String("batch_id", b.ID),
		zap.Bool("retryable", IsRetryable(terr)),
		zap.Error(cause))
	return terr
}

func (s *Service) archiveSubmission(ctx context.Context, sub Submission) {
	if s.archiver == nil {
		return
	}
	for _, e := range sub.Events {
		key := path.Join(sub.CompanyID, sub.BatchID, e.ExternalID+".xml")
		if err := s.archiver.Archive(ctx, key, e.Document); err != nil {
			s.logger.Warn("archive_failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// =============================================================================
// RESULT PROCESSING
// =============================================================================

// CheckBatchResult polls a SENT batch and applies the per-event results.
// Calling it again on a PROCESSED batch returns the batch unchanged.
func (s *Service) CheckBatchResult(ctx context.Context, batchID string) (*CheckResult, error) {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status == BatchProcessed {
		return &CheckResult{Batch: b}, nil
	}
	if b.Status != BatchSent {
		return nil, &TransitionError{Entity: "batch", ID: b.ID, From: string(b.Status), To: string(BatchProcessed)}
	}

	unlock, err := s.locker.Lock(ctx, batchKey(batchID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another caller may have finished while we waited.
	if b, err = s.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	if b.Status == BatchProcessed {
		return &CheckResult{Batch: b}, nil
	}

	poll, err := s.transport.Poll(ctx, b.ProtocolNumber)
	if err != nil {
		terr := &TransportError{Op: "poll", BatchID: b.ID, Err: err}
		s.logger.Warn("batch_poll_failed", zap.String("batch_id", b.ID), zap.Error(err))
		return nil, terr
	}

	// Results already polled must be recorded even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	out := &CheckResult{}
	err = s.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		members, err := tx.ListEvents(ctx, EventFilter{BatchID: batchID})
		if err != nil {
			return err
		}

		byEvent := make(map[string]EventResult, len(poll.Results))
		byExternal := make(map[string]EventResult, len(poll.Results))
		for _, r := range poll.Results {
			if r.EventID != "" {
				byEvent[r.EventID] = r
			}
			if r.ExternalID != "" {
				byExternal[r.ExternalID] = r
			}
		}

		now := s.clock()
		summary := ResultSummary{Total: len(members)}
		out.Updated, out.Pending = 0, 0
		for i := range members {
			e := &members[i]
			if e.Status == EventSent {
				r, ok := byEvent[e.ID]
				if !ok && e.Document != nil {
					r, ok = byExternal[e.Document.ExternalID]
				}
				if ok {
					if err := s.applyResult(ctx, tx, e, r, now); err != nil {
						return err
					}
					out.Updated++
				}
			}
			switch e.Status {
			case EventAccepted, EventExcluded:
				summary.Accepted++
			case EventRejected, EventCancelled:
				summary.Rejected++
			default:
				out.Pending++
			}
		}

		cur.ResultSummary = &summary
		cur.UpdatedAt = now
		if out.Pending == 0 {
			if err := transitionBatch(cur, BatchProcessed); err != nil {
				return err
			}
			cur.ProcessedAt = &now
		}
		if err := tx.SaveBatch(ctx, *cur); err != nil {
			return err
		}
		out.Batch = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("batch_checked",
		zap.String("batch_id", batchID),
		zap.String("status", string(out.Batch.Status)),
		zap.Int("updated", out.Updated),
		zap.Int("pending", out.Pending))
	return out, nil
}

// applyResult settles one SENT member.
func (s *Service) applyResult(ctx context.Context, tx Store, e *Event, r EventResult, now time.Time) error {
	if r.Accepted {
		if err := transitionEvent(e, EventAccepted); err != nil {
			return err
		}
		e.SubmissionError = nil
		e.Receipt = r.Receipt
	} else {
		if err := transitionEvent(e, EventRejected); err != nil {
			return err
		}
		e.SubmissionError = &SubmissionError{Code: r.Code, Message: r.Message}
	}
	e.ProcessedAt = &now
	if err := tx.SaveEvent(ctx, *e); err != nil {
		return err
	}

	if r.Accepted && e.Type == catalog.TypeExclusion && e.ReferencesEventID != "" {
		return s.markExcluded(ctx, tx, e.ReferencesEventID, e.ID)
	}
	return nil
}

func (s *Service) markExcluded(ctx context.Context, tx Store, targetID, exclusionID string) error {
	target, err := tx.GetEvent(ctx, targetID)
	if err != nil {
		return err
	}
	if target == nil || target.Status == EventExcluded {
		return nil
	}
	if target.Status != EventAccepted {
		s.logger.Warn("exclusion_target_not_accepted",
			zap.String("event_id", targetID),
			zap.String("status", string(target.Status)))
		return nil
	}
	if err := transitionEvent(target, EventExcluded); err != nil {
		return err
	}
	if err := tx.SaveEvent(ctx, *target); err != nil {
		return err
	}
	s.logger.Info("event_excluded", zap.String("event_id", targetID), zap.String("exclusion_event_id", exclusionID))
	return nil
}
