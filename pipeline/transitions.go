package pipeline

// =============================================================================
// EVENT TRANSITIONS
// =============================================================================

var eventTransitions = map[EventStatus][]EventStatus{
	EventDraft:     {EventDraft, EventValidated, EventCancelled},
	EventValidated: {EventValidated, EventDraft, EventQueued, EventCancelled},
	EventQueued:    {EventSent},
	EventSent:      {EventAccepted, EventRejected},
	EventAccepted:  {EventExcluded},
	EventRejected:  {EventCancelled},
}

// CanTransitionEvent reports whether an event may move from -> to.
func CanTransitionEvent(from, to EventStatus) bool {
	for _, s := range eventTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionEvent moves e to status or returns a TransitionError.
func transitionEvent(e *Event, to EventStatus) error {
	if !CanTransitionEvent(e.Status, to) {
		return &TransitionError{Entity: "event", ID: e.ID, From: string(e.Status), To: string(to)}
	}
	e.Status = to
	return nil
}

// =============================================================================
// BATCH TRANSITIONS
// =============================================================================

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchOpen:    {BatchClosed},
	BatchClosed:  {BatchSending},
	BatchSending: {BatchSent, BatchError},
	BatchError:   {BatchClosed},
	BatchSent:    {BatchProcessed},
}

// CanTransitionBatch reports whether a batch may move from -> to.
func CanTransitionBatch(from, to BatchStatus) bool {
	for _, s := range batchTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionBatch(b *Batch, to BatchStatus) error {
	if !CanTransitionBatch(b.Status, to) {
		return &TransitionError{Entity: "batch", ID: b.ID, From: string(b.Status), To: string(to)}
	}
	b.Status = to
	return nil
}
