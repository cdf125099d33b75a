/*
errors.go - Error taxonomy of the reporting pipeline

PURPOSE:
  All pipeline error types in one place. Callers classify errors with the
  helpers at the bottom instead of matching concrete types.

ERROR CATEGORIES:
  1. Configuration - Missing or invalid company configuration. Fatal to
     generation, never retried automatically.
  2. Conflict      - Wrong-group event, double submission, second open
     batch, illegal status change. Rejected per item where possible.
  3. Transport     - Network or remote failure during submit/poll. State
     is left at its last stable point so the call can be retried.
  4. Internal      - A document builder failed on a validated payload.
     Always a defect, never a user error.

  Validation findings are NOT errors: they are returned as data
  ([]ValidationIssue) and stored on the DRAFT event. External rejections
  are NOT errors either: they become REJECTED events with a
  SubmissionError.

SEE ALSO:
  - api/handlers.go: Maps these categories to HTTP status codes
*/
package pipeline

import (
	"errors"
	"fmt"

	"github.com/warp/labor-events/catalog"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrConfiguration     = errors.New("invalid configuration")
	ErrTransport         = errors.New("transport failure")
	ErrInternal          = errors.New("internal error")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRequest    = errors.New("invalid request")

	// ErrDuplicateEvent is returned by Store.InsertEvent when the id exists.
	ErrDuplicateEvent = errors.New("event already exists")

	// ErrBatchConflict is returned by Store.InsertBatch when the employer
	// already has a blocking batch for the group.
	ErrBatchConflict = errors.New("non-terminal batch already exists for group")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConfigurationError reports missing or invalid company configuration.
type ConfigurationError struct {
	CompanyID string
	Field     string
	Message   string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration for company %s: %s", e.CompanyID, e.Message)
	}
	return fmt.Sprintf("configuration for company %s: %s: %s", e.CompanyID, e.Field, e.Message)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// ConflictError reports an operation rejected by a pipeline rule.
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func (e *ConflictError) Unwrap() error { return ErrConflict }

// TransitionError reports an illegal status change.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() []error { return []error{ErrInvalidTransition, ErrConflict} }

// TransportError wraps a failed submit or poll.
type TransportError struct {
	Op      string
	BatchID string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s batch %s: %v", e.Op, e.BatchID, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// InternalError reports a builder failure on a validated payload.
type InternalError struct {
	EventID string
	Err     error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("build document for event %s: %v", e.EventID, e.Err)
}

func (e *InternalError) Unwrap() []error { return []error{ErrInternal, e.Err} }

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict returns true for rule violations and illegal transitions.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrBatchConflict)
}

// IsConfiguration returns true for configuration problems.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsInvalidRequest returns true if the caller supplied malformed input.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, catalog.ErrUnknownEventType)
}

// IsTransport returns true for submit/poll failures.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsRetryable returns true if the operation might succeed when repeated
// unchanged. Transport errors are retryable unless the underlying error
// says otherwise.
func IsRetryable(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(te.Err, &r) {
		return r.Retryable()
	}
	return true
}
