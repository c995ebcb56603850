package schedule

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidRange         = errors.New("time range end must be after start")
	ErrInvalidWindow        = errors.New("invalid availability window")
	ErrConflict             = errors.New("appointment time conflict")
	ErrNotFound             = errors.New("appointment not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrAlreadyCancelled     = errors.New("appointment is already cancelled")
	ErrCancelReasonRequired = errors.New("cancel reason is required")
	ErrNotYetEnded          = errors.New("appointment has not ended yet")
	ErrPatientAttached      = errors.New("appointment already has a patient")
	ErrServiceBusy          = errors.New("scheduling is busy, please retry")
)

// ConflictError reports an overlap with an existing booking. Blocking holds
// the ids of the overlapping bookings so the service can verify them against
// the store. Alternatives holds free slots of the requested duration so the
// caller can offer a fix without a second round trip.
type ConflictError struct {
	Key          ConflictKey
	Requested    TimeRange
	Blocking     []uuid.UUID
	Alternatives []TimeRange
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s overlaps an existing booking for %s", e.Requested, e.Key)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// AuditFailureError signals that the domain mutation succeeded but the audit
// write did not. The operation is reported as failed so callers and ops
// tooling can reconcile; audit completeness is a correctness property here,
// not a best-effort log line.
type AuditFailureError struct {
	Action string
	Err    error
}

func (e *AuditFailureError) Error() string {
	return fmt.Sprintf("audit write failed for %s: %v", e.Action, e.Err)
}

func (e *AuditFailureError) Unwrap() error { return e.Err }
