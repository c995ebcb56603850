package schedule

import (
	"fmt"

	"github.com/google/uuid"
)

// RescheduledReason is recorded on the cancelled half of a reschedule.
const RescheduledReason = "rescheduled"

// Lifecycle owns every status transition. Status, start/end times and the
// history list are never written outside these methods, so the audit trail's
// point-in-time record of what was booked when stays intact.
type Lifecycle struct {
	clock              Clock
	allowEarlyComplete bool
}

func NewLifecycle(clock Clock, allowEarlyComplete bool) *Lifecycle {
	if clock == nil {
		clock = SystemClock()
	}
	return &Lifecycle{clock: clock, allowEarlyComplete: allowEarlyComplete}
}

func (l *Lifecycle) appendHistory(a *Appointment, actorID *uuid.UUID, note *string) {
	a.StatusHistory = append(a.StatusHistory, StatusChange{
		ID:        uuid.New(),
		Status:    a.Status,
		ChangedAt: l.clock.Now(),
		ChangedBy: actorID,
		Note:      note,
	})
}

// NewScheduled builds a fresh appointment in scheduled status with its first
// history entry.
func (l *Lifecycle) NewScheduled(req BookRequest, rng TimeRange) *Appointment {
	now := l.clock.Now()
	a := &Appointment{
		ID:          uuid.New(),
		PatientID:   req.PatientID,
		ProviderID:  req.ProviderID,
		Location:    req.Location,
		ServiceType: req.ServiceType,
		StartTime:   rng.Start,
		EndTime:     rng.End,
		Status:      StatusScheduled,
		Notes:       req.Notes,
		CreatedBy:   req.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	l.appendHistory(a, req.ActorID, nil)
	return a
}

func (l *Lifecycle) Confirm(a *Appointment, actorID *uuid.UUID) error {
	if a.Status != StatusScheduled {
		return fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, a.Status)
	}
	a.Status = StatusConfirmed
	a.UpdatedAt = l.clock.Now()
	l.appendHistory(a, actorID, nil)
	return nil
}

// Cancel moves an active appointment to cancelled. The reason is mandatory:
// a second cancel is rejected rather than silently absorbed so the caller's
// reason and audit intent are never lost.
func (l *Lifecycle) Cancel(a *Appointment, actorID *uuid.UUID, reason string) error {
	if a.Status == StatusCancelled {
		return ErrAlreadyCancelled
	}
	if !a.Status.Active() {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, a.Status)
	}
	if reason == "" {
		return ErrCancelReasonRequired
	}

	now := l.clock.Now()
	a.Status = StatusCancelled
	a.CancelledReason = &reason
	a.CancelledAt = &now
	a.UpdatedAt = now
	l.appendHistory(a, actorID, &reason)
	return nil
}

// Complete closes out an appointment. Unless early completion is allowed by
// policy, the appointment's end time must have passed.
func (l *Lifecycle) Complete(a *Appointment, actorID *uuid.UUID) error {
	if !a.Status.Active() {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, a.Status)
	}
	if !l.allowEarlyComplete && l.clock.Now().Before(a.EndTime) {
		return ErrNotYetEnded
	}
	a.Status = StatusCompleted
	a.UpdatedAt = l.clock.Now()
	l.appendHistory(a, actorID, nil)
	return nil
}

// RescheduleAway cancels old with the reschedule reason and returns its
// replacement in scheduled status, linked through PreviousAppointmentID.
// Start/end of an existing row are never edited in place; a reschedule is
// always a new row.
func (l *Lifecycle) RescheduleAway(old *Appointment, rng TimeRange, actorID *uuid.UUID, reason string) (*Appointment, error) {
	if !old.Status.Active() {
		if old.Status == StatusCancelled {
			return nil, ErrAlreadyCancelled
		}
		return nil, fmt.Errorf("%w: reschedule from %s", ErrInvalidTransition, old.Status)
	}

	cancelReason := RescheduledReason
	if reason != "" {
		cancelReason = RescheduledReason + ": " + reason
	}
	if err := l.Cancel(old, actorID, cancelReason); err != nil {
		return nil, err
	}

	next := l.NewScheduled(BookRequest{
		PatientID:   old.PatientID,
		ProviderID:  old.ProviderID,
		Location:    old.Location,
		ServiceType: old.ServiceType,
		Notes:       old.Notes,
		ActorID:     actorID,
	}, rng)
	prev := old.ID
	next.PreviousAppointmentID = &prev
	return next, nil
}

// AttachPatient sets the patient on a walk-in booking. Not a status
// transition, but centralized here with the other guarded mutations.
func (l *Lifecycle) AttachPatient(a *Appointment, patientID uuid.UUID, actorID *uuid.UUID) error {
	if a.Status.Terminal() {
		return fmt.Errorf("%w: attach patient to %s appointment", ErrInvalidTransition, a.Status)
	}
	if a.PatientID != nil {
		return ErrPatientAttached
	}
	a.PatientID = &patientID
	a.UpdatedAt = l.clock.Now()
	return nil
}
