package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebook/clinic-scheduling/internal/audit"
	"github.com/carebook/clinic-scheduling/internal/locks"
)

// ServiceConfig carries the scheduling policies that are deployment choices
// rather than domain rules.
type ServiceConfig struct {
	DefaultSlotMinutes int
	AllowEarlyComplete bool
	// AlternativeWindow bounds how far past a rejected range the service
	// searches for alternative slots; AlternativeLimit caps how many it
	// returns.
	AlternativeWindow time.Duration
	AlternativeLimit  int
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.DefaultSlotMinutes <= 0 {
		c.DefaultSlotMinutes = 30
	}
	if c.AlternativeWindow <= 0 {
		c.AlternativeWindow = 8 * time.Hour
	}
	if c.AlternativeLimit <= 0 {
		c.AlternativeLimit = 10
	}
	return c
}

// Service is the scheduling façade. It validates requests, serializes
// same-key mutations through the locker, keeps the conflict index in sync
// with the store, and emits exactly one audit event per successful mutating
// operation before reporting success.
type Service struct {
	store   Store
	index   *ConflictIndex
	planner *AvailabilityPlanner
	sink    audit.Sink
	locker  locks.Locker
	life    *Lifecycle
	clock   Clock
	log     zerolog.Logger
	cfg     ServiceConfig
}

func NewService(store Store, index *ConflictIndex, sink audit.Sink, locker locks.Locker, clock Clock, log zerolog.Logger, cfg ServiceConfig) *Service {
	if clock == nil {
		clock = SystemClock()
	}
	cfg = cfg.withDefaults()
	return &Service{
		store:   store,
		index:   index,
		planner: NewAvailabilityPlanner(index),
		sink:    sink,
		locker:  locker,
		life:    NewLifecycle(clock, cfg.AllowEarlyComplete),
		clock:   clock,
		log:     log,
		cfg:     cfg,
	}
}

// RebuildIndex loads every active appointment and replaces the conflict
// index wholesale. Called once at startup before the service takes traffic.
func (s *Service) RebuildIndex(ctx context.Context) error {
	providerIDs, err := s.store.ListProviderIDs(ctx)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}

	var active []Appointment
	for _, providerID := range providerIDs {
		appts, err := s.store.ListActiveByProvider(ctx, providerID)
		if err != nil {
			return fmt.Errorf("list active appointments for provider %s: %w", providerID, err)
		}
		active = append(active, appts...)
	}

	s.index.Rebuild(active)
	s.log.Info().Int("bookings", s.index.Size()).Int("providers", len(providerIDs)).Msg("conflict index rebuilt")
	return nil
}

// IndexSize reports the number of indexed bookings, exposed through the
// readiness probe as a signal that the startup rebuild ran.
func (s *Service) IndexSize() int {
	return s.index.Size()
}

// Book creates a new scheduled appointment. On overlap the returned
// ConflictError carries alternative slots of the requested duration.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	rng, err := NewTimeRange(req.StartTime, req.EndTime)
	if err != nil {
		return nil, err
	}
	key := ConflictKey{ProviderID: req.ProviderID, Location: req.Location}

	var appt *Appointment
	err = s.withKeyLock(ctx, key, func(ctx context.Context) error {
		a := s.life.NewScheduled(req, rng)

		if err := s.insertBooking(ctx, key, rng, a.ID); err != nil {
			return err
		}
		if err := s.store.SaveAppointment(ctx, a); err != nil {
			s.compensateRemove(ctx, key, a.ID)
			return fmt.Errorf("persist appointment: %w", err)
		}

		metadata := map[string]string{"provider_id": a.ProviderID.String()}
		if a.PatientID != nil {
			metadata["patient_id"] = a.PatientID.String()
		}
		if a.Location != "" {
			metadata["location"] = a.Location
		}
		if err := s.recordAudit(ctx, audit.ActionCreate, a.ID, req.ActorID, metadata); err != nil {
			return err
		}

		appt = a
		return nil
	})
	if err != nil {
		return nil, s.attachAlternatives(ctx, err, uuid.Nil)
	}
	return appt, nil
}

// Confirm moves a scheduled appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, actorID *uuid.UUID) (*Appointment, error) {
	key, err := s.keyOf(ctx, id)
	if err != nil {
		return nil, err
	}

	var appt *Appointment
	err = s.withKeyLock(ctx, key, func(ctx context.Context) error {
		a, err := s.store.LoadAppointment(ctx, id)
		if err != nil {
			return err
		}
		if err := s.life.Confirm(a, actorID); err != nil {
			return err
		}
		if err := s.store.SaveAppointment(ctx, a); err != nil {
			return fmt.Errorf("persist confirm: %w", err)
		}
		if err := s.recordAudit(ctx, audit.ActionConfirm, a.ID, actorID, nil); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// Cancel moves an active appointment to cancelled and releases its booking.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (*Appointment, error) {
	key, err := s.keyOf(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}

	var appt *Appointment
	err = s.withKeyLock(ctx, key, func(ctx context.Context) error {
		a, err := s.store.LoadAppointment(ctx, req.AppointmentID)
		if err != nil {
			return err
		}
		if err := s.life.Cancel(a, req.ActorID, req.Reason); err != nil {
			return err
		}
		if err := s.index.Remove(ctx, key, a.ID); err != nil {
			return err
		}
		if err := s.store.SaveAppointment(ctx, a); err != nil {
			s.compensateInsert(ctx, key, a.Range(), a.ID)
			return fmt.Errorf("persist cancel: %w", err)
		}
		metadata := map[string]string{
			"reason": req.Reason,
			"notify": strconv.FormatBool(req.NotifyPatient),
		}
		if err := s.recordAudit(ctx, audit.ActionCancel, a.ID, req.ActorID, metadata); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// Reschedule cancels the current appointment with reason "rescheduled" and
// books a replacement at the new range, linked through
// PreviousAppointmentID. If the new range conflicts, the original booking is
// restored untouched and the error carries alternatives.
func (s *Service) Reschedule(ctx context.Context, req RescheduleRequest) (*Appointment, error) {
	rng, err := NewTimeRange(req.StartTime, req.EndTime)
	if err != nil {
		return nil, err
	}
	key, err := s.keyOf(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}

	var appt *Appointment
	lockErr := s.withKeyLock(ctx, key, func(ctx context.Context) error {
		old, err := s.store.LoadAppointment(ctx, req.AppointmentID)
		if err != nil {
			return err
		}
		if old.Status.Terminal() {
			return fmt.Errorf("%w: appointment %s is %s", ErrNotFound, old.ID, old.Status)
		}

		snapshot := cloneAppointment(old)
		oldRange := old.Range()

		next, err := s.life.RescheduleAway(old, rng, req.ActorID, req.Reason)
		if err != nil {
			return err
		}

		if err := s.index.Remove(ctx, key, old.ID); err != nil {
			return err
		}
		if err := s.insertBooking(ctx, key, rng, next.ID); err != nil {
			// Losing the original booking silently would be worse than
			// rejecting the reschedule: restore it before surfacing.
			s.compensateInsert(ctx, key, oldRange, old.ID)
			return err
		}

		if err := s.store.SaveAppointment(ctx, old); err != nil {
			s.compensateRemove(ctx, key, next.ID)
			s.compensateInsert(ctx, key, oldRange, old.ID)
			return fmt.Errorf("persist reschedule (cancelled half): %w", err)
		}
		if err := s.store.SaveAppointment(ctx, next); err != nil {
			s.compensateRemove(ctx, key, next.ID)
			s.compensateInsert(ctx, key, oldRange, old.ID)
			if restoreErr := s.store.SaveAppointment(context.WithoutCancel(ctx), snapshot); restoreErr != nil {
				s.log.Error().Err(restoreErr).Stringer("appointment_id", old.ID).
					Msg("failed to restore original appointment after reschedule rollback")
			}
			return fmt.Errorf("persist reschedule (new half): %w", err)
		}

		metadata := map[string]string{
			"previous_appointment_id": old.ID.String(),
			"previous_start":          oldRange.Start.Format(time.RFC3339),
			"previous_end":            oldRange.End.Format(time.RFC3339),
		}
		if req.Reason != "" {
			metadata["reason"] = req.Reason
		}
		if err := s.recordAudit(ctx, audit.ActionReschedule, next.ID, req.ActorID, metadata); err != nil {
			return err
		}

		appt = next
		return nil
	})
	if lockErr != nil {
		return nil, s.attachAlternatives(ctx, lockErr, req.AppointmentID)
	}
	return appt, nil
}

// Complete closes out an appointment, subject to the end-time guard.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, actorID *uuid.UUID) (*Appointment, error) {
	key, err := s.keyOf(ctx, id)
	if err != nil {
		return nil, err
	}

	var appt *Appointment
	err = s.withKeyLock(ctx, key, func(ctx context.Context) error {
		a, err := s.store.LoadAppointment(ctx, id)
		if err != nil {
			return err
		}
		if err := s.completeLocked(ctx, key, a, actorID, false); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

func (s *Service) completeLocked(ctx context.Context, key ConflictKey, a *Appointment, actorID *uuid.UUID, auto bool) error {
	if err := s.life.Complete(a, actorID); err != nil {
		return err
	}
	if err := s.index.Remove(ctx, key, a.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := s.store.SaveAppointment(ctx, a); err != nil {
		s.compensateInsert(ctx, key, a.Range(), a.ID)
		return fmt.Errorf("persist complete: %w", err)
	}
	metadata := map[string]string{"auto": strconv.FormatBool(auto)}
	return s.recordAudit(ctx, audit.ActionComplete, a.ID, actorID, metadata)
}

// CompleteOverdue completes every active appointment whose end time has
// passed. Run periodically by the completion worker; failures on individual
// appointments are logged and skipped so one bad row cannot wedge the sweep.
func (s *Service) CompleteOverdue(ctx context.Context) (int, error) {
	overdue, err := s.store.ListOverdueActive(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("list overdue appointments: %w", err)
	}

	completed := 0
	for i := range overdue {
		a := overdue[i]
		key := a.Key()
		err := s.withKeyLock(ctx, key, func(ctx context.Context) error {
			fresh, err := s.store.LoadAppointment(ctx, a.ID)
			if err != nil {
				return err
			}
			if !fresh.Status.Active() {
				return nil
			}
			return s.completeLocked(ctx, key, fresh, nil, true)
		})
		if err != nil {
			s.log.Error().Err(err).Stringer("appointment_id", a.ID).Msg("auto-complete failed")
			continue
		}
		completed++
	}
	return completed, nil
}

// AttachPatient sets the patient on a walk-in booking.
func (s *Service) AttachPatient(ctx context.Context, id, patientID uuid.UUID, actorID *uuid.UUID) (*Appointment, error) {
	key, err := s.keyOf(ctx, id)
	if err != nil {
		return nil, err
	}

	var appt *Appointment
	err = s.withKeyLock(ctx, key, func(ctx context.Context) error {
		a, err := s.store.LoadAppointment(ctx, id)
		if err != nil {
			return err
		}
		if err := s.life.AttachPatient(a, patientID, actorID); err != nil {
			return err
		}
		if err := s.store.SaveAppointment(ctx, a); err != nil {
			return fmt.Errorf("persist attach patient: %w", err)
		}
		metadata := map[string]string{"patient_id": patientID.String()}
		if err := s.recordAudit(ctx, audit.ActionAttachPatient, a.ID, actorID, metadata); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// Get returns one appointment with its history. Reads are audited too.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actorID *uuid.UUID) (*Appointment, error) {
	a, err := s.store.LoadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.recordAudit(ctx, audit.ActionRead, a.ID, actorID, nil); err != nil {
		return nil, err
	}
	return a, nil
}

// List returns a filtered page of appointments plus the unpaged total.
func (s *Service) List(ctx context.Context, f ListFilter, actorID *uuid.UUID) ([]Appointment, int, error) {
	items, total, err := s.store.ListAppointments(ctx, f)
	if err != nil {
		return nil, 0, err
	}

	metadata := map[string]string{
		"returned": strconv.Itoa(len(items)),
		"total":    strconv.Itoa(total),
	}
	if f.ProviderID != nil {
		metadata["provider_id"] = f.ProviderID.String()
	}
	if f.PatientID != nil {
		metadata["patient_id"] = f.PatientID.String()
	}
	if f.Status != "" {
		metadata["status"] = string(f.Status)
	}
	if err := s.recordAuditList(ctx, actorID, metadata); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// GetAvailability computes bookable slots per provider over the window.
func (s *Service) GetAvailability(ctx context.Context, q AvailabilityQuery, actorID *uuid.UUID) ([]ProviderAvailability, error) {
	if q.SlotMinutes == 0 {
		q.SlotMinutes = s.cfg.DefaultSlotMinutes
	}

	result, err := s.planner.ComputeAvailability(ctx, q)
	if err != nil {
		return nil, err
	}

	slotCount := 0
	providerIDs := make([]string, 0, len(result))
	for _, pa := range result {
		slotCount += len(pa.Slots)
		providerIDs = append(providerIDs, pa.ProviderID.String())
	}
	metadata := map[string]string{
		"provider_ids": strings.Join(providerIDs, ","),
		"slot_minutes": strconv.Itoa(q.SlotMinutes),
		"slot_count":   strconv.Itoa(slotCount),
		"window_start": q.Window.Start.Format(time.RFC3339),
		"window_end":   q.Window.End.Format(time.RFC3339),
	}
	if q.Location != "" {
		metadata["location"] = q.Location
	}

	ev := audit.Event{
		ActorID:      actorID,
		Action:       audit.ActionAvailability,
		ResourceType: audit.ResourceAppointment,
		Metadata:     metadata,
		Timestamp:    s.clock.Now(),
	}
	if err := s.sink.Record(ctx, ev); err != nil {
		return nil, &AuditFailureError{Action: ev.Action, Err: err}
	}
	return result, nil
}

// insertBooking adds rng to the index, first evicting blocking entries whose
// appointments have since left the active set in the store. Another process
// (the completion worker) can complete an appointment this instance still has
// indexed; the store is the source of truth, so a conflict is only final once
// every blocking booking is confirmed active.
func (s *Service) insertBooking(ctx context.Context, key ConflictKey, rng TimeRange, id uuid.UUID) error {
	err := s.index.Insert(ctx, key, rng, id)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		return err
	}

	for _, blockerID := range conflict.Blocking {
		blocker, loadErr := s.store.LoadAppointment(ctx, blockerID)
		if loadErr != nil && !errors.Is(loadErr, ErrNotFound) {
			return err
		}
		if loadErr == nil && blocker.Status.Active() {
			return err
		}
		if remErr := s.index.Remove(ctx, key, blockerID); remErr != nil {
			return err
		}
		s.log.Info().Stringer("appointment_id", blockerID).Str("key", key.String()).
			Msg("evicted stale index entry for an appointment completed elsewhere")
	}
	return s.index.Insert(ctx, key, rng, id)
}

func (s *Service) keyOf(ctx context.Context, id uuid.UUID) (ConflictKey, error) {
	a, err := s.store.LoadAppointment(ctx, id)
	if err != nil {
		return ConflictKey{}, err
	}
	return a.Key(), nil
}

func (s *Service) withKeyLock(ctx context.Context, key ConflictKey, fn func(ctx context.Context) error) error {
	err := s.locker.WithKeyLock(ctx, key.String(), fn)
	if errors.Is(err, locks.ErrLockNotAcquired) {
		return fmt.Errorf("%w: %s", ErrServiceBusy, key)
	}
	return err
}

func (s *Service) recordAudit(ctx context.Context, action string, resourceID uuid.UUID, actorID *uuid.UUID, metadata map[string]string) error {
	ev := audit.Event{
		ActorID:      actorID,
		Action:       action,
		ResourceType: audit.ResourceAppointment,
		ResourceID:   &resourceID,
		Metadata:     metadata,
		Timestamp:    s.clock.Now(),
	}
	if err := s.sink.Record(ctx, ev); err != nil {
		return &AuditFailureError{Action: action, Err: err}
	}
	return nil
}

func (s *Service) recordAuditList(ctx context.Context, actorID *uuid.UUID, metadata map[string]string) error {
	ev := audit.Event{
		ActorID:      actorID,
		Action:       audit.ActionList,
		ResourceType: audit.ResourceAppointment,
		Metadata:     metadata,
		Timestamp:    s.clock.Now(),
	}
	if err := s.sink.Record(ctx, ev); err != nil {
		return &AuditFailureError{Action: audit.ActionList, Err: err}
	}
	return nil
}

// attachAlternatives fills in alternative slots on a ConflictError so the
// caller can offer a fix without a second round trip. excludeID lets a
// rejected reschedule still see its own current slot as bookable.
func (s *Service) attachAlternatives(ctx context.Context, err error, excludeID uuid.UUID) error {
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		return err
	}

	slotMinutes := conflict.Requested.DurationMinutes()
	if slotMinutes <= 0 {
		slotMinutes = s.cfg.DefaultSlotMinutes
	}

	window := TimeRange{
		Start: conflict.Requested.Start,
		End:   conflict.Requested.Start.Add(s.cfg.AlternativeWindow),
	}
	avail, planErr := s.planner.ComputeAvailability(ctx, AvailabilityQuery{
		ProviderIDs:          []uuid.UUID{conflict.Key.ProviderID},
		Window:               window,
		SlotMinutes:          slotMinutes,
		Location:             conflict.Key.Location,
		ExcludeAppointmentID: excludeID,
	})
	if planErr != nil {
		s.log.Warn().Err(planErr).Stringer("provider_id", conflict.Key.ProviderID).
			Msg("could not compute alternative slots for conflict response")
		return err
	}

	for _, pa := range avail {
		for _, slot := range pa.Slots {
			if len(conflict.Alternatives) >= s.cfg.AlternativeLimit {
				return err
			}
			conflict.Alternatives = append(conflict.Alternatives, slot)
		}
	}
	return err
}

// Compensating mutations undo an index change after a failed persist. They
// must run even when the caller's context is already cancelled, otherwise the
// index keeps a booking the store never accepted (or loses one it still
// holds), so they detach from the caller's cancellation the same way the
// Redis locker releases its lock.
func (s *Service) compensateInsert(ctx context.Context, key ConflictKey, rng TimeRange, id uuid.UUID) {
	if err := s.index.Insert(context.WithoutCancel(ctx), key, rng, id); err != nil {
		s.log.Error().Err(err).Stringer("appointment_id", id).
			Msg("compensating index insert failed; index may be out of sync until rebuild")
	}
}

func (s *Service) compensateRemove(ctx context.Context, key ConflictKey, id uuid.UUID) {
	if err := s.index.Remove(context.WithoutCancel(ctx), key, id); err != nil {
		s.log.Error().Err(err).Stringer("appointment_id", id).
			Msg("compensating index remove failed; index may be out of sync until rebuild")
	}
}

func cloneAppointment(a *Appointment) *Appointment {
	c := *a
	c.StatusHistory = append([]StatusChange(nil), a.StatusHistory...)
	return &c
}
