// Package audit provides the append-only compliance trail consumed by the
// scheduling core. Every state-changing scheduling operation emits exactly
// one event before it reports success.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the scheduling service.
const (
	ActionCreate        = "appointment.create"
	ActionConfirm       = "appointment.confirm"
	ActionCancel        = "appointment.cancel"
	ActionReschedule    = "appointment.reschedule"
	ActionComplete      = "appointment.complete"
	ActionAttachPatient = "appointment.attach_patient"
	ActionRead          = "appointment.read"
	ActionList          = "appointment.list"
	ActionAvailability  = "appointment.availability"
)

// ResourceAppointment is the resource type for all scheduling events.
const ResourceAppointment = "appointment"

// Event is one immutable audit record. ResourceID is nil for events that do
// not target a single appointment (list, availability); the column is
// nullable for the same reason.
type Event struct {
	ActorID      *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	Metadata     map[string]string
	Timestamp    time.Time
}

// Sink records events. Implementations are append-only and safe for
// concurrent writers; a Record error must be surfaced by the caller, never
// swallowed.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}
