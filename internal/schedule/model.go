package schedule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Active appointments participate in conflict checks.
func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusConfirmed
}

// Terminal appointments accept no further transitions and are retained
// permanently for history.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// ConflictKey scopes overlap checks to a provider, optionally narrowed to a
// location.
type ConflictKey struct {
	ProviderID uuid.UUID
	Location   string
}

func (k ConflictKey) String() string {
	if k.Location == "" {
		return "provider:" + k.ProviderID.String()
	}
	return fmt.Sprintf("provider:%s:loc:%s", k.ProviderID, k.Location)
}

// StatusChange is one append-only entry in an appointment's status history.
type StatusChange struct {
	ID        uuid.UUID
	Status    Status
	ChangedAt time.Time
	ChangedBy *uuid.UUID
	Note      *string
}

type Appointment struct {
	ID                    uuid.UUID
	PatientID             *uuid.UUID // nil until a walk-in patient is attached
	ProviderID            uuid.UUID
	Location              string
	ServiceType           string
	StartTime             time.Time
	EndTime               time.Time
	Status                Status
	Notes                 string
	CreatedBy             *uuid.UUID
	CancelledReason       *string
	CancelledAt           *time.Time
	PreviousAppointmentID *uuid.UUID // set on the replacement row of a reschedule
	CreatedAt             time.Time
	UpdatedAt             time.Time
	StatusHistory         []StatusChange
}

func (a *Appointment) Range() TimeRange {
	return TimeRange{Start: a.StartTime, End: a.EndTime}
}

func (a *Appointment) Key() ConflictKey {
	return ConflictKey{ProviderID: a.ProviderID, Location: a.Location}
}

type BookRequest struct {
	PatientID   *uuid.UUID
	ProviderID  uuid.UUID
	Location    string
	ServiceType string
	StartTime   time.Time
	EndTime     time.Time
	Notes       string
	ActorID     *uuid.UUID
}

type RescheduleRequest struct {
	AppointmentID uuid.UUID
	StartTime     time.Time
	EndTime       time.Time
	Reason        string
	ActorID       *uuid.UUID
}

type CancelRequest struct {
	AppointmentID uuid.UUID
	Reason        string
	NotifyPatient bool
	ActorID       *uuid.UUID
}

// ListFilter narrows List queries. Zero-valued fields are ignored.
type ListFilter struct {
	PatientID  *uuid.UUID
	ProviderID *uuid.UUID
	Status     Status
	StartFrom  *time.Time
	EndTo      *time.Time
	Page       int
	PageSize   int
}

// AvailabilityQuery describes one availability search.
type AvailabilityQuery struct {
	ProviderIDs          []uuid.UUID
	Window               TimeRange
	SlotMinutes          int
	Location             string
	ExcludeAppointmentID uuid.UUID // lets a reschedule see its own slot as free
}

// ProviderAvailability is the bookable slots for one provider, in start order.
type ProviderAvailability struct {
	ProviderID uuid.UUID
	Location   string
	Slots      []TimeRange
}

// Clock is injected so time-dependent guards are testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func SystemClock() Clock { return systemClock{} }
