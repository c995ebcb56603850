package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence boundary for appointments. Rows are owned
// exclusively by the scheduling service; nothing else writes them.
type Store interface {
	// LoadAppointment hydrates an appointment with its full status history.
	LoadAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// SaveAppointment upserts the appointment row and appends any history
	// entries not yet persisted. History rows are never updated or deleted.
	SaveAppointment(ctx context.Context, a *Appointment) error

	// ListActiveByProvider returns the scheduled/confirmed appointments for
	// one provider, used to rebuild the conflict index at startup.
	ListActiveByProvider(ctx context.Context, providerID uuid.UUID) ([]Appointment, error)

	// ListProviderIDs returns every provider with at least one active
	// appointment.
	ListProviderIDs(ctx context.Context) ([]uuid.UUID, error)

	// ListAppointments returns a filtered page plus the unpaged total.
	// Results omit status history.
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, int, error)

	// ListOverdueActive returns active appointments whose end time has
	// passed, for the completion worker.
	ListOverdueActive(ctx context.Context, now time.Time) ([]Appointment, error)
}
