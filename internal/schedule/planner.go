package schedule

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AvailabilityPlanner computes bookable slots from the conflict index. It is
// read-only: slots are derived on every query and never stored.
type AvailabilityPlanner struct {
	index *ConflictIndex
}

func NewAvailabilityPlanner(index *ConflictIndex) *AvailabilityPlanner {
	return &AvailabilityPlanner{index: index}
}

// ComputeAvailability subdivides each free interval into consecutive
// SlotMinutes-wide slots, dropping any trailing remainder. Results are
// ordered by provider id, then start time.
func (p *AvailabilityPlanner) ComputeAvailability(ctx context.Context, q AvailabilityQuery) ([]ProviderAvailability, error) {
	if len(q.ProviderIDs) == 0 {
		return nil, fmt.Errorf("%w: no providers", ErrInvalidWindow)
	}
	if q.SlotMinutes <= 0 {
		return nil, fmt.Errorf("%w: slot_minutes=%d", ErrInvalidWindow, q.SlotMinutes)
	}
	if !q.Window.End.After(q.Window.Start) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWindow, q.Window)
	}

	providers := append([]uuid.UUID(nil), q.ProviderIDs...)
	sort.Slice(providers, func(i, j int) bool {
		return bytes.Compare(providers[i][:], providers[j][:]) < 0
	})

	slotDur := time.Duration(q.SlotMinutes) * time.Minute
	result := make([]ProviderAvailability, 0, len(providers))

	for _, providerID := range providers {
		key := ConflictKey{ProviderID: providerID, Location: q.Location}
		free, err := p.index.FreeIntervals(ctx, key, q.Window, slotDur, q.ExcludeAppointmentID)
		if err != nil {
			return nil, fmt.Errorf("free intervals for %s: %w", key, err)
		}

		var slots []TimeRange
		for _, interval := range free {
			for cur := interval.Start; !cur.Add(slotDur).After(interval.End); cur = cur.Add(slotDur) {
				slots = append(slots, TimeRange{Start: cur, End: cur.Add(slotDur)})
			}
		}

		result = append(result, ProviderAvailability{
			ProviderID: providerID,
			Location:   q.Location,
			Slots:      slots,
		})
	}

	return result, nil
}
