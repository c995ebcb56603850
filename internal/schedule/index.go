package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type booking struct {
	id  uuid.UUID
	rng TimeRange
}

// keyIndex holds the active bookings for one conflict key in start-time
// order. The channel acts as the per-key lock so acquisition can be bounded
// by a timeout instead of blocking indefinitely.
type keyIndex struct {
	sem      chan struct{}
	bookings []booking
}

func newKeyIndex() *keyIndex {
	ki := &keyIndex{sem: make(chan struct{}, 1)}
	ki.sem <- struct{}{}
	return ki
}

func (ki *keyIndex) acquire(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ki.sem:
		return nil
	case <-timer.C:
		return ErrServiceBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ki *keyIndex) release() {
	ki.sem <- struct{}{}
}

// ConflictIndex answers overlap queries and free-interval computation per
// conflict key. It mirrors the persisted set of active appointments: rebuilt
// from the store at startup and kept in sync on every booking, reschedule and
// cancel, so it is never the sole source of truth.
type ConflictIndex struct {
	mu       sync.RWMutex
	keys     map[ConflictKey]*keyIndex
	lockWait time.Duration
}

func NewConflictIndex(lockWait time.Duration) *ConflictIndex {
	if lockWait <= 0 {
		lockWait = 2 * time.Second
	}
	return &ConflictIndex{
		keys:     make(map[ConflictKey]*keyIndex),
		lockWait: lockWait,
	}
}

func (ix *ConflictIndex) keyFor(key ConflictKey) *keyIndex {
	ix.mu.RLock()
	ki, ok := ix.keys[key]
	ix.mu.RUnlock()
	if ok {
		return ki
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ki, ok = ix.keys[key]; !ok {
		ki = newKeyIndex()
		ix.keys[key] = ki
	}
	return ki
}

// firstOverlapFrom returns the position of the first booking whose end is
// after start. Bookings are start-ordered, so every candidate overlap for a
// range sits at or after this position.
func firstOverlapFrom(bookings []booking, start time.Time) int {
	return sort.Search(len(bookings), func(i int) bool {
		return bookings[i].rng.End.After(start)
	})
}

func overlapsLocked(bookings []booking, rng TimeRange, excludeID uuid.UUID) []uuid.UUID {
	var ids []uuid.UUID
	for i := firstOverlapFrom(bookings, rng.Start); i < len(bookings); i++ {
		b := bookings[i]
		if !b.rng.Start.Before(rng.End) {
			break
		}
		if b.id == excludeID {
			continue
		}
		if b.rng.Overlaps(rng) {
			ids = append(ids, b.id)
		}
	}
	return ids
}

// HasConflict reports whether any active booking for key overlaps rng.
// excludeID (uuid.Nil for none) lets a reschedule ignore its own booking.
func (ix *ConflictIndex) HasConflict(ctx context.Context, key ConflictKey, rng TimeRange, excludeID uuid.UUID) (bool, error) {
	ki := ix.keyFor(key)
	if err := ki.acquire(ctx, ix.lockWait); err != nil {
		return false, err
	}
	defer ki.release()

	return len(overlapsLocked(ki.bookings, rng, excludeID)) > 0, nil
}

// Insert adds a booking after verifying rng overlaps nothing for key. The
// check and the insert happen under the same per-key lock so concurrent
// requests cannot both pass the check.
func (ix *ConflictIndex) Insert(ctx context.Context, key ConflictKey, rng TimeRange, id uuid.UUID) error {
	ki := ix.keyFor(key)
	if err := ki.acquire(ctx, ix.lockWait); err != nil {
		return err
	}
	defer ki.release()

	if blocking := overlapsLocked(ki.bookings, rng, uuid.Nil); len(blocking) > 0 {
		return &ConflictError{Key: key, Requested: rng, Blocking: blocking}
	}

	pos := sort.Search(len(ki.bookings), func(i int) bool {
		return ki.bookings[i].rng.Start.After(rng.Start)
	})
	ki.bookings = append(ki.bookings, booking{})
	copy(ki.bookings[pos+1:], ki.bookings[pos:])
	ki.bookings[pos] = booking{id: id, rng: rng}
	return nil
}

// Remove drops the booking for id. Used on cancel and before the re-insert
// of a reschedule.
func (ix *ConflictIndex) Remove(ctx context.Context, key ConflictKey, id uuid.UUID) error {
	ki := ix.keyFor(key)
	if err := ki.acquire(ctx, ix.lockWait); err != nil {
		return err
	}
	defer ki.release()

	for i, b := range ki.bookings {
		if b.id == id {
			ki.bookings = append(ki.bookings[:i], ki.bookings[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: booking %s not indexed for %s", ErrNotFound, id, key)
}

// FreeIntervals returns the complement of the booked ranges for key within
// window, in chronological order. Gaps shorter than minGap are dropped.
// excludeID treats that booking's range as free.
func (ix *ConflictIndex) FreeIntervals(ctx context.Context, key ConflictKey, window TimeRange, minGap time.Duration, excludeID uuid.UUID) ([]TimeRange, error) {
	ki := ix.keyFor(key)
	if err := ki.acquire(ctx, ix.lockWait); err != nil {
		return nil, err
	}
	defer ki.release()

	var free []TimeRange
	cursor := window.Start

	for i := firstOverlapFrom(ki.bookings, window.Start); i < len(ki.bookings); i++ {
		b := ki.bookings[i]
		if !b.rng.Start.Before(window.End) {
			break
		}
		if b.id == excludeID {
			continue
		}
		if b.rng.Start.After(cursor) {
			gap := TimeRange{Start: cursor, End: b.rng.Start}
			if gap.Duration() >= minGap {
				free = append(free, gap)
			}
		}
		if b.rng.End.After(cursor) {
			cursor = b.rng.End
		}
	}

	if window.End.After(cursor) {
		gap := TimeRange{Start: cursor, End: window.End}
		if gap.Duration() >= minGap {
			free = append(free, gap)
		}
	}

	return free, nil
}

// Rebuild replaces the whole index with the given active appointments.
// Called at startup from the persisted state.
func (ix *ConflictIndex) Rebuild(appts []Appointment) {
	keys := make(map[ConflictKey]*keyIndex)
	for _, a := range appts {
		if !a.Status.Active() {
			continue
		}
		key := a.Key()
		ki, ok := keys[key]
		if !ok {
			ki = newKeyIndex()
			keys[key] = ki
		}
		ki.bookings = append(ki.bookings, booking{id: a.ID, rng: a.Range()})
	}

	for _, ki := range keys {
		sort.Slice(ki.bookings, func(i, j int) bool {
			return ki.bookings[i].rng.Start.Before(ki.bookings[j].rng.Start)
		})
	}

	ix.mu.Lock()
	ix.keys = keys
	ix.mu.Unlock()
}

// Size reports the number of indexed bookings, for startup logging.
func (ix *ConflictIndex) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := 0
	for _, ki := range ix.keys {
		n += len(ki.bookings)
	}
	return n
}
