package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRange(t *testing.T, start, end string) TimeRange {
	t.Helper()
	s, err := time.Parse(time.RFC3339, start)
	require.NoError(t, err)
	e, err := time.Parse(time.RFC3339, end)
	require.NoError(t, err)
	rng, err := NewTimeRange(s, e)
	require.NoError(t, err)
	return rng
}

func TestNewTimeRangeRejectsBackwardsAndZero(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	_, err := NewTimeRange(at, at)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = NewTimeRange(at, at.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = NewTimeRange(at, at.Add(time.Minute))
	assert.NoError(t, err)
}

func TestOverlapsHalfOpen(t *testing.T) {
	nineToHalf := mustRange(t, "2026-03-02T09:00:00Z", "2026-03-02T09:30:00Z")
	halfToTen := mustRange(t, "2026-03-02T09:30:00Z", "2026-03-02T10:00:00Z")

	// Touching at a boundary is not an overlap.
	assert.False(t, nineToHalf.Overlaps(halfToTen))
	assert.False(t, halfToTen.Overlaps(nineToHalf))

	overlapping := mustRange(t, "2026-03-02T09:15:00Z", "2026-03-02T09:45:00Z")
	assert.True(t, nineToHalf.Overlaps(overlapping))
	assert.True(t, overlapping.Overlaps(nineToHalf))
	assert.True(t, halfToTen.Overlaps(overlapping))

	containing := mustRange(t, "2026-03-02T08:00:00Z", "2026-03-02T11:00:00Z")
	assert.True(t, containing.Overlaps(nineToHalf))
	assert.True(t, nineToHalf.Overlaps(containing))
}

func TestContainsHalfOpen(t *testing.T) {
	rng := mustRange(t, "2026-03-02T09:00:00Z", "2026-03-02T09:30:00Z")

	assert.True(t, rng.Contains(rng.Start))
	assert.True(t, rng.Contains(rng.Start.Add(29*time.Minute)))
	assert.False(t, rng.Contains(rng.End), "end is exclusive")
	assert.False(t, rng.Contains(rng.Start.Add(-time.Second)))
}

func TestDurationMinutes(t *testing.T) {
	rng := mustRange(t, "2026-03-02T09:00:00Z", "2026-03-02T09:45:00Z")
	assert.Equal(t, 45*time.Minute, rng.Duration())
	assert.Equal(t, 45, rng.DurationMinutes())
}
