package window

import (
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestAdjustedHour(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Unix()

	require.Equal(t, 0, AdjustedHour(base, 0))
	require.Equal(t, 1, AdjustedHour(base+HourSeconds, 0))
	require.Equal(t, 1, AdjustedHour(base+2*HourSeconds-1, 0))
	require.Equal(t, 23, AdjustedHour(base-1, 0))
	// UTC+2
	require.Equal(t, 2, AdjustedHour(base, 2*HourSeconds))
	// UTC-5 wraps to the previous day
	require.Equal(t, 19, AdjustedHour(base, -5*HourSeconds))
	require.Equal(t, 23, AdjustedHour(-1, 0))
}

func TestClassifyAlternates(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Unix()
	for h := int64(0); h < 48; h++ {
		now := base + h*HourSeconds + 1800
		if h%2 == 1 {
			require.True(t, IsContribution(now, 0), "hour %d", h)
			require.False(t, IsAggregation(now, 0), "hour %d", h)
		} else {
			require.True(t, IsAggregation(now, 0), "hour %d", h)
			require.False(t, IsContribution(now, 0), "hour %d", h)
		}
	}
	require.Equal(t, "contribution", Contribution.String())
	require.Equal(t, "aggregation", Aggregation.String())
}

func TestNextBoundary(t *testing.T) {
	base := time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC).Unix()

	require.Equal(t, base+HourSeconds, NextBoundary(base, 0))
	require.Equal(t, base+HourSeconds, NextBoundary(base+HourSeconds-1, 0))

	// 05:00 is a contribution window; the next one starts at 07:00
	require.Equal(t, base+2*HourSeconds, NextStart(base, 0, Contribution))
	require.Equal(t, base+HourSeconds, NextStart(base, 0, Aggregation))

	// half-hour offsets shift the boundary
	off := int64(1800)
	b := NextBoundary(base, off)
	require.Equal(t, base+1800, b)
	require.NotEqual(t, Classify(b-1, off), Classify(b, off))
}

func TestScheduler(t *testing.T) {
	clk := clock.NewFakeClockAt(time.Date(2024, 3, 1, 3, 59, 0, 0, time.UTC))
	s := NewScheduler(0)

	require.Equal(t, Contribution, s.At(clk.Now()))
	require.Equal(t, time.Minute, s.Until(clk.Now()))

	clk.Advance(time.Minute)
	require.Equal(t, Aggregation, s.At(clk.Now()))
	require.Equal(t, time.Hour, s.Until(clk.Now()))

	s = NewScheduler(time.Hour)
	require.Equal(t, int64(3600), s.Offset())
	require.Equal(t, Contribution, s.At(clk.Now()))
}
