package cycle

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reward-airdrop/internal/types"
)

func TestCalendar_Current(t *testing.T) {
	at := time.Date(2026, time.October, 16, 13, 45, 10, 0, time.UTC)

	tests := []struct {
		mode     string
		interval time.Duration
		want     string
	}{
		{"weekly", 0, "2026-W42"},
		{"daily", 0, "2026-10-16"},
		{"interval", time.Hour, "iv-001792155600"},
		{"test", 15 * time.Minute, "test-001792158300"},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cal, err := NewCalendar(tt.mode, tt.interval)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cal.Current(at))
			assert.True(t, cal.Valid(tt.want))
		})
	}
}

func TestCalendar_PreviousNextRoundTrip(t *testing.T) {
	calendars := []*Calendar{
		{Mode: ModeWeekly},
		{Mode: ModeDaily},
		{Mode: ModeInterval, Interval: 6 * time.Hour},
		{Mode: ModeTest, Interval: 10 * time.Minute},
	}
	at := time.Date(2026, time.January, 1, 0, 30, 0, 0, time.UTC)

	for _, cal := range calendars {
		t.Run(string(cal.Mode), func(t *testing.T) {
			key := cal.Current(at)
			prev, err := cal.Previous(key)
			require.NoError(t, err)
			next, err := cal.Next(key)
			require.NoError(t, err)

			assert.Less(t, prev, key)
			assert.Less(t, key, next)

			back, err := cal.Next(prev)
			require.NoError(t, err)
			assert.Equal(t, key, back)
		})
	}
}

func TestCalendar_WeeklyYearBoundary(t *testing.T) {
	cal := &Calendar{Mode: ModeWeekly}

	// 2026-01-01 is a Thursday, so it belongs to 2026-W01
	assert.Equal(t, "2026-W01", cal.Current(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	prev, err := cal.Previous("2026-W01")
	require.NoError(t, err)
	assert.Equal(t, "2025-W52", prev)

	start, err := cal.Start("2026-W42")
	require.NoError(t, err)
	assert.Equal(t, time.Monday, start.Weekday())
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), start)

	_, err = cal.Start("2025-W53")
	assert.Error(t, err)
}

func TestCalendar_KeysSortInTimeOrder(t *testing.T) {
	cal := &Calendar{Mode: ModeInterval, Interval: 90 * time.Minute}
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var keys []string
	for i := 0; i < 50; i++ {
		keys = append(keys, cal.Current(base.Add(time.Duration(i)*97*time.Minute)))
	}
	assert.True(t, sort.StringsAreSorted(keys))
}

func TestNewCalendar_Errors(t *testing.T) {
	_, err := NewCalendar("hourly", 0)
	assert.Error(t, err)
	_, err = NewCalendar("interval", 0)
	assert.Error(t, err)
}

func TestSnapshotKey(t *testing.T) {
	key := SnapshotKey("2026-W42", types.PhaseEnd)
	assert.Equal(t, "2026-W42-end", key)

	cycleKey, phase, err := ParseSnapshotKey(key)
	require.NoError(t, err)
	assert.Equal(t, "2026-W42", cycleKey)
	assert.Equal(t, types.PhaseEnd, phase)

	cycleKey, phase, err = ParseSnapshotKey("test-001791812800-start")
	require.NoError(t, err)
	assert.Equal(t, "test-001791812800", cycleKey)
	assert.Equal(t, types.PhaseStart, phase)

	_, _, err = ParseSnapshotKey("2026-W42")
	assert.Error(t, err)
}
