// Package cycle derives and orders the keys that identify distribution periods.
//
// Key formats per mode:
//
//	weekly    2026-W42             ISO week
//	daily     2026-10-16
//	interval  iv-001760572800      unix seconds of the interval boundary, 12 digits
//	test      test-001760572800    same as interval, used for short dev cycles
//
// Keys produced by one Calendar order lexicographically in time order.
package cycle

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reward-airdrop/internal/types"
)

// Mode selects the period length and key format
type Mode string

const (
	ModeWeekly   Mode = "weekly"
	ModeDaily    Mode = "daily"
	ModeInterval Mode = "interval"
	ModeTest     Mode = "test"
)

// Calendar maps instants to cycle keys for one mode
type Calendar struct {
	Mode     Mode
	Interval time.Duration // required for interval and test modes
}

// NewCalendar validates the mode/interval combination
func NewCalendar(mode string, interval time.Duration) (*Calendar, error) {
	c := &Calendar{Mode: Mode(mode), Interval: interval}
	switch c.Mode {
	case ModeWeekly, ModeDaily:
	case ModeInterval, ModeTest:
		if interval < time.Second {
			return nil, fmt.Errorf("cycle mode %s requires an interval of at least 1s, got %s", mode, interval)
		}
	default:
		return nil, fmt.Errorf("unknown cycle mode %q", mode)
	}
	return c, nil
}

// Current returns the key of the cycle containing t
func (c *Calendar) Current(t time.Time) string {
	t = t.UTC()
	switch c.Mode {
	case ModeWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case ModeDaily:
		return t.Format("2006-01-02")
	default:
		secs := int64(c.Interval / time.Second)
		boundary := t.Unix() - mod(t.Unix(), secs)
		return c.boundaryKey(boundary)
	}
}

// Start returns the first instant of the cycle identified by key
func (c *Calendar) Start(key string) (time.Time, error) {
	switch c.Mode {
	case ModeWeekly:
		var year, week int
		if _, err := fmt.Sscanf(key, "%04d-W%02d", &year, &week); err != nil || week < 1 || week > 53 {
			return time.Time{}, fmt.Errorf("invalid weekly cycle key %q", key)
		}
		start := isoWeekStart(year, week)
		if y, w := start.ISOWeek(); y != year || w != week {
			return time.Time{}, fmt.Errorf("week %d does not exist in %d", week, year)
		}
		return start, nil
	case ModeDaily:
		t, err := time.ParseInLocation("2006-01-02", key, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid daily cycle key %q: %w", key, err)
		}
		return t, nil
	default:
		prefix := c.prefix()
		if !strings.HasPrefix(key, prefix) {
			return time.Time{}, fmt.Errorf("invalid %s cycle key %q", c.Mode, key)
		}
		secs, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid %s cycle key %q: %w", c.Mode, key, err)
		}
		return time.Unix(secs, 0).UTC(), nil
	}
}

// Previous returns the key of the cycle before key
func (c *Calendar) Previous(key string) (string, error) {
	start, err := c.Start(key)
	if err != nil {
		return "", err
	}
	return c.Current(start.Add(-time.Second)), nil
}

// Next returns the key of the cycle after key
func (c *Calendar) Next(key string) (string, error) {
	start, err := c.Start(key)
	if err != nil {
		return "", err
	}
	switch c.Mode {
	case ModeWeekly:
		return c.Current(start.AddDate(0, 0, 7)), nil
	case ModeDaily:
		return c.Current(start.AddDate(0, 0, 1)), nil
	default:
		return c.Current(start.Add(c.Interval)), nil
	}
}

// Valid reports whether key was produced by this calendar
func (c *Calendar) Valid(key string) bool {
	start, err := c.Start(key)
	return err == nil && c.Current(start) == key
}

func (c *Calendar) prefix() string {
	if c.Mode == ModeTest {
		return "test-"
	}
	return "iv-"
}

func (c *Calendar) boundaryKey(unix int64) string {
	return fmt.Sprintf("%s%012d", c.prefix(), unix)
}

// SnapshotKey names the snapshot taken at phase of cycleKey
func SnapshotKey(cycleKey string, phase types.SnapshotPhase) string {
	return cycleKey + "-" + string(phase)
}

// ParseSnapshotKey splits a snapshot key into its cycle key and phase
func ParseSnapshotKey(snapshotKey string) (string, types.SnapshotPhase, error) {
	for _, phase := range []types.SnapshotPhase{types.PhaseStart, types.PhaseEnd} {
		suffix := "-" + string(phase)
		if strings.HasSuffix(snapshotKey, suffix) && len(snapshotKey) > len(suffix) {
			return strings.TrimSuffix(snapshotKey, suffix), phase, nil
		}
	}
	return "", "", fmt.Errorf("snapshot key %q has no start/end phase suffix", snapshotKey)
}

func isoWeekStart(year, week int) time.Time {
	// January 4th is always in ISO week 1
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7 // days since Monday
	monday := jan4.AddDate(0, 0, -offset)
	return monday.AddDate(0, 0, (week-1)*7)
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
