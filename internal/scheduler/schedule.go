package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/reward-airdrop/internal/errors"
)

const (
	ModeCron     = "cron"
	ModeInterval = "interval"
)

// unknownTime is displayed when the next fire time is outside the describable grammar
const unknownTime = "unknown"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// stepEnv names the setting each step's expression or offset comes from
var stepEnv = map[Step][2]string{
	StepStartSnapshot: {"SCHEDULE_START_SNAPSHOT", "OFFSET_START_SNAPSHOT"},
	StepEndSnapshot:   {"SCHEDULE_END_SNAPSHOT", "OFFSET_END_SNAPSHOT"},
	StepCalculate:     {"SCHEDULE_CALCULATE", "OFFSET_CALCULATE"},
	StepAirdrop:       {"SCHEDULE_AIRDROP", "OFFSET_AIRDROP"},
}

// trigger is the parsed schedule of one step
type trigger struct {
	expr        string
	schedule    cron.Schedule
	describable bool
}

func buildTriggers(cfg Config) (map[Step]trigger, error) {
	triggers := make(map[Step]trigger, len(sequence))
	switch cfg.Mode {
	case ModeCron:
		for _, step := range sequence {
			expr := strings.TrimSpace(cfg.Expressions[step])
			if expr == "" {
				return nil, apperrors.NewInvalidConfigError(stepEnv[step][0], "schedule expression is required")
			}
			schedule, err := cronParser.Parse(expr)
			if err != nil {
				return nil, apperrors.NewInvalidConfigError(stepEnv[step][0], err.Error())
			}
			triggers[step] = trigger{expr: expr, schedule: schedule, describable: describable(expr)}
		}
	case ModeInterval:
		if cfg.Interval < time.Second {
			return nil, apperrors.NewInvalidConfigError("CYCLE_INTERVAL", "must be at least 1s for interval scheduling")
		}
		for _, step := range sequence {
			offset := cfg.Offsets[step]
			if offset < 0 || offset >= cfg.Interval {
				return nil, apperrors.NewInvalidConfigError(stepEnv[step][1], "offset must lie inside the interval")
			}
			triggers[step] = trigger{
				expr:        fmt.Sprintf("every %s at +%s", cfg.Interval, offset),
				schedule:    intervalSchedule{interval: cfg.Interval, offset: offset},
				describable: true,
			}
		}
	default:
		return nil, apperrors.NewInvalidConfigError("SCHEDULE_MODE", fmt.Sprintf("unsupported mode %q", cfg.Mode))
	}
	return triggers, nil
}

// intervalSchedule fires at a fixed offset into every interval. Interval boundaries are
// aligned to the unix epoch like interval cycle keys.
type intervalSchedule struct {
	interval time.Duration
	offset   time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	secs := int64(s.interval / time.Second)
	unix := t.Unix()
	rem := unix % secs
	if rem < 0 {
		rem += secs
	}
	next := time.Unix(unix-rem, 0).UTC().Add(s.offset)
	for !next.After(t) {
		next = next.Add(s.interval)
	}
	return next
}

// describable reports whether expr belongs to the grammar whose next fire time is shown:
// daily at a time (M H * * *), weekly on a weekday (M H * * D), a fixed minute interval
// (*/N * * * *) or @every <duration>.
func describable(expr string) bool {
	expr = strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		return err == nil && d > 0
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return false
	}
	if fields[2] != "*" || fields[3] != "*" {
		return false
	}

	if n, ok := strings.CutPrefix(fields[0], "*/"); ok {
		return inRange(n, 1, 59) && fields[1] == "*" && fields[4] == "*"
	}
	if !inRange(fields[0], 0, 59) || !inRange(fields[1], 0, 23) {
		return false
	}
	return fields[4] == "*" || inRange(fields[4], 0, 7)
}

func inRange(s string, lo, hi int) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= lo && n <= hi
}
