package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nevindra/conduit/internal/model"
)

var cron = gronx.New()

// ComputeNextRun returns the next instant (in loc) at which task should
// fire, given its kind and value. For "interval" and "cron" that instant
// is strictly after now; for "once" it is the stored timestamp as is,
// even if it has already passed:
//
//   - "once": ScheduleValue is a Unix-seconds timestamp string. Fires once,
//     at or after that instant; never recurs.
//   - "interval": ScheduleValue is a Go duration string ("30m", "24h").
//     Fires every interval starting from now.
//   - "cron": ScheduleValue is a standard 5-field cron expression,
//     evaluated in loc. gronx only answers "is this expr due at instant X",
//     so the next occurrence is found by stepping minute-by-minute from now
//     (cron granularity is whole minutes) until IsDue reports true.
func ComputeNextRun(task model.ScheduledTask, now time.Time, loc *time.Location) (time.Time, error) {
	now = now.In(loc)
	switch task.ScheduleKind {
	case model.ScheduleOnce:
		secs, err := strconv.ParseInt(task.ScheduleValue, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: invalid once timestamp %q: %w", task.ScheduleValue, err)
		}
		return time.Unix(secs, 0).In(loc), nil

	case model.ScheduleInterval:
		d, err := time.ParseDuration(strings.TrimSpace(task.ScheduleValue))
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: invalid interval %q: %w", task.ScheduleValue, err)
		}
		if d <= 0 {
			return time.Time{}, fmt.Errorf("scheduler: interval must be positive, got %s", d)
		}
		return now.Add(d), nil

	case model.ScheduleCron:
		return nextCronTick(task.ScheduleValue, now, loc)

	default:
		return time.Time{}, fmt.Errorf("scheduler: unknown schedule kind %q", task.ScheduleKind)
	}
}

// cronLookahead bounds how far nextCronTick will step before giving up —
// one year of minutes, comfortably past any realistic cron cadence.
const cronLookahead = 366 * 24 * time.Hour

func nextCronTick(expr string, after time.Time, loc *time.Location) (time.Time, error) {
	if !gronx.IsValid(expr) {
		return time.Time{}, fmt.Errorf("scheduler: invalid cron expression %q", expr)
	}
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	deadline := after.Add(cronLookahead)
	for candidate.Before(deadline) {
		due, err := cron.IsDue(expr, candidate)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: evaluating cron expression %q: %w", expr, err)
		}
		if due {
			return candidate.In(loc), nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("scheduler: no cron occurrence of %q found within a year of %s", expr, after)
}
