package core

import (
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleOnce yields a single logical timestamp at the workflow start date.
const ScheduleOnce = "@once"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type onceSchedule struct{}

func (onceSchedule) Next(time.Time) time.Time { return time.Time{} }

// ParseSchedule accepts 5-field cron expressions, the robfig descriptors
// (@daily, @every 1h, ...) and @once.
func ParseSchedule(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, &ScheduleError{Expr: expr, Err: errors.New("expression is empty")}
	}
	if trimmed == ScheduleOnce {
		return onceSchedule{}, nil
	}
	schedule, err := cronParser.Parse(trimmed)
	if err != nil {
		return nil, &ScheduleError{Expr: expr, Err: err}
	}
	return schedule, nil
}

// IsOnce reports whether expr is the single-shot schedule.
func IsOnce(expr string) bool {
	return strings.TrimSpace(expr) == ScheduleOnce
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}

// NextLogicalTimestamps returns the due logical timestamps of def: every
// schedule tick t with lastEvaluated < t <= now, not before StartAt and not
// after EndAt. Without catch-up only the most recent due tick is yielded.
//
// The sequence is evaluated lazily and can be ranged over more than once.
// Ticks are computed in now's location.
func NextLogicalTimestamps(def *WorkflowDefinition, lastEvaluated, now time.Time) (iter.Seq[time.Time], error) {
	schedule, err := ParseSchedule(def.Schedule)
	if err != nil {
		return nil, err
	}
	loc := now.Location()
	start := def.StartAt.In(loc)
	due := func(t time.Time) bool {
		if t.IsZero() || t.After(now) {
			return false
		}
		return def.EndAt == nil || !t.After(*def.EndAt)
	}

	if _, ok := schedule.(onceSchedule); ok {
		return func(yield func(time.Time) bool) {
			if (lastEvaluated.IsZero() || lastEvaluated.Before(start)) && due(start) {
				yield(start)
			}
		}, nil
	}

	base := start.Add(-time.Second)
	if !lastEvaluated.IsZero() && lastEvaluated.After(base) {
		base = lastEvaluated.In(loc)
	}
	all := func(yield func(time.Time) bool) {
		for t := schedule.Next(base); due(t); t = schedule.Next(t) {
			if t.Before(start) {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
	if def.CatchUp {
		return all, nil
	}
	limit := now
	if def.EndAt != nil && def.EndAt.Before(limit) {
		limit = def.EndAt.In(loc)
	}
	return func(yield func(time.Time) bool) {
		if latest := latestTick(schedule, base, start, limit); !latest.IsZero() {
			yield(latest)
		}
	}, nil
}

// maxTickWindow bounds the backwards search of latestTick.
const maxTickWindow = 100 * 365 * 24 * time.Hour

// latestTick returns the newest tick t with base < t <= limit that is not
// before start, or the zero time. It looks back from limit in growing
// windows so an old start does not walk every tick in between.
func latestTick(schedule cron.Schedule, base, start, limit time.Time) time.Time {
	if !limit.After(base) {
		return time.Time{}
	}
	// @every ticks are anchored to base, so jump straight to the last one.
	if every, ok := schedule.(cron.ConstantDelaySchedule); ok {
		first := every.Next(base)
		if first.After(limit) || every.Delay <= 0 {
			return time.Time{}
		}
		latest := first.Add(limit.Sub(first) / every.Delay * every.Delay)
		if latest.Before(start) {
			return time.Time{}
		}
		return latest
	}
	for window := time.Minute; ; window *= 2 {
		from := limit.Add(-window)
		if window >= maxTickWindow || !from.After(base) {
			from = base
		}
		var latest time.Time
		for t := schedule.Next(from); !t.IsZero() && !t.After(limit); t = schedule.Next(t) {
			latest = t
		}
		if !latest.IsZero() {
			if latest.Before(start) {
				return time.Time{}
			}
			return latest
		}
		if from.Equal(base) {
			return time.Time{}
		}
	}
}
