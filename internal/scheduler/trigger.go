package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	ptime "github.com/yaa110/go-persian-calendar"

	"herald/internal/store"
)

// Trigger produces the next fire time given "now" and the job's last fire.
// A zero return means the job is exhausted and must not fire again.
//
// This isolates the scheduling core from any particular timer machinery:
// the service only ever asks "when next?" and arms a plain timer.
type Trigger interface {
	Next(now, last time.Time) time.Time
}

// OnceTrigger fires exactly once at At. An overdue At still returns At so
// the service can catch up immediately after a restart.
type OnceTrigger struct {
	At time.Time
}

func (t OnceTrigger) Next(_, last time.Time) time.Time {
	if !last.IsZero() {
		return time.Time{}
	}
	return t.At
}

// IntervalTrigger fires every Every, starting at Start (or immediately when
// Start is zero/past). An occurrence missed during downtime fires once
// immediately (catch-up); the schedule then realigns from that fire, so
// multiple missed occurrences are never replayed.
type IntervalTrigger struct {
	Start time.Time
	Every time.Duration
}

func (t IntervalTrigger) Next(now, last time.Time) time.Time {
	if t.Every <= 0 {
		return time.Time{}
	}
	if last.IsZero() {
		if t.Start.After(now) {
			return t.Start
		}
		return now
	}
	next := last.Add(t.Every)
	if !next.After(now) {
		return now
	}
	return next
}

// CalendarTrigger follows a cron expression. Pattern matching is delegated
// to the cron parser; this type only carries the schedule.
type CalendarTrigger struct {
	Spec  string
	sched cron.Schedule
}

func (t CalendarTrigger) Next(now, _ time.Time) time.Time {
	return t.sched.Next(now)
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCalendarSpec validates a cron expression in the given location.
func ParseCalendarSpec(spec string, loc *time.Location) (CalendarTrigger, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return CalendarTrigger{}, fmt.Errorf("invalid calendar spec %q: %w", spec, err)
	}
	if loc != nil {
		if ss, ok := sched.(*cron.SpecSchedule); ok {
			ss.Location = loc
		}
	}
	return CalendarTrigger{Spec: spec, sched: sched}, nil
}

// TriggerFor builds the trigger a persisted job definition denotes.
func TriggerFor(j store.Job, loc *time.Location) (Trigger, error) {
	switch j.RepeatKind {
	case store.RepeatOnce, "":
		if j.FireAt.IsZero() {
			return nil, errors.New("one-shot job requires a fire time")
		}
		return OnceTrigger{At: j.FireAt}, nil
	case store.RepeatInterval:
		if j.RepeatEvery <= 0 {
			return nil, errors.New("interval job requires a positive interval")
		}
		return IntervalTrigger{Start: j.FireAt, Every: j.RepeatEvery}, nil
	case store.RepeatCalendar:
		return ParseCalendarSpec(j.CronSpec, loc)
	default:
		return nil, fmt.Errorf("unknown repeat kind %q", j.RepeatKind)
	}
}

// ParseFireTime parses an absolute fire time. Accepted forms:
//   - RFC3339: "2026-03-21T18:30:00+03:30"
//   - local wall clock: "2026-03-21 18:30"
//   - Jalali wall clock: "jalali:1404-12-30 18:30"
//
// Jalali input is converted to absolute time in loc before anything is
// persisted; only absolute times are stored.
func ParseFireTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty fire time")
	}

	if rest, ok := strings.CutPrefix(s, "jalali:"); ok {
		var y, mo, d, h, mi int
		if _, err := fmt.Sscanf(strings.TrimSpace(rest), "%d-%d-%d %d:%d", &y, &mo, &d, &h, &mi); err != nil {
			return time.Time{}, fmt.Errorf("invalid jalali fire time %q: %w", s, err)
		}
		if mo < 1 || mo > 12 {
			return time.Time{}, fmt.Errorf("invalid jalali month %d", mo)
		}
		pt := ptime.Date(y, ptime.Month(mo), d, h, mi, 0, 0, loc)
		return pt.Time(), nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized fire time %q", s)
}
