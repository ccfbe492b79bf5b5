package scheduler

import (
	"testing"
	"time"

	"herald/internal/store"
)

func TestOnceTrigger(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 21, 18, 30, 0, 0, time.UTC)
	trig := OnceTrigger{At: at}

	// Overdue or not, an unfired one-shot returns its fire time.
	if got := trig.Next(at.Add(time.Hour), time.Time{}); !got.Equal(at) {
		t.Fatalf("Next = %v, want %v", got, at)
	}
	if got := trig.Next(at, at); !got.IsZero() {
		t.Fatalf("fired one-shot must be exhausted, got %v", got)
	}
}

func TestIntervalTrigger(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	every := 10 * time.Minute

	tests := []struct {
		name string
		trig IntervalTrigger
		last time.Time
		want time.Time
	}{
		{
			name: "future start wins for first fire",
			trig: IntervalTrigger{Start: now.Add(time.Hour), Every: every},
			want: now.Add(time.Hour),
		},
		{
			name: "past start fires immediately",
			trig: IntervalTrigger{Start: now.Add(-time.Hour), Every: every},
			want: now,
		},
		{
			name: "next is last plus interval",
			trig: IntervalTrigger{Every: every},
			last: now.Add(-5 * time.Minute),
			want: now.Add(5 * time.Minute),
		},
		{
			name: "missed occurrence catches up immediately",
			trig: IntervalTrigger{Every: every},
			last: now.Add(-35 * time.Minute),
			want: now,
		},
		{
			name: "occurrence due exactly now fires now",
			trig: IntervalTrigger{Every: every},
			last: now.Add(-every),
			want: now,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.trig.Next(now, tt.last); !got.Equal(tt.want) {
				t.Fatalf("Next = %v, want %v", got, tt.want)
			}
		})
	}

	if got := (IntervalTrigger{Every: 0}).Next(now, time.Time{}); !got.IsZero() {
		t.Fatalf("zero interval must be exhausted, got %v", got)
	}
}

func TestCalendarTrigger(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Tehran")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	trig, err := ParseCalendarSpec("0 9 * * *", loc)
	if err != nil {
		t.Fatalf("ParseCalendarSpec error: %v", err)
	}

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, loc)
	next := trig.Next(now, time.Time{})
	want := time.Date(2026, 5, 2, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestParseCalendarSpecVariants(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{"0 9 * * *", "*/30 * * * * *", "@daily"} {
		if _, err := ParseCalendarSpec(spec, time.UTC); err != nil {
			t.Fatalf("ParseCalendarSpec(%q) error: %v", spec, err)
		}
	}
	if _, err := ParseCalendarSpec("not a cron", time.UTC); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}

func TestTriggerFor(t *testing.T) {
	t.Parallel()
	fireAt := time.Now().Add(time.Hour)
	tests := []struct {
		name    string
		job     store.Job
		wantErr bool
	}{
		{name: "once", job: store.Job{RepeatKind: store.RepeatOnce, FireAt: fireAt}},
		{name: "empty kind means once", job: store.Job{FireAt: fireAt}},
		{name: "once without fire time", job: store.Job{RepeatKind: store.RepeatOnce}, wantErr: true},
		{name: "interval", job: store.Job{RepeatKind: store.RepeatInterval, RepeatEvery: time.Minute}},
		{name: "interval without period", job: store.Job{RepeatKind: store.RepeatInterval}, wantErr: true},
		{name: "calendar", job: store.Job{RepeatKind: store.RepeatCalendar, CronSpec: "0 9 * * *"}},
		{name: "calendar bad spec", job: store.Job{RepeatKind: store.RepeatCalendar, CronSpec: "x"}, wantErr: true},
		{name: "unknown kind", job: store.Job{RepeatKind: "hourly"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := TriggerFor(tt.job, time.UTC)
			if tt.wantErr != (err != nil) {
				t.Fatalf("TriggerFor error = %v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestParseFireTime(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Tehran")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	t.Run("rfc3339", func(t *testing.T) {
		t.Parallel()
		got, err := ParseFireTime("2026-03-21T18:30:00+03:30", loc)
		if err != nil {
			t.Fatalf("ParseFireTime error: %v", err)
		}
		want := time.Date(2026, 3, 21, 18, 30, 0, 0, loc)
		if !got.Equal(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("wall clock", func(t *testing.T) {
		t.Parallel()
		got, err := ParseFireTime("2026-03-21 18:30", loc)
		if err != nil {
			t.Fatalf("ParseFireTime error: %v", err)
		}
		if got.Location() != loc || got.Hour() != 18 || got.Minute() != 30 {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("jalali", func(t *testing.T) {
		t.Parallel()
		// 1404-06-09 in the Persian calendar is 2025-08-31 Gregorian.
		got, err := ParseFireTime("jalali:1404-06-09 18:30", loc)
		if err != nil {
			t.Fatalf("ParseFireTime error: %v", err)
		}
		want := time.Date(2025, 8, 31, 18, 30, 0, 0, loc)
		if !got.Equal(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()
		for _, s := range []string{"", "tomorrow", "jalali:1404-13-01 00:00"} {
			if _, err := ParseFireTime(s, loc); err == nil {
				t.Fatalf("expected error for %q", s)
			}
		}
	})
}
