package schedule

import (
	"testing"
	"time"
)

func TestParseRecurrence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		kind  Kind
		every time.Duration
	}{
		{"every 1s", KindInterval, time.Second},
		{"every:15s", KindInterval, 15 * time.Second},
		{"interval:02:30", KindInterval, 2*time.Hour + 30*time.Minute},
		{"@every 10s", KindInterval, 10 * time.Second},
		{"55m", KindInterval, 55 * time.Minute},
		{"00:50", KindInterval, 50 * time.Minute},
		{"*/5 * * * *", KindCron, 0},
		{"0 0 2 * * *", KindCron, 0},
		{"@daily", KindCron, 0},
		{"cron:0 2 * * *", KindCron, 0},
	}
	for _, tc := range cases {
		r, err := ParseRecurrence(tc.in, time.UTC)
		if err != nil {
			t.Fatalf("ParseRecurrence(%q): %v", tc.in, err)
		}
		if r.Kind != tc.kind || r.Every != tc.every {
			t.Fatalf("ParseRecurrence(%q) = %v/%v, want %v/%v", tc.in, r.Kind, r.Every, tc.kind, tc.every)
		}
	}
}

func TestParseRecurrenceRejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "every 500ms", "soon", "00:75", "* * *", "cron:"} {
		if _, err := ParseRecurrence(in, time.UTC); err == nil {
			t.Fatalf("ParseRecurrence(%q) succeeded", in)
		}
	}
}

func TestLatestIntervalCoalesces(t *testing.T) {
	t.Parallel()

	r, _ := ParseRecurrence("every 60s", nil)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, ok := r.Latest(t0, t0.Add(59*time.Second)); ok {
		t.Fatal("occurrence reported before the first interval elapsed")
	}
	occ, ok := r.Latest(t0, t0.Add(60*time.Second))
	if !ok || !occ.Equal(t0.Add(time.Minute)) {
		t.Fatalf("Latest = %v %v, want %v", occ, ok, t0.Add(time.Minute))
	}
	occ, ok = r.Latest(t0, t0.Add(5*time.Minute+10*time.Second))
	if !ok || !occ.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("Latest after outage = %v, want %v", occ, t0.Add(5*time.Minute))
	}
}

func TestLatestCronUsesLocation(t *testing.T) {
	t.Parallel()

	chicago, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skipf("tzdata: %v", err)
	}
	r, err := ParseRecurrence("0 2 * * *", chicago)
	if err != nil {
		t.Fatal(err)
	}
	after := time.Date(2024, 3, 1, 0, 0, 0, 0, chicago)
	occ, ok := r.Latest(after, time.Date(2024, 3, 3, 12, 0, 0, 0, chicago))
	if !ok {
		t.Fatal("no occurrence")
	}
	want := time.Date(2024, 3, 3, 2, 0, 0, 0, chicago)
	if !occ.Equal(want) {
		t.Fatalf("Latest = %v, want %v", occ, want)
	}
	if next := r.Next(occ); !next.Equal(want.AddDate(0, 0, 1)) {
		t.Fatalf("Next = %v", next)
	}
}

func TestLatestCronAfterLongOutage(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	cases := map[string]struct {
		expr string
		now  time.Time
		want time.Time
	}{
		"every second, two days behind": {"* * * * * *", t0.Add(48*time.Hour + 400*time.Millisecond), t0.Add(48 * time.Hour)},
		"every second, one step behind": {"* * * * * *", t0.Add(time.Second), t0.Add(time.Second)},
		"every five minutes":            {"*/5 * * * *", t0.Add(30*24*time.Hour + 7*time.Minute), t0.Add(30*24*time.Hour + 5*time.Minute)},
		"nightly, a year behind":        {"0 2 * * *", t0.AddDate(1, 0, 0), time.Date(2027, 1, 5, 2, 0, 0, 0, time.UTC)},
		"only the first is due":         {"0 9 * * *", t0.Add(90 * time.Minute), t0.Add(time.Hour)},
	}
	for name, tc := range cases {
		r, err := ParseRecurrence(tc.expr, time.UTC)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		occ, ok := r.Latest(t0, tc.now)
		if !ok || !occ.Equal(tc.want) {
			t.Fatalf("%s: Latest = %v %v, want %v", name, occ, ok, tc.want)
		}
	}

	r, _ := ParseRecurrence("0 9 * * *", time.UTC)
	if _, ok := r.Latest(t0.Add(time.Hour), t0.Add(2*time.Hour)); ok {
		t.Fatal("Latest reported an occurrence that is not due yet")
	}
}
