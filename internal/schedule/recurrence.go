package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Recurrence is a parsed schedule expression.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 0 2 * * *" (seconds optional), "@daily"
//   - Interval: "every 1s", "every:15s", "interval:02:30", "55m", "00:50" (HH:MM)
//   - "@every 10s" is treated as an interval
//
// "cron:" forces cron parsing.
type Recurrence struct {
	Kind  Kind
	Expr  string
	Every time.Duration

	sched cron.Schedule
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseRecurrence parses raw. Cron expressions are evaluated in loc unless
// they carry their own CRON_TZ= prefix; nil means UTC.
func ParseRecurrence(raw string, loc *time.Location) (Recurrence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Recurrence{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	for _, p := range []string{"every:", "interval:", "every "} {
		if strings.HasPrefix(low, p) {
			d, err := parseInterval(s[len(p):])
			if err != nil {
				return Recurrence{}, err
			}
			return Recurrence{Kind: KindInterval, Expr: s, Every: d}, nil
		}
	}
	if strings.HasPrefix(low, "cron:") {
		return parseCron(strings.TrimSpace(s[len("cron:"):]), loc)
	}
	if strings.HasPrefix(low, "@every ") {
		d, err := parseInterval(s[len("@every "):])
		if err != nil {
			return Recurrence{}, err
		}
		return Recurrence{Kind: KindInterval, Expr: s, Every: d}, nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s, loc)
	}
	if d, err := parseInterval(s); err == nil {
		return Recurrence{Kind: KindInterval, Expr: s, Every: d}, nil
	}
	return Recurrence{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', 'every 30s', HH:MM like '02:30', or a duration like '55m')", raw)
}

func parseCron(expr string, loc *time.Location) (Recurrence, error) {
	if expr == "" {
		return Recurrence{}, fmt.Errorf("cron expression required")
	}
	full := expr
	if loc != nil && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		full = "CRON_TZ=" + loc.String() + " " + expr
	}
	sched, err := parser.Parse(full)
	if err != nil {
		return Recurrence{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Recurrence{Kind: KindCron, Expr: expr, sched: sched}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		var hh, mm int
		_, _ = fmt.Sscanf(m[1], "%d", &hh)
		_, _ = fmt.Sscanf(m[2], "%d", &mm)
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q (use HH:MM or a Go duration like '55m')", v)
		}
	}
	if d < time.Second {
		return 0, fmt.Errorf("interval must be >= 1s (got %s)", d)
	}
	return d, nil
}

// Latest returns the most recent occurrence in (after, now]. Missed
// occurrences coalesce into the latest one. ok is false when the next
// occurrence after `after` is still in the future.
func (r Recurrence) Latest(after, now time.Time) (occ time.Time, ok bool) {
	switch r.Kind {
	case KindInterval:
		if r.Every <= 0 || now.Sub(after) < r.Every {
			return time.Time{}, false
		}
		n := now.Sub(after) / r.Every
		return after.Add(n * r.Every), true
	default:
		if r.sched == nil {
			return time.Time{}, false
		}
		return r.latestCron(after, now)
	}
}

// latestCron widens a window back from now until it holds an occurrence,
// then bisects to one second, the finest cron resolution. The cost is
// logarithmic in the lag.
func (r Recurrence) latestCron(after, now time.Time) (time.Time, bool) {
	due := func(t time.Time) bool {
		n := r.sched.Next(t)
		return !n.IsZero() && !n.After(now)
	}
	if !due(after) {
		return time.Time{}, false
	}
	// Next(lo) <= now < Next(hi) holds throughout.
	lo, hi := after, now
	for w := time.Second; ; w *= 2 {
		t := now.Add(-w)
		if !t.After(after) {
			break
		}
		if due(t) {
			lo = t
			break
		}
		hi = t
	}
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if due(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return r.sched.Next(lo), true
}

// Next returns the first occurrence strictly after t.
func (r Recurrence) Next(t time.Time) time.Time {
	if r.Kind == KindInterval {
		return t.Add(r.Every)
	}
	if r.sched == nil {
		return time.Time{}
	}
	return r.sched.Next(t)
}
