package schedule

import "time"

// Evaluate reports the occurrence e owes at now, if any.
//
// Occurrences are anchored on LastFiredAt, or CreatedAt for an entry that
// never fired, so an entry fires at most once per occurrence and several
// missed occurrences coalesce into one.
func Evaluate(e Entry, now time.Time, opts Options) (time.Time, bool, error) {
	if !e.Enabled {
		return time.Time{}, false, nil
	}
	rec, err := e.Recurrence(opts.location())
	if err != nil {
		return time.Time{}, false, err
	}
	anchor := e.CreatedAt
	if e.LastFiredAt != nil {
		anchor = *e.LastFiredAt
	}
	occ, ok := rec.Latest(anchor, now)
	if !ok {
		return time.Time{}, false, nil
	}
	if e.LastFiredAt != nil && !claimable(*e.LastFiredAt, occ, opts.Tolerance) {
		return time.Time{}, false, nil
	}
	return occ, true, nil
}

// claimable reports whether an occurrence may be claimed over last.
func claimable(last, occ time.Time, tolerance time.Duration) bool {
	return last.Before(occ.Add(-tolerance))
}

// SelectDue filters entries down to those owing an occurrence. Entries with
// an unparseable schedule are reported through bad and skipped.
func SelectDue(entries []Entry, now time.Time, opts Options, bad func(Entry, error)) []Due {
	var out []Due
	for _, e := range entries {
		occ, ok, err := Evaluate(e, now, opts)
		if err != nil {
			if bad != nil {
				bad(e, err)
			}
			continue
		}
		if ok {
			out = append(out, Due{Entry: e, Occurrence: occ})
		}
	}
	return out
}

// ClaimableAfter is the LastFiredAt bound a claim for occ must beat; stores
// use it to build their compare-and-set condition.
func ClaimableAfter(occ time.Time, tolerance time.Duration) time.Time {
	return occ.Add(-tolerance)
}
