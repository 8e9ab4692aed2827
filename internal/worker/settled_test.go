package worker

import "testing"

func TestSettledSetEvictsOldest(t *testing.T) {
	t.Parallel()

	s := newSettledSet(2)
	if !s.add("a#1") || !s.add("b#1") {
		t.Fatalf("fresh keys rejected")
	}
	if s.add("a#1") {
		t.Fatalf("duplicate key accepted")
	}
	if !s.add("c#1") {
		t.Fatalf("fresh key rejected")
	}
	// a#1 was evicted by c#1.
	if !s.add("a#1") {
		t.Fatalf("evicted key should be accepted again")
	}
	if !s.add("a#2") {
		t.Fatalf("a new attempt is a new delivery")
	}
}
