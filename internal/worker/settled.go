package worker

// settledSet remembers the last N settled deliveries so a second ack or
// requeue of the same delivery is dropped instead of reaching the broker.
type settledSet struct {
	keys map[string]struct{}
	ring []string
	next int
}

func newSettledSet(n int) *settledSet {
	return &settledSet{keys: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add reports false if key was already present.
func (s *settledSet) add(key string) bool {
	if _, ok := s.keys[key]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.keys, old)
	}
	s.ring[s.next] = key
	s.next = (s.next + 1) % len(s.ring)
	s.keys[key] = struct{}{}
	return true
}
