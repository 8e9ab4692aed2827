package scheduler

import (
	"hash/fnv"
	"math/rand"
	"time"
)

// startupDelay picks the pause before the first tick. Seeding from the
// instance id keeps separate processes apart.
func startupDelay(limit time.Duration, instance string) time.Duration {
	if limit <= 0 {
		return 0
	}
	seed := time.Now().UnixNano() ^ int64(fnv64a(instance))
	return time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(limit)))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
