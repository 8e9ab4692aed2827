package schedule_test

import (
	"testing"
	"time"

	"sector7g/internal/schedule"
	"sector7g/internal/schedule/storetest"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	storetest.Run(t, schedule.NewMemoryStore(schedule.Options{Tolerance: 250 * time.Millisecond}))
}
