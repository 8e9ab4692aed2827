package scheduler

import (
	"time"

	logx "sector7g/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs at most one warning per entry per throttle window.
func (s *Service) reportEnqueueError(entryID string, err error) {
	now := s.now()
	s.mu.Lock()
	s.lastErr = err.Error()
	last := s.lastEnqWarn[entryID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.mu.Unlock()
		s.log.Debug("schedule enqueue failed (throttled)", logx.String("schedule", entryID), logx.Err(err))
		return
	}
	s.lastEnqWarn[entryID] = now
	s.mu.Unlock()

	s.log.Warn("schedule failed to enqueue job", logx.String("schedule", entryID), logx.Err(err))
}
