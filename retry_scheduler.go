package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
)

const schedulerQueueLabel = "retry_scheduler_timeouts"

// RetryScheduler runs at most one delayed callback per key.
type RetryScheduler struct {
	ctx    context.Context
	mu     sync.Mutex
	timers map[string]*scheduledRetry
	seq    uint64
}

type scheduledRetry struct {
	timer *time.Timer
	gen   uint64
}

// NewRetryScheduler returns an empty scheduler logging through ctx.
func NewRetryScheduler(ctx context.Context) *RetryScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &RetryScheduler{
		ctx:    ctx,
		timers: make(map[string]*scheduledRetry),
	}
}

// Schedule arms fn to run once after delay, replacing any callback
// already scheduled for key.
func (s *RetryScheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(key)
	s.seq++
	gen := s.seq
	entry := &scheduledRetry{gen: gen}
	entry.timer = time.AfterFunc(delay, func() { s.fire(key, gen, fn) })
	s.timers[key] = entry

	lg.FromContext(s.ctx).Info("retry scheduled",
		lg.String("key", key),
		lg.String("delay", delay.String()),
	)
}

func (s *RetryScheduler) fire(key string, gen uint64, fn func()) {
	s.mu.Lock()
	entry, ok := s.timers[key]
	if !ok || entry.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.mu.Unlock()

	logger := lg.FromContext(s.ctx).With(lg.String("key", key))
	logger.Info("executing scheduled retry")

	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduled retry panicked", lg.Any("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

// Cancel stops the callback scheduled for key without running it.
func (s *RetryScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(key)
}

func (s *RetryScheduler) cancelLocked(key string) bool {
	entry, ok := s.timers[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, key)
	lg.FromContext(s.ctx).Info("scheduled retry cancelled", lg.String("key", key))
	return true
}

// CancelAll stops every scheduled callback and returns how many there
// were.
func (s *RetryScheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.timers)
	for _, entry := range s.timers {
		entry.timer.Stop()
	}
	s.timers = make(map[string]*scheduledRetry)

	lg.FromContext(s.ctx).Info("all scheduled retries cancelled", lg.Int("active", n))
	return n
}

// IsScheduled reports whether a callback is pending for key.
func (s *RetryScheduler) IsScheduled(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// ActiveCount returns the number of pending callbacks.
func (s *RetryScheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// QueueStatus reports the active timer count for health checks.
func (s *RetryScheduler) QueueStatus() map[string]int {
	return map[string]int{schedulerQueueLabel: s.ActiveCount()}
}
