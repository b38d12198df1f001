package cluster

import (
	"context"
	"math/rand"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
)

// maxShift keeps 1<<attempt inside int64.
const maxShift = 62

// RetryStrategy decides whether a key may be retried and how long to
// wait before doing so. It owns the per-key RetryState.
type RetryStrategy struct {
	ctx    context.Context
	cfg    RetryConfig
	mu     sync.Mutex
	states map[string]RetryState
	rng    *rand.Rand
	now    func() time.Time
}

// RetryStrategyOption customizes a RetryStrategy.
type RetryStrategyOption func(*RetryStrategy)

// WithRand sets the jitter source.
func WithRand(r *rand.Rand) RetryStrategyOption {
	return func(s *RetryStrategy) { s.rng = r }
}

// WithClock sets the clock used for LastAttemptAt.
func WithClock(now func() time.Time) RetryStrategyOption {
	return func(s *RetryStrategy) { s.now = now }
}

// NewRetryStrategy validates cfg. An invalid configuration is returned
// as an error wrapping ErrInvalidRetryConfig.
func NewRetryStrategy(ctx context.Context, cfg RetryConfig, opts ...RetryStrategyOption) (*RetryStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s := &RetryStrategy{
		ctx:    ctx,
		cfg:    cfg,
		states: make(map[string]RetryState),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CalculateDelay returns InitialDelay*2^attempt capped at MaxDelay,
// perturbed by up to ±JitterFactor of itself and floored at zero.
func (s *RetryStrategy) CalculateDelay(attempt int) time.Duration {
	capped := expDelay(attempt, s.cfg.InitialDelay, s.cfg.MaxDelay)

	var jitter float64
	if s.cfg.JitterFactor > 0 {
		s.mu.Lock()
		jitter = float64(capped) * s.cfg.JitterFactor * (s.rng.Float64()*2 - 1)
		s.mu.Unlock()
	}

	delay := time.Duration(max(0, float64(capped)+jitter))
	lg.FromContext(s.ctx).Info("retry delay calculated",
		lg.Int("attempt", attempt),
		lg.String("capped", capped.String()),
		lg.String("delay", delay.String()),
	)
	return delay
}

func expDelay(attempt int, initial, limit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		return limit
	}
	d := initial * time.Duration(int64(1)<<uint(attempt))
	if d <= 0 || d/time.Duration(int64(1)<<uint(attempt)) != initial || d > limit {
		return limit
	}
	return d
}

// ShouldRetry reports whether key has budget left. Unknown keys have
// made zero attempts.
func (s *RetryStrategy) ShouldRetry(key string) bool {
	s.mu.Lock()
	attempts := s.states[key].Attempts
	s.mu.Unlock()

	ok := attempts < s.cfg.MaxRetryAttempts
	lg.FromContext(s.ctx).Info("retry budget checked",
		lg.String("key", key),
		lg.Int("attempts", attempts),
		lg.Int("max_attempts", s.cfg.MaxRetryAttempts),
		lg.Any("can_retry", ok),
	)
	return ok
}

// IncrementAttempt records one more attempt for key and returns the new
// count.
func (s *RetryStrategy) IncrementAttempt(key string) int {
	s.mu.Lock()
	st := s.states[key]
	st.Attempts++
	st.LastAttemptAt = s.now()
	s.states[key] = st
	s.mu.Unlock()

	lg.FromContext(s.ctx).Info("retry attempt recorded",
		lg.String("key", key),
		lg.Int("attempts", st.Attempts),
		lg.Int("max_attempts", s.cfg.MaxRetryAttempts),
	)
	return st.Attempts
}

// State returns a copy of the state of key.
func (s *RetryStrategy) State(key string) (RetryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	return st, ok
}

// Reset forgets key.
func (s *RetryStrategy) Reset(key string) {
	s.mu.Lock()
	_, ok := s.states[key]
	delete(s.states, key)
	s.mu.Unlock()

	if ok {
		lg.FromContext(s.ctx).Info("retry state reset", lg.String("key", key))
	}
}

// ResetAll forgets every key.
func (s *RetryStrategy) ResetAll() {
	s.mu.Lock()
	n := len(s.states)
	s.states = make(map[string]RetryState)
	s.mu.Unlock()

	lg.FromContext(s.ctx).Info("retry state cleared", lg.Int("entries", n))
}

// Len returns the number of keys with recorded attempts.
func (s *RetryStrategy) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Config returns the validated configuration.
func (s *RetryStrategy) Config() RetryConfig { return s.cfg }
