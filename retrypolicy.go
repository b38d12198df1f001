package cluster

import (
	"fmt"
	"math"
	"time"
)

const (
	defaultMaxRetryAttempts = 3
	defaultInitialDelay     = time.Second
	defaultMaxDelay         = 30 * time.Second
	defaultJitterFactor     = 0.1

	defaultRespawnInitial   = 100 * time.Millisecond
	defaultRespawnMax       = 5 * time.Second
	defaultRespawnMinUptime = time.Second
)

// RetryConfig describes how many times and how often a failed task is
// redelivered.
type RetryConfig struct {
	// MaxRetryAttempts is the redelivery budget per key. Zero disables
	// retries.
	MaxRetryAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential component of the delay.
	MaxDelay time.Duration

	// JitterFactor in [0, 1] scales the random perturbation of a delay.
	JitterFactor float64
}

// DefaultRetryConfig returns the configuration used when Options.Retry
// is nil. Callers wanting a partial override start from it.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetryAttempts: defaultMaxRetryAttempts,
		InitialDelay:     defaultInitialDelay,
		MaxDelay:         defaultMaxDelay,
		JitterFactor:     defaultJitterFactor,
	}
}

// Validate reports the first invalid field.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxRetryAttempts < 0:
		return fmt.Errorf("%w: max retry attempts must be non-negative", ErrInvalidRetryConfig)
	case c.InitialDelay <= 0:
		return fmt.Errorf("%w: initial delay must be positive", ErrInvalidRetryConfig)
	case c.MaxDelay < c.InitialDelay:
		return fmt.Errorf("%w: max delay must be greater than or equal to initial delay", ErrInvalidRetryConfig)
	case math.IsNaN(c.JitterFactor) || c.JitterFactor < 0 || c.JitterFactor > 1:
		return fmt.Errorf("%w: jitter factor must be between 0 and 1", ErrInvalidRetryConfig)
	}
	return nil
}

// RespawnPolicy throttles respawns of workers that keep crashing.
// A worker that dies before MinUptime counts towards a crash streak and
// its replacement waits for the next backoff step between Initial and
// Max. Zero values are treated as "use pool defaults".
type RespawnPolicy struct {
	Initial   time.Duration
	Max       time.Duration
	MinUptime time.Duration
}

// GetDefaultRespawnPolicy returns the respawn policy used by the pool.
func GetDefaultRespawnPolicy() *RespawnPolicy {
	rp := RespawnPolicy{
		Initial:   defaultRespawnInitial,
		Max:       defaultRespawnMax,
		MinUptime: defaultRespawnMinUptime,
	}
	return &rp
}
