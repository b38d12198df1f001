package cluster

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/multierr"
)

// ExitCodeRespawn is the exit status a worker uses to ask for a
// replacement. The pool treats it like a crash that is expected.
const ExitCodeRespawn = 75

const (
	DefaultMaxEntities = 10
	minMaxEntities     = 10
	maxMaxEntities     = 1000

	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = 10 * time.Second
	defaultMaxFrameSize     = 1 << 20
	defaultOutboxSize       = 64
	defaultWriteTimeout     = 5 * time.Second
)

// Program is the worker executable spawned for every slot of the pool.
type Program struct {
	Path string
	Args []string
	// Env is appended to the supervisor environment.
	Env []string
	Dir string
}

// Options configure a cluster at any layer of the stack.
//
// All zero values are replaced with defaults in FillDefaults.
type Options struct {
	Program Program

	// Size is the number of workers the pool keeps alive. Zero means
	// runtime.GOMAXPROCS(0), one worker per usable CPU.
	Size int

	// MaxEntities is the pending count that triggers capacity recovery.
	// It is clamped to [10, 1000].
	MaxEntities int

	// Retry is the redelivery budget. Nil means DefaultRetryConfig.
	Retry *RetryConfig

	Respawn RespawnPolicy

	PinWorkers bool

	// BreakerThreshold consecutive spawn failures open the spawn breaker
	// for BreakerTimeout.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration

	// MaxFrameSize bounds one inbound line of a worker channel.
	MaxFrameSize int

	// OutboxSize is the number of frames buffered per worker. Sending to
	// a worker with a full outbox fails and the worker is replaced.
	OutboxSize int
	// WriteTimeout is how long one frame may wait for the worker to read
	// it before the worker is considered hung and replaced.
	WriteTimeout time.Duration

	// Stderr receives the workers' standard error. Nil discards it.
	Stderr io.Writer

	Metrics MetricsPolicy

	OnTaskError     func(error)
	OnInternalError func(error)
	OnRetry         func(key string, attempt int, delay time.Duration)
}

func (o *Options) FillDefaults() {
	if o.Size <= 0 {
		o.Size = runtime.GOMAXPROCS(0)
	}
	switch {
	case o.MaxEntities <= 0:
		o.MaxEntities = DefaultMaxEntities
	case o.MaxEntities < minMaxEntities:
		o.MaxEntities = minMaxEntities
	case o.MaxEntities > maxMaxEntities:
		o.MaxEntities = maxMaxEntities
	}

	def := GetDefaultRespawnPolicy()
	if o.Respawn.Initial <= 0 {
		o.Respawn.Initial = def.Initial
	}
	if o.Respawn.Max <= 0 {
		o.Respawn.Max = def.Max
	}
	if o.Respawn.Max < o.Respawn.Initial {
		o.Respawn.Max = o.Respawn.Initial
	}
	if o.Respawn.MinUptime <= 0 {
		o.Respawn.MinUptime = def.MinUptime
	}

	if o.BreakerThreshold == 0 {
		o.BreakerThreshold = defaultBreakerThreshold
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = defaultBreakerTimeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = defaultMaxFrameSize
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = defaultOutboxSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.Metrics == nil {
		o.Metrics = &NoopMetrics{}
	}
}

// RetryConfig returns the effective retry configuration.
func (o *Options) RetryConfig() RetryConfig {
	if o.Retry == nil {
		return DefaultRetryConfig()
	}
	return *o.Retry
}

// OptionsFromEnv overlays PCLUSTER_* environment variables onto base.
// Malformed values are collected and returned together; the fields they
// name keep their base value.
func OptionsFromEnv(base Options) (Options, error) {
	o := base
	var errs error

	if v := os.Getenv("PCLUSTER_PROGRAM"); v != "" {
		o.Program.Path = v
	}
	if v := os.Getenv("PCLUSTER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		errs = multierr.Append(errs, envError("PCLUSTER_SIZE", err))
		if err == nil {
			o.Size = n
		}
	}
	if v := os.Getenv("PCLUSTER_MAX_ENTITIES"); v != "" {
		n, err := strconv.Atoi(v)
		errs = multierr.Append(errs, envError("PCLUSTER_MAX_ENTITIES", err))
		if err == nil {
			o.MaxEntities = n
		}
	}
	if v := os.Getenv("PCLUSTER_PIN_WORKERS"); v != "" {
		b, err := strconv.ParseBool(v)
		errs = multierr.Append(errs, envError("PCLUSTER_PIN_WORKERS", err))
		if err == nil {
			o.PinWorkers = b
		}
	}

	rc := o.RetryConfig()
	touched := false
	if v := os.Getenv("PCLUSTER_MAX_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		errs = multierr.Append(errs, envError("PCLUSTER_MAX_RETRY_ATTEMPTS", err))
		if err == nil {
			rc.MaxRetryAttempts, touched = n, true
		}
	}
	if v := os.Getenv("PCLUSTER_INITIAL_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		errs = multierr.Append(errs, envError("PCLUSTER_INITIAL_DELAY", err))
		if err == nil {
			rc.InitialDelay, touched = d, true
		}
	}
	if v := os.Getenv("PCLUSTER_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		errs = multierr.Append(errs, envError("PCLUSTER_MAX_DELAY", err))
		if err == nil {
			rc.MaxDelay, touched = d, true
		}
	}
	if v := os.Getenv("PCLUSTER_JITTER_FACTOR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		errs = multierr.Append(errs, envError("PCLUSTER_JITTER_FACTOR", err))
		if err == nil {
			rc.JitterFactor, touched = f, true
		}
	}
	if touched {
		o.Retry = &rc
	}
	return o, errs
}

func envError(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("cluster: env %s: %w", name, err)
}
