package cluster_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cluster "github.com/Andrej220/go-utils/pcluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRejected = errors.New("rejected")

type retryRecorder struct {
	mu       sync.Mutex
	attempts []int
	delays   []time.Duration
	errs     []error
	terminal chan error
}

func newRetryRecorder() *retryRecorder {
	return &retryRecorder{terminal: make(chan error, 4)}
}

func (r *retryRecorder) onRetry(key string, attempt int, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
	r.delays = append(r.delays, delay)
}

func (r *retryRecorder) onTaskError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	if errors.Is(err, cluster.ErrRetriesExhausted) {
		r.terminal <- err
	}
}

func retryOptions(mode string, size int, rc cluster.RetryConfig, rec *retryRecorder) cluster.Options {
	opts := helperOptions(mode, size)
	opts.Retry = &rc
	opts.OnRetry = rec.onRetry
	opts.OnTaskError = rec.onTaskError
	return opts
}

func newTestRetryable(t *testing.T, opts cluster.Options, cb cluster.Callback) *cluster.RetryableCluster {
	t.Helper()
	r, err := cluster.New(context.Background(), opts, cb)
	require.NoError(t, err)
	stopOnCleanup(t, r)
	return r
}

func TestRetryableGivesUpAfterBudget(t *testing.T) {
	rec := newRetryRecorder()
	rc := cluster.RetryConfig{
		MaxRetryAttempts: 3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         time.Second,
	}
	var calls atomic.Int32
	r := newTestRetryable(t, retryOptions("echo", 2, rc, rec), func(context.Context, int, cluster.Envelope) error {
		calls.Add(1)
		return errRejected
	})

	env, err := r.Send(cluster.Payload{Value: "hello"})
	require.NoError(t, err)

	var terminal error
	select {
	case terminal = <-rec.terminal:
	case <-time.After(10 * time.Second):
		t.Fatal("no terminal failure")
	}
	require.ErrorIs(t, terminal, cluster.ErrRetriesExhausted)
	require.ErrorIs(t, terminal, errRejected)
	assert.Contains(t, terminal.Error(), env.Key)

	rec.mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, rec.attempts)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, rec.delays)
	require.Len(t, rec.errs, 4, "every failure reaches the caller")
	for _, err := range rec.errs {
		assert.ErrorIs(t, err, errRejected)
	}
	rec.mu.Unlock()

	assert.Equal(t, int32(4), calls.Load())
	assert.Zero(t, r.Strategy().Len())
	assert.Zero(t, r.Scheduler().ActiveCount())
	assert.Zero(t, r.InboxLen())
	assert.Zero(t, r.Pending())

	m := metricsOf(r)
	assert.Equal(t, uint64(3), m.Retried())
	assert.Equal(t, uint64(1), m.Failed())
}

func TestRetryableRecoversAfterFailure(t *testing.T) {
	rec := newRetryRecorder()
	rc := cluster.RetryConfig{
		MaxRetryAttempts: 3,
		InitialDelay:     20 * time.Millisecond,
		MaxDelay:         time.Second,
	}
	var calls atomic.Int32
	done := make(chan cluster.Envelope, 1)
	r := newTestRetryable(t, retryOptions("echo", 1, rc, rec), func(_ context.Context, _ int, env cluster.Envelope) error {
		if calls.Add(1) == 1 {
			return errRejected
		}
		done <- env
		return nil
	})

	sent, err := r.Send(cluster.Payload{Value: 20})
	require.NoError(t, err)

	select {
	case env := <-done:
		assert.Equal(t, sent.Key, env.Key, "the retry keeps the key")
		assert.JSONEq(t, `20`, string(env.Message), "the retry carries the original message")
	case <-time.After(5 * time.Second):
		t.Fatal("retry not delivered")
	}

	waitUntil(t, 5*time.Second, func() bool {
		return r.InboxLen() == 0 && r.Pending() == 0 && r.Strategy().Len() == 0
	})
	assert.Zero(t, r.Scheduler().ActiveCount())
	assert.Equal(t, uint64(1), metricsOf(r).Acked())
}

func TestRetryableZeroBudgetFailsImmediately(t *testing.T) {
	rec := newRetryRecorder()
	rc := cluster.RetryConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	r := newTestRetryable(t, retryOptions("echo", 1, rc, rec), func(context.Context, int, cluster.Envelope) error {
		return errRejected
	})

	_, err := r.Send(cluster.Payload{Value: 1})
	require.NoError(t, err)

	select {
	case err := <-rec.terminal:
		require.ErrorIs(t, err, errRejected)
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal failure")
	}
	rec.mu.Lock()
	assert.Empty(t, rec.attempts)
	rec.mu.Unlock()
}

func TestRetryableKillAllCancelsRetries(t *testing.T) {
	rec := newRetryRecorder()
	rc := cluster.RetryConfig{
		MaxRetryAttempts: 3,
		InitialDelay:     time.Minute,
		MaxDelay:         time.Minute,
	}
	r := newTestRetryable(t, retryOptions("echo", 2, rc, rec), func(context.Context, int, cluster.Envelope) error {
		return errRejected
	})

	_, err := r.Send(cluster.Payload{Value: 1})
	require.NoError(t, err)
	waitUntil(t, 5*time.Second, func() bool { return r.Scheduler().ActiveCount() == 1 })
	assert.Equal(t, 1, r.Health().QueuesSize["retry_scheduler_timeouts"])

	require.NoError(t, r.KillAll(false))
	assert.Zero(t, r.Scheduler().ActiveCount())
	assert.Zero(t, r.Strategy().Len())
	waitUntil(t, 5*time.Second, func() bool { return r.Alive() == 0 })
}

func TestRetryableSingleKillKeepsRetries(t *testing.T) {
	rec := newRetryRecorder()
	rc := cluster.RetryConfig{
		MaxRetryAttempts: 3,
		InitialDelay:     time.Minute,
		MaxDelay:         time.Minute,
	}
	r := newTestRetryable(t, retryOptions("echo", 2, rc, rec), func(context.Context, int, cluster.Envelope) error {
		return errRejected
	})

	_, err := r.Send(cluster.Payload{Value: 1})
	require.NoError(t, err)
	waitUntil(t, 5*time.Second, func() bool { return r.Scheduler().ActiveCount() == 1 })

	require.NoError(t, r.Kill(r.PIDs()[0], true))
	assert.Equal(t, 1, r.Scheduler().ActiveCount())
	assert.Equal(t, 1, r.Strategy().Len())
}

func TestRetryableInvalidConfig(t *testing.T) {
	opts := helperOptions("echo", 1)
	opts.Retry = &cluster.RetryConfig{MaxRetryAttempts: 1, InitialDelay: time.Second, MaxDelay: time.Millisecond}

	_, err := cluster.New(context.Background(), opts, nil)
	require.ErrorIs(t, err, cluster.ErrInvalidRetryConfig)
	assert.Zero(t, opts.Metrics.(*cluster.AtomicMetrics).Spawned(), "nothing is spawned for an invalid config")
}

func TestRetryableHealth(t *testing.T) {
	r := newTestRetryable(t, helperOptions("silent", 2), nil)

	_, err := r.Send(cluster.Payload{Value: 1})
	require.NoError(t, err)

	h := r.Health()
	assert.Equal(t, 2, h.TotalWorkers)
	assert.Equal(t, 2, h.AliveWorkers)
	assert.Equal(t, map[string]int{"default": 1, "retry_scheduler_timeouts": 0}, h.QueuesSize)
	assert.Positive(t, h.Uptime)
}

func TestRetryableShutdown(t *testing.T) {
	rec := newRetryRecorder()
	rc := cluster.RetryConfig{MaxRetryAttempts: 3, InitialDelay: time.Minute, MaxDelay: time.Minute}
	r, err := cluster.New(context.Background(), retryOptions("echo", 1, rc, rec), func(context.Context, int, cluster.Envelope) error {
		return errRejected
	})
	require.NoError(t, err)

	_, err = r.Send(cluster.Payload{Value: 1})
	require.NoError(t, err)
	waitUntil(t, 5*time.Second, func() bool { return r.Scheduler().ActiveCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.Zero(t, r.Scheduler().ActiveCount())
	assert.Zero(t, r.Alive())
}
