package cluster

import (
	"context"
	"fmt"

	lg "github.com/Andrej220/go-utils/zlog"
)

// RetryableCluster redelivers messages whose callback failed, with
// exponential backoff, until the retry budget of their key is spent.
//
// Every failure is still returned to the pool, which reports it through
// Options.OnTaskError. Failures after the budget is spent wrap
// ErrRetriesExhausted and release the message everywhere.
type RetryableCluster struct {
	*AckeableCluster

	strategy  *RetryStrategy
	scheduler *RetryScheduler
}

// New starts the full stack: pool, pending queue, acknowledgment and
// retries. An invalid Options.Retry is reported before any worker is
// spawned.
func New(ctx context.Context, opts Options, cb Callback) (*RetryableCluster, error) {
	p, err := newProcessPool(ctx, opts)
	if err != nil {
		return nil, err
	}
	strategy, err := NewRetryStrategy(p.ctx, p.opts.RetryConfig())
	if err != nil {
		return nil, err
	}

	r := &RetryableCluster{
		AckeableCluster: newAckeable(p),
		strategy:        strategy,
		scheduler:       NewRetryScheduler(p.ctx),
	}
	chain := r.QueuedCluster.decorate(r.AckeableCluster.decorate(r.decorate(guard(cb))))
	if err := p.start(chain); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RetryableCluster) decorate(next Callback) Callback {
	return func(ctx context.Context, pid int, env Envelope) error {
		err := next(ctx, pid, env)
		if err == nil {
			if env.Key != "" {
				r.strategy.Reset(env.Key)
				r.scheduler.Cancel(env.Key)
			}
			return nil
		}
		return r.onFailure(env.Key, err)
	}
}

func (r *RetryableCluster) onFailure(key string, cause error) error {
	logger := lg.FromContext(r.ctx)
	if key == "" {
		logger.Warn("failed message has no key; not retrying", lg.Any("error", cause))
		return nil
	}
	logger = logger.With(lg.String("key", key))

	if !r.strategy.ShouldRetry(key) {
		st, _ := r.strategy.State(key)
		r.strategy.Reset(key)
		r.scheduler.Cancel(key)
		r.metrics.IncFailed()
		logger.Error("retries exhausted; giving up",
			lg.Int("attempts", st.Attempts),
			lg.Any("error", cause),
		)
		return fmt.Errorf("%w: key %s: %w", ErrRetriesExhausted, key, cause)
	}

	attempt := r.strategy.IncrementAttempt(key)
	delay := r.strategy.CalculateDelay(attempt - 1)
	r.scheduler.Schedule(key, delay, func() { r.retry(key) })
	r.metrics.IncRetried()
	if r.opts.OnRetry != nil {
		r.opts.OnRetry(key, attempt, delay)
	}

	logger.Warn("task failed; retry scheduled",
		lg.Int("attempt", attempt),
		lg.String("delay", delay.String()),
		lg.Any("error", cause),
	)
	return fmt.Errorf("cluster: key %s attempt %d: %w", key, attempt, cause)
}

// retry runs on the scheduler. The message is read back from the inbox;
// a message that is gone was acknowledged or released meanwhile.
func (r *RetryableCluster) retry(key string) {
	logger := lg.FromContext(r.ctx).With(lg.String("key", key))

	msg, ok := r.InboxMessage(key)
	if !ok {
		logger.Warn("retry aborted; message no longer in inbox")
		r.strategy.Reset(key)
		r.scheduler.Cancel(key)
		return
	}

	st, _ := r.strategy.State(key)
	env := RetryableEnvelope{
		Envelope: Envelope{Key: key, Message: msg},
		State:    st,
	}
	if err := r.resend(env.frame()); err != nil {
		logger.Warn("retry not delivered", lg.Any("error", err))
		return
	}
	logger.Info("retry delivered", lg.Int("attempt", st.Attempts))
}

// Kill cancels every scheduled retry and forgets all retry state before
// killing the whole pool (pid 0). Killing a single worker leaves retries
// in place.
func (r *RetryableCluster) Kill(pid int, respawn bool) error {
	if pid == 0 {
		r.reset()
	}
	return r.AckeableCluster.Kill(pid, respawn)
}

func (r *RetryableCluster) KillAll(respawn bool) error { return r.Kill(0, respawn) }

func (r *RetryableCluster) Shutdown(ctx context.Context) error {
	r.reset()
	err := r.AckeableCluster.Shutdown(ctx)
	r.scheduler.CancelAll()
	return err
}

func (r *RetryableCluster) Stop() { _ = r.Shutdown(context.Background()) }

func (r *RetryableCluster) reset() {
	n := r.scheduler.CancelAll()
	r.strategy.ResetAll()
	lg.FromContext(r.ctx).Info("retry state reset", lg.Int("cancelled", n))
}

func (r *RetryableCluster) Health() Health {
	h := r.AckeableCluster.Health()
	for k, v := range r.scheduler.QueueStatus() {
		h.QueuesSize[k] = v
	}
	return h
}

func (r *RetryableCluster) Strategy() *RetryStrategy { return r.strategy }

func (r *RetryableCluster) Scheduler() *RetryScheduler { return r.scheduler }
