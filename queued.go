package cluster

import (
	"context"
	"errors"
	"sync/atomic"

	lg "github.com/Andrej220/go-utils/zlog"
)

const defaultQueueLabel = "default"

// QueuedCluster tracks every accepted message until it is acknowledged,
// so a message is never lost because no worker was available. When the
// pending set reaches Options.MaxEntities the cluster restores missing
// workers and redrains the set.
type QueuedCluster struct {
	*ProcessPool

	pending  *ThresholdMap[Frame]
	draining atomic.Bool
}

// NewQueued starts a pool whose sends are tracked until acknowledged.
func NewQueued(ctx context.Context, opts Options, cb Callback) (*QueuedCluster, error) {
	p, err := newProcessPool(ctx, opts)
	if err != nil {
		return nil, err
	}
	q := newQueued(p)
	if err := p.start(q.decorate(guard(cb))); err != nil {
		return nil, err
	}
	return q, nil
}

func newQueued(p *ProcessPool) *QueuedCluster {
	q := &QueuedCluster{
		ProcessPool: p,
		pending:     NewMaxThresholdMap[Frame](p.opts.MaxEntities),
	}
	q.pending.OnThreshold(q.restoreCapacity)
	return q
}

// Send tracks msg and writes it to a worker. A message that could not be
// written stays pending and is not reported as an error.
func (q *QueuedCluster) Send(msg Message) (Envelope, error) {
	f, err := seal(msg)
	if err != nil {
		lg.FromContext(q.ctx).Warn("message rejected", lg.Any("error", err))
		return Envelope{}, err
	}
	return q.sendFrame(f)
}

func (q *QueuedCluster) sendFrame(f Frame) (Envelope, error) {
	q.track(f)

	err := q.transmit(f)
	switch {
	case err == nil:
	case IsTransportError(err):
		lg.FromContext(q.ctx).Warn("message not sent; kept pending",
			lg.String("key", f.Key),
			lg.Int("pending", q.pending.Len()),
			lg.Any("error", err),
		)
	default:
		q.pending.Delete(f.Key)
		return f.Envelope(), err
	}
	return f.Envelope(), nil
}

func (q *QueuedCluster) track(f Frame) {
	if q.pending.Set(f.Key, f) {
		lg.FromContext(q.ctx).Info("message tracked",
			lg.String("key", f.Key),
			lg.Int("pending", q.pending.Len()),
		)
	}
}

// decorate settles the pending entry once the task succeeded or failed
// for good.
func (q *QueuedCluster) decorate(next Callback) Callback {
	return func(ctx context.Context, pid int, env Envelope) error {
		err := next(ctx, pid, env)
		if env.Key == "" {
			return err
		}
		if err == nil || errors.Is(err, ErrRetriesExhausted) {
			if q.pending.Delete(env.Key) {
				lg.FromContext(q.ctx).Info("pending message settled",
					lg.String("key", env.Key),
					lg.Int("pending", q.pending.Len()),
				)
			}
		}
		return err
	}
}

// restoreCapacity runs when the pending set is full. Only one run is
// active at a time.
func (q *QueuedCluster) restoreCapacity() {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	defer q.draining.Store(false)

	logger := lg.FromContext(q.ctx)
	missing := q.Size() - q.Alive()
	logger.Warn("pending threshold reached",
		lg.Int("pending", q.pending.Len()),
		lg.Int("missing_workers", missing),
	)
	if missing > 0 {
		if err := q.Initialize(missing); err != nil {
			logger.Error("capacity not restored", lg.Any("error", err))
		}
	}
	q.Requeue()
}

// Requeue resends every pending message in insertion order. Entries are
// dropped from the pending set only when the resend was written.
func (q *QueuedCluster) Requeue() int {
	logger := lg.FromContext(q.ctx)
	resent := 0
	for _, e := range q.pending.Entries() {
		if err := q.transmit(e.Value); err != nil {
			logger.Warn("requeue failed; message kept pending",
				lg.String("key", e.Key),
				lg.Any("error", err),
			)
			continue
		}
		q.pending.Delete(e.Key)
		resent++
	}
	logger.Info("requeue finished",
		lg.Int("resent", resent),
		lg.Int("pending", q.pending.Len()),
	)
	return resent
}

// Pending returns the number of tracked messages.
func (q *QueuedCluster) Pending() int { return q.pending.Len() }

// Flush forgets every pending message and returns how many there were.
func (q *QueuedCluster) Flush() int {
	n := q.pending.Clear()
	lg.FromContext(q.ctx).Info("pending set flushed", lg.Int("dropped", n))
	return n
}

func (q *QueuedCluster) QueuesToHealthCheck() map[string]int {
	return map[string]int{defaultQueueLabel: q.pending.Len()}
}

func (q *QueuedCluster) Health() Health {
	h := q.ProcessPool.Health()
	for k, v := range q.QueuesToHealthCheck() {
		h.QueuesSize[k] = v
	}
	return h
}
