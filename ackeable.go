package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	lg "github.com/Andrej220/go-utils/zlog"
)

// AckeableCluster keeps the message of every send in an inbox until the
// callback for its key succeeds. Failed messages stay in the inbox so a
// retry can find them.
type AckeableCluster struct {
	*QueuedCluster

	mu    sync.Mutex
	inbox map[string]json.RawMessage
}

// NewAckeable starts a queued cluster with acknowledgment tracking.
func NewAckeable(ctx context.Context, opts Options, cb Callback) (*AckeableCluster, error) {
	p, err := newProcessPool(ctx, opts)
	if err != nil {
		return nil, err
	}
	a := newAckeable(p)
	if err := p.start(a.QueuedCluster.decorate(a.decorate(guard(cb)))); err != nil {
		return nil, err
	}
	return a, nil
}

func newAckeable(p *ProcessPool) *AckeableCluster {
	return &AckeableCluster{
		QueuedCluster: newQueued(p),
		inbox:         make(map[string]json.RawMessage),
	}
}

func (a *AckeableCluster) Send(msg Message) (Envelope, error) {
	f, err := seal(msg)
	if err != nil {
		lg.FromContext(a.ctx).Warn("message rejected", lg.Any("error", err))
		return Envelope{}, err
	}
	a.store(f)
	env, err := a.sendFrame(f)
	if err != nil {
		a.release(f.Key)
	}
	return env, err
}

// resend writes f straight to a worker without pending tracking. If the
// write fails the frame is tracked so it is not lost.
func (a *AckeableCluster) resend(f Frame) error {
	a.store(f)
	err := a.transmit(f)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPoolClosed):
		return err
	default:
		lg.FromContext(a.ctx).Warn("resend failed; message kept pending",
			lg.String("key", f.Key),
			lg.Any("error", err),
		)
		a.track(f)
		return nil
	}
}

func (a *AckeableCluster) store(f Frame) {
	a.mu.Lock()
	a.inbox[f.Key] = f.Message
	n := len(a.inbox)
	a.mu.Unlock()

	lg.FromContext(a.ctx).Info("message stored in inbox",
		lg.String("key", f.Key),
		lg.Int("inbox", n),
	)
}

func (a *AckeableCluster) release(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.inbox[key]; !ok {
		return false
	}
	delete(a.inbox, key)
	return true
}

func (a *AckeableCluster) decorate(next Callback) Callback {
	return func(ctx context.Context, pid int, env Envelope) error {
		err := next(ctx, pid, env)
		if env.Key == "" {
			return err
		}
		logger := lg.FromContext(a.ctx).With(lg.String("key", env.Key), lg.Int("pid", pid))
		switch {
		case err == nil:
			a.release(env.Key)
			a.metrics.IncAcked()
			logger.Info("message acknowledged")
		case errors.Is(err, ErrRetriesExhausted):
			a.release(env.Key)
			logger.Warn("message released after terminal failure")
		default:
			logger.Warn("message not acknowledged; kept in inbox", lg.Any("error", err))
		}
		return err
	}
}

// InboxMessage returns the stored message for key.
func (a *AckeableCluster) InboxMessage(key string) (json.RawMessage, bool) {
	logger := lg.FromContext(a.ctx)
	if key == "" {
		logger.Warn("inbox lookup with empty key")
		return nil, false
	}
	a.mu.Lock()
	msg, ok := a.inbox[key]
	a.mu.Unlock()
	if !ok {
		logger.Warn("inbox message not found", lg.String("key", key))
	}
	return msg, ok
}

// InboxLen returns the number of unacknowledged messages.
func (a *AckeableCluster) InboxLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inbox)
}
