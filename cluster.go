package cluster

import (
	"context"
	"time"
)

// Callback receives every message a worker writes back. pid identifies
// the worker. A non-nil error marks the task as failed for the layers
// that track acknowledgment and retries.
type Callback func(ctx context.Context, pid int, env Envelope) error

// Sender is the capability shared by every layer of the stack.
type Sender interface {
	Send(msg Message) (Envelope, error)
	Kill(pid int, respawn bool) error
	Shutdown(ctx context.Context) error
	Health() Health
}

var (
	_ Sender = (*ProcessPool)(nil)
	_ Sender = (*QueuedCluster)(nil)
	_ Sender = (*AckeableCluster)(nil)
	_ Sender = (*RetryableCluster)(nil)
)

// Health is a point-in-time view of a cluster.
type Health struct {
	TotalWorkers int            `json:"totalWorkers"`
	AliveWorkers int            `json:"aliveWorkers"`
	QueuesSize   map[string]int `json:"queuesSize"`
	Uptime       time.Duration  `json:"uptime"`
}

// guard turns a panicking callback into a failed one.
func guard(cb Callback) Callback {
	return func(ctx context.Context, pid int, env Envelope) (err error) {
		if cb == nil {
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = panicError(r)
			}
		}()
		return cb(ctx, pid, env)
	}
}
