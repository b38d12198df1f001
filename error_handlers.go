package cluster

import (
	"errors"
	"fmt"
)

var (
	ErrNilMessage         = errors.New("cluster: nil message")
	ErrEmptyKey           = errors.New("cluster: envelope key is empty")
	ErrEmptyBalancer      = errors.New("cluster: balancer has no items")
	ErrInvalidRetryConfig = errors.New("cluster: invalid retry config")
	ErrNoWorker           = errors.New("cluster: no alive worker")
	ErrWorkerTerminated   = errors.New("cluster: worker terminated")
	ErrWorkerBusy         = errors.New("cluster: worker outbox full")
	ErrPoolClosed         = errors.New("cluster: pool closed")
	ErrRetriesExhausted   = errors.New("cluster: retries exhausted")
	ErrSpawnFailed        = errors.New("cluster: spawn failed")
	ErrNoProgram          = errors.New("cluster: worker program path is empty")
)

// IsTransportError reports whether err means the message was not handed
// to any worker.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrNoWorker) || errors.Is(err, ErrWorkerTerminated)
}

// reportInternalError reports a pool failure that is not tied to a
// task: spawn errors, broken worker channels, callback panics.
// If no handler is registered, the error is dropped after logging.
func (p *ProcessPool) reportInternalError(err error) {
	if p.opts.OnInternalError != nil {
		p.opts.OnInternalError(err)
	}
}

// reportTaskError reports an error returned by the callback chain.
func (p *ProcessPool) reportTaskError(err error) {
	if p.opts.OnTaskError != nil {
		p.opts.OnTaskError(err)
	}
}

// panicError converts a recovered value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("cluster: callback panicked: %w", err)
	}
	return fmt.Errorf("cluster: callback panicked: %v", r)
}
