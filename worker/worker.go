// Package worker is the child side of a cluster channel.
//
// A worker reads one JSON envelope per line from stdin, runs a Handler
// on it and writes the reply envelope, under the same key, to stdout.
// Nothing else may be written to stdout; logs go to the zlog logger
// carried by the context passed to Serve, or the one set with WithLogger.
// zlog writes to stderr.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	cluster "github.com/Andrej220/go-utils/pcluster"
	lg "github.com/Andrej220/go-utils/zlog"
	"golang.org/x/sync/errgroup"
)

const defaultMaxFrameSize = 1 << 20

// Handler computes the reply for one task. The returned value is
// encoded as the reply message.
type Handler func(ctx context.Context, task cluster.Envelope) (any, error)

// ExitError asks Serve to stop and the process to exit with Code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("worker: exit %d", e.Code) }

// Exit returns an error that makes Serve return without replying.
func Exit(code int) error { return &ExitError{Code: code} }

// Respawn asks the supervisor for a fresh replacement process.
func Respawn() error { return Exit(cluster.ExitCodeRespawn) }

// Failure is the reply written when a Handler fails.
type Failure struct {
	Error string `json:"error"`
}

// AsFailure reports whether env is a failure reply.
func AsFailure(env cluster.Envelope) (Failure, bool) {
	var f Failure
	if err := json.Unmarshal(env.Message, &f); err != nil || f.Error == "" {
		return Failure{}, false
	}
	return f, true
}

type options struct {
	in           io.Reader
	out          io.Writer
	logger       lg.ZLogger
	concurrency  int
	maxFrameSize int
}

type Option func(*options)

// WithIO replaces stdin and stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(o *options) {
		o.in = in
		o.out = out
	}
}

// WithLogger overrides the logger taken from the Serve context.
func WithLogger(l lg.ZLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithConcurrency bounds the number of tasks handled at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}

// Serve handles tasks until the input is exhausted, ctx is done or a
// handler returns an *ExitError, which Serve returns.
func Serve(ctx context.Context, h Handler, opts ...Option) error {
	o := options{
		in:           os.Stdin,
		out:          os.Stdout,
		logger:       lg.FromContext(ctx),
		concurrency:  1,
		maxFrameSize: defaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(lg.Int("pid", os.Getpid()))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	var mu sync.Mutex
	enc := json.NewEncoder(o.out)
	reply := func(f cluster.Frame) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(f)
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(o.in)
		sc.Buffer(make([]byte, 0, min(64*1024, o.maxFrameSize)), o.maxFrameSize)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-gctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	logger.Info("worker ready", lg.Int("concurrency", o.concurrency))
loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			var f cluster.Frame
			if err := json.Unmarshal(line, &f); err != nil {
				logger.Warn("undecodable frame dropped", lg.Error("error", err))
				continue
			}
			g.Go(func() error { return handle(gctx, h, f, reply, logger) })
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	select {
	case err := <-readErr:
		if err != nil {
			return fmt.Errorf("worker: read: %w", err)
		}
	default:
	}
	logger.Info("worker done")
	return nil
}

func handle(ctx context.Context, h Handler, f cluster.Frame, reply func(cluster.Frame) error, logger lg.ZLogger) error {
	logger = logger.With(lg.String("key", f.Key))
	if st, ok := f.Retry(); ok {
		logger = logger.With(lg.Int("attempt", st.Attempts))
	}

	v, err := call(ctx, h, f.Envelope())

	var ee *ExitError
	if errors.As(err, &ee) {
		logger.Info("exit requested", lg.Int("code", ee.Code))
		return ee
	}

	var msg any = v
	if err != nil {
		logger.Warn("task failed", lg.Error("error", err))
		msg = Failure{Error: err.Error()}
	}
	b, err := json.Marshal(msg)
	if err != nil {
		logger.Warn("reply not encodable", lg.Error("error", err))
		b, _ = json.Marshal(Failure{Error: err.Error()})
	}
	if err := reply(cluster.Frame{Key: f.Key, Message: b}); err != nil {
		return fmt.Errorf("worker: write reply: %w", err)
	}
	logger.Info("task replied")
	return nil
}

func call(ctx context.Context, h Handler, task cluster.Envelope) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: handler panicked: %v", r)
		}
	}()
	return h(ctx, task)
}
