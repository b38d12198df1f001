package cluster

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/sony/gobreaker"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// maxRespawnSteps bounds how far the crash-loop backoff is advanced.
const maxRespawnSteps = 32

// ProcessPool supervises a fixed number of worker processes running the
// same program. Messages are spread over live workers round-robin and
// every inbound message is handed to the callback on its own goroutine.
type ProcessPool struct {
	ctx     context.Context
	opts    Options
	metrics MetricsPolicy
	breaker *gobreaker.CircuitBreaker
	handler Callback

	mu       sync.Mutex
	workers  map[int]*worker
	order    []*worker
	balancer *RoundRobin[*worker]
	streak   int
	closed   bool

	closing   chan struct{}
	spawns    atomic.Uint64
	startedAt time.Time
}

// NewProcessPool spawns opts.Size workers that deliver their messages to
// cb. The logger is taken from ctx.
func NewProcessPool(ctx context.Context, opts Options, cb Callback) (*ProcessPool, error) {
	p, err := newProcessPool(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := p.start(guard(cb)); err != nil {
		return nil, err
	}
	return p, nil
}

func newProcessPool(ctx context.Context, opts Options) (*ProcessPool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	opts.FillDefaults()
	if opts.Program.Path == "" {
		return nil, ErrNoProgram
	}

	p := &ProcessPool{
		ctx:     ctx,
		opts:    opts,
		metrics: opts.Metrics,
		workers: make(map[int]*worker),
		closing: make(chan struct{}),
	}

	threshold := opts.BreakerThreshold
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "spawn",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.FromContext(ctx).Warn("spawn breaker state changed",
				lg.String("breaker", name),
				lg.String("from", from.String()),
				lg.String("to", to.String()),
			)
		},
	})
	return p, nil
}

// start installs the inbound handler and brings the pool to size. It
// fails only when not a single worker could be started.
func (p *ProcessPool) start(h Callback) error {
	p.handler = h
	p.startedAt = time.Now()

	err := p.Initialize(p.opts.Size)
	if err == nil {
		return nil
	}
	if p.Alive() == 0 {
		p.Stop()
		return err
	}
	lg.FromContext(p.ctx).Warn("pool started below capacity",
		lg.Int("alive", p.Alive()),
		lg.Int("size", p.opts.Size),
		lg.Any("error", err),
	)
	return nil
}

// Send seals msg into an envelope and writes it to the next worker.
// The returned envelope carries the assigned key even when the write
// fails; IsTransportError distinguishes "not sent" from bad input.
func (p *ProcessPool) Send(msg Message) (Envelope, error) {
	f, err := seal(msg)
	if err != nil {
		lg.FromContext(p.ctx).Warn("message rejected", lg.Any("error", err))
		return Envelope{}, err
	}
	return f.Envelope(), p.transmit(f)
}

func (p *ProcessPool) transmit(f Frame) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	w, err := p.balancer.Next()
	p.mu.Unlock()

	logger := lg.FromContext(p.ctx).With(lg.String("key", f.Key))
	if err != nil {
		logger.Warn("no alive worker; message not sent")
		return ErrNoWorker
	}
	if w.terminated() {
		logger.Warn("worker terminated; message not sent", lg.Int("pid", w.pid))
		return fmt.Errorf("%w: pid %d", ErrWorkerTerminated, w.pid)
	}
	if err := w.write(f); err != nil {
		logger.Error("worker channel write failed", lg.Int("pid", w.pid), lg.Any("error", err))
		p.reportInternalError(fmt.Errorf("cluster: write to worker %d: %w", w.pid, err))
		_ = p.Kill(w.pid, true)
		return fmt.Errorf("%w: pid %d: %w", ErrWorkerTerminated, w.pid, err)
	}

	p.metrics.IncSent()
	logger.Info("message sent", lg.Int("pid", w.pid))
	return nil
}

// drain copies queued frames into the worker's stdin. A frame the child
// does not take within WriteTimeout marks it as hung and it is replaced.
func (p *ProcessPool) drain(w *worker) {
	for {
		select {
		case <-w.done:
			return
		case line := <-w.outbox:
			err := w.flush(line, p.opts.WriteTimeout)
			if err == nil {
				continue
			}
			if w.terminated() {
				return
			}
			lg.FromContext(p.ctx).Error("worker channel write failed",
				lg.Int("pid", w.pid),
				lg.String("timeout", p.opts.WriteTimeout.String()),
				lg.Error("error", err),
			)
			p.reportInternalError(fmt.Errorf("cluster: write to worker %d: %w", w.pid, err))
			_ = p.Kill(w.pid, true)
			return
		}
	}
}

// Initialize spawns n additional workers.
func (p *ProcessPool) Initialize(n int) error {
	var errs error
	for i := 0; i < n; i++ {
		if _, err := p.spawn(); err != nil {
			lg.FromContext(p.ctx).Error("worker spawn failed", lg.Any("error", err))
			p.reportInternalError(err)
			errs = multierr.Append(errs, err)
			if errors.Is(err, ErrPoolClosed) {
				break
			}
		}
	}
	return errs
}

func (p *ProcessPool) spawn() (*worker, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	v, err := p.breaker.Execute(func() (interface{}, error) {
		return p.startWorker()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: capacity cannot be restored: %w", ErrSpawnFailed, err)
		}
		return nil, err
	}
	return v.(*worker), nil
}

func (p *ProcessPool) startWorker() (*worker, error) {
	prog := p.opts.Program
	cmd := exec.Command(prog.Path, prog.Args...)
	cmd.Dir = prog.Dir
	cmd.Env = append(os.Environ(), prog.Env...)
	cmd.Stderr = p.opts.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawnFailed, prog.Path, err)
	}

	w := newWorker(cmd, stdin, p.opts.OutboxSize)
	logger := lg.FromContext(p.ctx).With(lg.Int("pid", w.pid))

	if p.opts.PinWorkers {
		cpu := int(p.spawns.Load() % uint64(runtime.NumCPU()))
		if err := pinProcess(w.pid, cpu); err != nil {
			logger.Warn("worker pinning failed", lg.Int("cpu", cpu), lg.Any("error", err))
			p.reportInternalError(fmt.Errorf("cluster: pin worker %d: %w", w.pid, err))
		}
	}
	p.spawns.Add(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = w.kill(false)
		go func() { _ = cmd.Wait() }()
		return nil, ErrPoolClosed
	}
	p.workers[w.pid] = w
	p.order = append(p.order, w)
	p.balancer = NewRoundRobin(p.order)
	alive := len(p.workers)
	p.mu.Unlock()

	p.metrics.IncSpawned()
	logger.Info("worker spawned", lg.Int("alive", alive), lg.String("program", prog.Path))

	go p.drain(w)
	go p.watch(w, stdout)
	return w, nil
}

// watch reads the worker channel until EOF, then reaps the process.
func (p *ProcessPool) watch(w *worker, stdout io.Reader) {
	logger := lg.FromContext(p.ctx).With(lg.Int("pid", w.pid))

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, min(64*1024, p.opts.MaxFrameSize)), p.opts.MaxFrameSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		p.dispatch(w.pid, decodeFrame(line))
	}
	if err := sc.Err(); err != nil && !w.terminated() {
		logger.Error("worker channel failed", lg.Any("error", err))
		p.reportInternalError(fmt.Errorf("cluster: read from worker %d: %w", w.pid, err))
		_ = p.Kill(w.pid, true)
	}

	_ = w.cmd.Wait()
	w.exited.Store(true)
	st := statusOf(w.cmd.ProcessState)
	alive, closed := p.remove(w)
	close(w.done)
	p.onExit(w, st, alive, closed)
}

func (p *ProcessPool) dispatch(pid int, env Envelope) {
	p.metrics.IncReceived()
	go func() {
		if err := p.handler(p.ctx, pid, env); err != nil {
			lg.FromContext(p.ctx).Warn("callback failed",
				lg.Int("pid", pid),
				lg.String("key", env.Key),
				lg.Any("error", err),
			)
			p.reportTaskError(err)
		}
	}()
}

// remove drops w from the registry and rebuilds the balancer.
func (p *ProcessPool) remove(w *worker) (alive int, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, w.pid)
	for i, o := range p.order {
		if o == w {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
	p.balancer = NewRoundRobin(p.order)
	return len(p.workers), p.closed
}

func (p *ProcessPool) onExit(w *worker, st exitStatus, alive int, closed bool) {
	class := w.classify(st)
	lg.FromContext(p.ctx).Info("worker exited",
		lg.Int("pid", w.pid),
		lg.Int("code", st.code),
		lg.String("signal", st.signal),
		lg.String("class", class.String()),
		lg.Int("alive", alive),
	)
	if class == exitNormal || closed {
		return
	}
	p.respawn(w, class)
}

// respawn replaces an exited worker. Workers that crash before
// MinUptime extend the crash streak and wait for the backoff delay.
func (p *ProcessPool) respawn(w *worker, class exitClass) {
	logger := lg.FromContext(p.ctx).With(lg.Int("pid", w.pid))

	p.mu.Lock()
	if class == exitCrash && time.Since(w.startedAt) < p.opts.Respawn.MinUptime {
		p.streak++
	} else {
		p.streak = 0
	}
	streak := p.streak
	p.mu.Unlock()

	if delay := p.respawnDelay(streak); delay > 0 {
		logger.Warn("worker crash loop; delaying respawn",
			lg.Int("streak", streak),
			lg.String("delay", delay.String()),
		)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-p.closing:
			t.Stop()
			return
		}
	}

	if alive := p.Alive(); alive >= p.opts.Size {
		logger.Info("respawn skipped; pool at capacity", lg.Int("alive", alive))
		return
	}
	nw, err := p.spawn()
	if err != nil {
		logger.Error("worker respawn failed", lg.Any("error", err))
		p.reportInternalError(err)
		return
	}
	p.metrics.IncRespawned()
	logger.Info("worker respawned", lg.Int("replacement", nw.pid), lg.String("class", class.String()))
}

func (p *ProcessPool) respawnDelay(streak int) time.Duration {
	if streak <= 0 {
		return 0
	}
	bo := boff.New(p.opts.Respawn.Initial, p.opts.Respawn.Max, time.Now().UnixNano())
	var d time.Duration
	for i := 0; i < min(streak, maxRespawnSteps); i++ {
		d = bo.Next()
	}
	return d
}

// Kill signals worker pid, or every worker when pid is 0. With respawn
// set the exit is turned into a replacement. Without it the worker is
// gone for good: unlike an unexpected signal, which counts as a crash
// and is replaced, a plain Kill is classified as a normal exit. A
// respawn Kill of a worker already stopped this way is a no-op.
// Unknown pids are logged and ignored.
func (p *ProcessPool) Kill(pid int, respawn bool) error {
	if pid == 0 {
		return p.KillAll(respawn)
	}
	p.mu.Lock()
	w, ok := p.workers[pid]
	p.mu.Unlock()

	logger := lg.FromContext(p.ctx).With(lg.Int("pid", pid))
	if !ok {
		logger.Warn("kill: unknown worker")
		return nil
	}
	logger.Info("killing worker", lg.Any("respawn", respawn))
	return w.kill(respawn)
}

// KillAll signals every live worker.
func (p *ProcessPool) KillAll(respawn bool) error {
	ws := p.snapshot()
	var errs error
	for _, w := range ws {
		errs = multierr.Append(errs, w.kill(respawn))
	}
	lg.FromContext(p.ctx).Info("killing all workers",
		lg.Int("workers", len(ws)),
		lg.Any("respawn", respawn),
	)
	return errs
}

// Shutdown stops accepting messages, terminates every worker and waits
// until all of them have exited or ctx is done.
func (p *ProcessPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	ws := append([]*worker(nil), p.order...)
	p.mu.Unlock()

	if !already {
		close(p.closing)
		lg.FromContext(p.ctx).Info("pool shutting down", lg.Int("workers", len(ws)))
	}

	var errs error
	for _, w := range ws {
		errs = multierr.Append(errs, w.kill(false))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range ws {
		w := w
		g.Go(func() error {
			select {
			case <-w.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return multierr.Append(errs, g.Wait())
}

// Stop is a blocking Shutdown.
func (p *ProcessPool) Stop() { _ = p.Shutdown(context.Background()) }

func (p *ProcessPool) snapshot() []*worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*worker(nil), p.order...)
}

// Size is the configured number of workers.
func (p *ProcessPool) Size() int { return p.opts.Size }

// Alive is the number of registered workers.
func (p *ProcessPool) Alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// PIDs lists live workers in spawn order.
func (p *ProcessPool) PIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	pids := make([]int, 0, len(p.order))
	for _, w := range p.order {
		pids = append(pids, w.pid)
	}
	return pids
}

func (p *ProcessPool) Uptime() time.Duration { return time.Since(p.startedAt) }

func (p *ProcessPool) Metrics() MetricsPolicy { return p.metrics }

func (p *ProcessPool) Health() Health {
	return Health{
		TotalWorkers: p.Size(),
		AliveWorkers: p.Alive(),
		QueuesSize:   map[string]int{},
		Uptime:       p.Uptime(),
	}
}
