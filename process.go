package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"
)

// worker is one child process and its JSON channel.
type worker struct {
	pid       int
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	startedAt time.Time

	// outbox holds encoded frames until the writer goroutine copies
	// them into stdin.
	outbox chan []byte

	// respawn is set by Kill(pid, true), stopped by a plain Kill.
	respawn atomic.Bool
	stopped atomic.Bool
	exited  atomic.Bool

	done chan struct{}
}

func newWorker(cmd *exec.Cmd, stdin io.WriteCloser, outbox int) *worker {
	return &worker{
		pid:       cmd.Process.Pid,
		cmd:       cmd,
		stdin:     stdin,
		startedAt: time.Now(),
		outbox:    make(chan []byte, outbox),
		done:      make(chan struct{}),
	}
}

// terminated reports whether the worker is gone or on its way out.
func (w *worker) terminated() bool {
	return w.exited.Load() || w.stopped.Load() || w.respawn.Load()
}

// write queues one frame as a single line. It never waits for the
// child: a full outbox fails with ErrWorkerBusy.
func (w *worker) write(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("cluster: encode frame %q: %w", f.Key, err)
	}
	if w.exited.Load() {
		return os.ErrClosed
	}
	select {
	case w.outbox <- append(b, '\n'):
		return nil
	default:
		return fmt.Errorf("%w: %d frames queued", ErrWorkerBusy, cap(w.outbox))
	}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// flush copies one queued line into stdin, failing with
// os.ErrDeadlineExceeded when the child does not take it within timeout.
func (w *worker) flush(line []byte, timeout time.Duration) error {
	if d, ok := w.stdin.(writeDeadliner); ok && timeout > 0 {
		err := d.SetWriteDeadline(time.Now().Add(timeout))
		if err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return err
		}
	}
	_, err := w.stdin.Write(line)
	return err
}

// kill signals the process. A respawn kill is immediate; a plain kill
// asks the worker to terminate and falls back to SIGKILL.
func (w *worker) kill(respawn bool) error {
	if w.exited.Load() {
		return nil
	}
	var err error
	if respawn {
		if w.stopped.Load() {
			// already on its way out for good
			return nil
		}
		w.respawn.Store(true)
		err = w.cmd.Process.Kill()
	} else {
		w.stopped.Store(true)
		_ = w.stdin.Close()
		if err = w.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			err = w.cmd.Process.Kill()
		}
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cluster: signal worker %d: %w", w.pid, err)
	}
	return nil
}

type exitClass int

const (
	exitNormal exitClass = iota
	exitRespawn
	exitCrash
)

func (c exitClass) String() string {
	switch c {
	case exitNormal:
		return "normal"
	case exitRespawn:
		return "respawn"
	default:
		return "crash"
	}
}

// exitStatus describes how a worker ended.
type exitStatus struct {
	code   int
	signal string
}

func statusOf(state *os.ProcessState) exitStatus {
	if state == nil {
		return exitStatus{code: -1}
	}
	st := exitStatus{code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.signal = ws.Signal().String()
	}
	return st
}

// classify applies the three-way exit rule: an explicit respawn request
// or ExitCodeRespawn asks for a replacement, a clean exit or a plain
// kill is final, and everything else is a crash.
func (w *worker) classify(st exitStatus) exitClass {
	switch {
	case w.respawn.Load():
		return exitRespawn
	case w.stopped.Load():
		return exitNormal
	case st.code == ExitCodeRespawn:
		return exitRespawn
	case st.code == 0:
		return exitNormal
	default:
		return exitCrash
	}
}
