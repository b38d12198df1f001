package cluster_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	cluster "github.com/Andrej220/go-utils/pcluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const digest20 = "f5ca38f748a1d6eaf726b8a42fb575c3c71f1864a8143301782de13da2d9202b"

func newTestPool(t *testing.T, mode string, size int, cb cluster.Callback) *cluster.ProcessPool {
	t.Helper()
	p, err := cluster.NewProcessPool(context.Background(), helperOptions(mode, size), cb)
	require.NoError(t, err)
	stopOnCleanup(t, p)
	return p
}

func TestPoolStartsWorkers(t *testing.T) {
	p := newTestPool(t, "silent", 3, nil)

	assert.Equal(t, 3, p.Size())
	assert.Equal(t, 3, p.Alive())
	assert.Len(t, p.PIDs(), 3)
	assert.Equal(t, uint64(3), metricsOf(p).Spawned())

	h := p.Health()
	assert.Equal(t, 3, h.TotalWorkers)
	assert.Equal(t, 3, h.AliveWorkers)
	assert.Empty(t, h.QueuesSize)
}

func TestPoolEchoRoundTrip(t *testing.T) {
	in := newInbox()
	p := newTestPool(t, "echo", 2, in.callback)

	env, err := p.Send(cluster.Payload{Value: 20})
	require.NoError(t, err)
	assert.Equal(t, digest20, env.Key)

	got := in.next(t)
	assert.Equal(t, digest20, got.Key)
	assert.JSONEq(t, `20`, string(got.Message))
}

func TestPoolSendEnvelopeKeepsKey(t *testing.T) {
	in := newInbox()
	p := newTestPool(t, "echo", 1, in.callback)

	env, err := cluster.NewEnvelope("job-7", map[string]string{"tag": "a"})
	require.NoError(t, err)
	sent, err := p.Send(env)
	require.NoError(t, err)
	assert.Equal(t, "job-7", sent.Key)

	got := in.next(t)
	assert.Equal(t, "job-7", got.Key)
	assert.JSONEq(t, `{"tag":"a"}`, string(got.Message))
}

func TestPoolRoundRobin(t *testing.T) {
	in := newInbox()
	p := newTestPool(t, "echo", 2, in.callback)

	for i := 0; i < 4; i++ {
		_, err := p.Send(cluster.Payload{Value: command{Tag: string(rune('a' + i))}})
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		in.next(t)
	}

	counts := in.pidCounts()
	require.Len(t, counts, 2)
	for pid, n := range counts {
		assert.Equal(t, 2, n, "pid %d", pid)
	}
}

func TestPoolRejectsBadMessages(t *testing.T) {
	p := newTestPool(t, "silent", 1, nil)

	_, err := p.Send(nil)
	require.ErrorIs(t, err, cluster.ErrNilMessage)

	_, err = p.Send(cluster.Payload{})
	require.ErrorIs(t, err, cluster.ErrNilMessage)

	_, err = p.Send(cluster.Envelope{Message: rawJSON(t, 1)})
	require.ErrorIs(t, err, cluster.ErrEmptyKey)
}

func TestPoolCleanExitIsNotRespawned(t *testing.T) {
	p := newTestPool(t, "echo", 2, nil)

	_, err := p.Send(cluster.Payload{Value: exitCode(0)})
	require.NoError(t, err)

	waitUntil(t, 5*time.Second, func() bool { return p.Alive() == 1 })
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, p.Alive())
	assert.Zero(t, metricsOf(p).Respawned())
}

func TestPoolCrashIsRespawned(t *testing.T) {
	var internal []error
	var mu sync.Mutex
	opts := helperOptions("echo", 2)
	opts.OnInternalError = func(err error) {
		mu.Lock()
		internal = append(internal, err)
		mu.Unlock()
	}
	p, err := cluster.NewProcessPool(context.Background(), opts, nil)
	require.NoError(t, err)
	stopOnCleanup(t, p)
	before := p.PIDs()

	_, err = p.Send(cluster.Payload{Value: exitCode(3)})
	require.NoError(t, err)

	m := metricsOf(p)
	waitUntil(t, 5*time.Second, func() bool { return m.Respawned() == 1 && p.Alive() == 2 })
	assert.Equal(t, uint64(3), m.Spawned())
	assert.NotEqual(t, before, p.PIDs())

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, internal, "a crash is recovered, not reported")
}

func TestPoolRespawnExitCode(t *testing.T) {
	p := newTestPool(t, "echo", 1, nil)

	_, err := p.Send(cluster.Payload{Value: exitCode(cluster.ExitCodeRespawn)})
	require.NoError(t, err)

	m := metricsOf(p)
	waitUntil(t, 5*time.Second, func() bool { return m.Respawned() == 1 && p.Alive() == 1 })
}

func TestPoolKill(t *testing.T) {
	p := newTestPool(t, "silent", 2, nil)
	m := metricsOf(p)
	pids := p.PIDs()

	require.NoError(t, p.Kill(pids[0], true))
	waitUntil(t, 5*time.Second, func() bool { return m.Respawned() == 1 && p.Alive() == 2 })
	assert.NotContains(t, p.PIDs(), pids[0])

	require.NoError(t, p.Kill(pids[1], false))
	waitUntil(t, 5*time.Second, func() bool { return p.Alive() == 1 })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, p.Alive())
	assert.Equal(t, uint64(1), m.Respawned())

	assert.NoError(t, p.Kill(999999, false), "unknown pid is ignored")
}

func TestPoolKillAllWithoutRespawn(t *testing.T) {
	p := newTestPool(t, "silent", 3, nil)

	require.NoError(t, p.KillAll(false))
	waitUntil(t, 5*time.Second, func() bool { return p.Alive() == 0 })

	_, err := p.Send(cluster.Payload{Value: 1})
	require.ErrorIs(t, err, cluster.ErrNoWorker)
	assert.True(t, cluster.IsTransportError(err))
}

func TestPoolChannelErrorRespawns(t *testing.T) {
	internal := make(chan error, 4)
	opts := helperOptions("echo", 1)
	opts.MaxFrameSize = 1024
	opts.OnInternalError = func(err error) { internal <- err }

	p, err := cluster.NewProcessPool(context.Background(), opts, nil)
	require.NoError(t, err)
	stopOnCleanup(t, p)

	_, err = p.Send(cluster.Payload{Value: command{Flood: 4096}})
	require.NoError(t, err)

	select {
	case err := <-internal:
		assert.Contains(t, err.Error(), "read from worker")
	case <-time.After(5 * time.Second):
		t.Fatal("oversized frame not reported")
	}
	m := metricsOf(p)
	waitUntil(t, 5*time.Second, func() bool { return m.Respawned() == 1 && p.Alive() == 1 })
}

func TestPoolCallbackErrorsAreReported(t *testing.T) {
	errs := make(chan error, 1)
	opts := helperOptions("echo", 1)
	opts.OnTaskError = func(err error) { errs <- err }

	boom := errors.New("boom")
	p, err := cluster.NewProcessPool(context.Background(), opts,
		func(context.Context, int, cluster.Envelope) error { panic(boom) })
	require.NoError(t, err)
	stopOnCleanup(t, p)

	_, err = p.Send(cluster.Payload{Value: 1})
	require.NoError(t, err)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("callback panic not reported")
	}
	assert.Equal(t, 1, p.Alive(), "a callback panic does not touch workers")
}

func TestPoolShutdown(t *testing.T) {
	p, err := cluster.NewProcessPool(context.Background(), helperOptions("silent", 2), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Zero(t, p.Alive())
	assert.Zero(t, metricsOf(p).Respawned())

	_, err = p.Send(cluster.Payload{Value: 1})
	require.ErrorIs(t, err, cluster.ErrPoolClosed)
	require.NoError(t, p.Shutdown(ctx), "shutdown is idempotent")
}

func TestPoolSpawnFailure(t *testing.T) {
	opts := helperOptions("echo", 2)
	opts.Program.Path = "/nonexistent/pcluster-worker"

	_, err := cluster.NewProcessPool(context.Background(), opts, nil)
	require.ErrorIs(t, err, cluster.ErrSpawnFailed)
}

func TestPoolStopThenRespawnKillIsFinal(t *testing.T) {
	p := newTestPool(t, "silent", 1, nil)
	m := metricsOf(p)
	pid := p.PIDs()[0]

	require.NoError(t, p.Kill(pid, false))
	require.NoError(t, p.Kill(pid, true), "a stopped worker ignores a later respawn request")

	waitUntil(t, 5*time.Second, func() bool { return p.Alive() == 0 })
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, p.Alive())
	assert.Zero(t, m.Respawned())
}

// sendAsync runs send on its own goroutine and fails the test if it
// has not returned within timeout.
func sendAsync(t *testing.T, timeout time.Duration, send func() error) error {
	t.Helper()
	res := make(chan error, 1)
	go func() { res <- send() }()
	select {
	case err := <-res:
		return err
	case <-time.After(timeout):
		t.Fatalf("send blocked for more than %s", timeout)
		return nil
	}
}

func TestPoolHungWorkerIsReplaced(t *testing.T) {
	internal := make(chan error, 4)
	opts := helperOptions("deaf", 1)
	opts.WriteTimeout = 200 * time.Millisecond
	opts.OnInternalError = func(err error) { internal <- err }
	q, err := cluster.NewQueued(context.Background(), opts, nil)
	require.NoError(t, err)
	stopOnCleanup(t, q)
	m := metricsOf(q)
	hung := q.PIDs()[0]

	// larger than a pipe buffer, so the write cannot complete
	big := strings.Repeat("x", 200<<10)
	err = sendAsync(t, time.Second, func() error {
		_, err := q.Send(cluster.Payload{Value: big})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Pending())

	select {
	case err := <-internal:
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("hung worker not reported")
	}
	waitUntil(t, 5*time.Second, func() bool { return m.Respawned() == 1 && q.Alive() == 1 })
	assert.NotContains(t, q.PIDs(), hung)
	assert.Equal(t, 1, q.Pending(), "the message stays pending for the next redrain")
}

func TestPoolOutboxOverflowIsTransportError(t *testing.T) {
	opts := helperOptions("deaf", 1)
	opts.OutboxSize = 1
	opts.WriteTimeout = time.Minute
	p, err := cluster.NewProcessPool(context.Background(), opts, nil)
	require.NoError(t, err)
	stopOnCleanup(t, p)
	m := metricsOf(p)

	big := strings.Repeat("x", 200<<10)
	var first error
	for i := 0; i < 4 && first == nil; i++ {
		first = sendAsync(t, time.Second, func() error {
			_, err := p.Send(cluster.Payload{Value: []any{i, big}})
			return err
		})
	}
	require.Error(t, first)
	assert.ErrorIs(t, first, cluster.ErrWorkerBusy)
	assert.True(t, cluster.IsTransportError(first))

	waitUntil(t, 5*time.Second, func() bool { return m.Respawned() == 1 && p.Alive() == 1 })
}
