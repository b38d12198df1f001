package cluster

import (
	"sync/atomic"
)

// MetricsPolicy receives counters from every layer of a cluster.
//
// Implementations must be safe for concurrent use and should not block.
type MetricsPolicy interface {
	// IncSent counts a frame written to a worker channel.
	IncSent()

	// IncReceived counts a frame read from a worker channel.
	IncReceived()

	// IncAcked counts a successful callback.
	IncAcked()

	// IncRetried counts a scheduled redelivery.
	IncRetried()

	// IncFailed counts a terminal task failure.
	IncFailed()

	// IncSpawned counts a started worker process.
	IncSpawned()

	// IncRespawned counts a replacement for an exited worker.
	IncRespawned()
}

// AtomicMetrics is a lock-free MetricsPolicy backed by atomics.
// Reads are intended for cold-path observation such as health output.
type AtomicMetrics struct {
	sent     atomic.Uint64
	received atomic.Uint64

	_ [48]byte // keep the hot send/receive counters off the next line

	acked     atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
	spawned   atomic.Uint64
	respawned atomic.Uint64
}

func (m *AtomicMetrics) IncSent()      { m.sent.Add(1) }
func (m *AtomicMetrics) IncReceived()  { m.received.Add(1) }
func (m *AtomicMetrics) IncAcked()     { m.acked.Add(1) }
func (m *AtomicMetrics) IncRetried()   { m.retried.Add(1) }
func (m *AtomicMetrics) IncFailed()    { m.failed.Add(1) }
func (m *AtomicMetrics) IncSpawned()   { m.spawned.Add(1) }
func (m *AtomicMetrics) IncRespawned() { m.respawned.Add(1) }

func (m *AtomicMetrics) Sent() uint64      { return m.sent.Load() }
func (m *AtomicMetrics) Received() uint64  { return m.received.Load() }
func (m *AtomicMetrics) Acked() uint64     { return m.acked.Load() }
func (m *AtomicMetrics) Retried() uint64   { return m.retried.Load() }
func (m *AtomicMetrics) Failed() uint64    { return m.failed.Load() }
func (m *AtomicMetrics) Spawned() uint64   { return m.spawned.Load() }
func (m *AtomicMetrics) Respawned() uint64 { return m.respawned.Load() }

//------------- NoopMetrics ----------------------------------

// NoopMetrics discards every update. It is the default policy.
type NoopMetrics struct{}

func (*NoopMetrics) IncSent()      {}
func (*NoopMetrics) IncReceived()  {}
func (*NoopMetrics) IncAcked()     {}
func (*NoopMetrics) IncRetried()   {}
func (*NoopMetrics) IncFailed()    {}
func (*NoopMetrics) IncSpawned()   {}
func (*NoopMetrics) IncRespawned() {}
