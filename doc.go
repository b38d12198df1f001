// Package cluster supervises a pool of worker processes and layers
// delivery guarantees on top of it.
//
// Architecture overview
//
// The stack is built from four layers, each embedding the one below and
// decorating both the outbound Send path and the inbound callback:
//
//  1. ProcessPool
//     Spawns Options.Size children (GOMAXPROCS by default) running
//     Options.Program and talks to each over a newline-delimited JSON
//     channel on stdin/stdout. Sends are queued in a per-worker outbox
//     and never wait for the child; a worker whose outbox overflows or
//     that stops reading for Options.WriteTimeout is replaced.
//     Messages are spread round-robin over live workers. Exited workers
//     are classified and respawned when the exit was a crash or an
//     explicit respawn request.
//
//  2. QueuedCluster
//     Tracks every accepted message in a pending set until its callback
//     succeeds. When the set reaches Options.MaxEntities the cluster
//     spawns the missing workers and resends the pending messages.
//
//  3. AckeableCluster
//     Keeps the message of every send in an inbox, keyed by envelope key,
//     until the callback for that key succeeds.
//
//  4. RetryableCluster
//     On callback failure schedules a redelivery of the inbox message
//     with exponential backoff and jitter until the key's retry budget
//     is spent.
//
// Keys
//
// Every message on the wire is an Envelope{Key, Message}. Raw payloads
// are keyed by the SHA-256 of their JSON encoding, so equal payloads
// share a key. Workers must echo the key in their reply; the key is the
// only thing that correlates a reply with pending, inbox and retry
// state.
//
// Worker exits
//
// A worker that exits with code 0, or that was stopped by a plain Kill,
// is not replaced. The plain Kill case departs from the
// signal rule: the SIGTERM it sends would otherwise count as a crash. Exit code ExitCodeRespawn and Kill(pid, true) request
// a replacement. Any other exit is a crash and is replaced as well;
// workers that crash shortly after start are respawned with backoff,
// and repeated spawn failures open a circuit breaker.
//
// Error handling
//
// Callback errors are reported through Options.OnTaskError. Failures of
// the pool itself (spawn errors, broken channels) go to
// Options.OnInternalError. Neither stops the supervisor.
//
// Logging
//
// All components log through the zlog logger carried by the context
// passed to the constructor.
//
// The worker side of the channel lives in package worker.
package cluster
