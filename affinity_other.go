//go:build !linux

package cluster

// pinProcess is a no-op where sched_setaffinity is unavailable.
func pinProcess(pid, cpu int) error { return nil }
