//go:build linux

package cluster

import (
	"golang.org/x/sys/unix"
)

// pinProcess restricts the process pid to a single CPU.
func pinProcess(pid, cpu int) error {
	var mask unix.CPUSet
	mask.Zero()
	mask.Set(cpu)
	return unix.SchedSetaffinity(pid, &mask)
}
