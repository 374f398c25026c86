package command

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Alive probes whether a process with the given pid currently exists, using
// the null signal. Permission denied means the process exists but belongs to
// another user, so it counts as alive. This is a point-in-time pid based
// check and is inherently racy against pid reuse; prefer IsRunning on a
// Command that owns the process handle.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	if errors.Is(err, unix.EPERM) {
		return true
	}
	return false
}
