//go:build !windows

package proc

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"
)

// killGrace is how long a graceful signal gets before escalation.
const killGrace = 200 * time.Millisecond

// Alive reports whether pid names a running process we may signal. Signal 0
// probes without delivering; EPERM still means the process exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// SignalByName maps a configured signal name to the signal it denotes.
// Unrecognized or empty names fall back to SIGTERM.
func SignalByName(name string) os.Signal {
	switch name {
	case "SIGINT", "INT":
		return syscall.SIGINT
	case "SIGHUP", "HUP":
		return syscall.SIGHUP
	case "SIGQUIT", "QUIT":
		return syscall.SIGQUIT
	case "SIGKILL", "KILL":
		return syscall.SIGKILL
	}
	return syscall.SIGTERM
}

// Terminate delivers sig to pid, allows a short grace for the process to
// exit, then escalates to SIGKILL if it is still around. It is best effort
// throughout: delivery failures mean the process is already gone, and it
// never waits for process exit beyond the grace window. Cancelling ctx
// skips the grace and kills immediately.
func Terminate(ctx context.Context, pid int, sig os.Signal) {
	if pid <= 0 {
		return
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := p.Signal(sig); err != nil {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(killGrace):
	}
	if Alive(pid) {
		_ = p.Signal(syscall.SIGKILL)
	}
}
