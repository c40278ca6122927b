//go:build windows

package proc

import (
	"context"
	"os"
)

// Alive reports whether pid names a running process. FindProcess only
// succeeds for live processes here.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

// SignalByName has no named signals to map on this platform; everything
// resolves to a hard kill.
func SignalByName(string) os.Signal { return os.Kill }

// Terminate kills pid outright. Graceful signals do not exist here.
func Terminate(_ context.Context, pid int, _ os.Signal) {
	if pid <= 0 {
		return
	}
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}
