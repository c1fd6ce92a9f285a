//go:build !linux && !windows

package local

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"syscall"
)

// psLocator lists processes with ps(1).
type psLocator struct{}

// NewProcessLocator returns the locator for this platform.
func NewProcessLocator() ProcessLocator {
	return psLocator{}
}

func (psLocator) ListMatching(pattern *regexp.Regexp) ([]Process, error) {
	out, err := exec.Command("/bin/ps", "-e", "-o", "pid,args").Output()
	if err != nil {
		return nil, fmt.Errorf("run ps: %w", err)
	}
	return parsePS(string(out), pattern), nil
}

func (psLocator) Terminate(pid int) error {
	return killPID(pid)
}

func killPID(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}
