package local

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"syscall"

	"github.com/prometheus/procfs"
)

// procLocator reads process command lines from /proc.
type procLocator struct {
	mountPoint string
}

// NewProcessLocator returns the locator for this platform.
func NewProcessLocator() ProcessLocator {
	return &procLocator{mountPoint: procfs.DefaultMountPoint}
}

func (l *procLocator) ListMatching(pattern *regexp.Regexp) ([]Process, error) {
	pfs, err := procfs.NewFS(l.mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	all, err := pfs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var procs []Process
	for _, p := range all {
		// Kernel threads have no command line; processes may also exit
		// between listing and reading.
		args, err := p.CmdLine()
		if err != nil || len(args) == 0 {
			continue
		}
		cmdline := strings.Join(args, " ")
		if pattern.MatchString(cmdline) {
			procs = append(procs, Process{PID: p.PID, CommandLine: cmdline})
		}
	}
	return procs, nil
}

func (l *procLocator) Terminate(pid int) error {
	return killPID(pid)
}

func killPID(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}
