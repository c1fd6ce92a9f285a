package local

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
)

// wmiLocator lists processes through PowerShell's CIM cmdlets.
type wmiLocator struct{}

// NewProcessLocator returns the locator for this platform.
func NewProcessLocator() ProcessLocator {
	return wmiLocator{}
}

func (wmiLocator) ListMatching(pattern *regexp.Regexp) ([]Process, error) {
	script := `Get-CimInstance Win32_Process | ForEach-Object { "$($_.ProcessId) $($_.CommandLine)" }`
	out, err := exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", script).Output()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return parsePS(string(out), pattern), nil
}

func (wmiLocator) Terminate(pid int) error {
	return killPID(pid)
}

func killPID(pid int) error {
	if err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run(); err != nil {
		return fmt.Errorf("taskkill %d: %w", pid, err)
	}
	return nil
}
