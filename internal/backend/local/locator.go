package local

import (
	"regexp"
	"strconv"
	"strings"
)

// Process is a running OS process.
type Process struct {
	PID         int
	CommandLine string
}

// ProcessLocator finds and kills OS processes. Each platform has its own
// implementation, returned by NewProcessLocator.
type ProcessLocator interface {
	// ListMatching returns every process whose command line matches pattern.
	ListMatching(pattern *regexp.Regexp) ([]Process, error)

	// Terminate kills the process with the given pid.
	Terminate(pid int) error
}

// InstancePattern matches command lines that carry instance as a whole path
// or argument element, such as "--instance=anvil-w0" or
// "-env:UserInstallation=file:///run/anvil/anvil-w0/profile", but not
// "anvil-w01".
func InstancePattern(instance string) *regexp.Regexp {
	return regexp.MustCompile(`(^|[\s=/])` + regexp.QuoteMeta(instance) + `([\s/]|$)`)
}

// PrefixPattern matches command lines that carry any worker instance derived
// from prefix.
func PrefixPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`(^|[\s=/])` + regexp.QuoteMeta(prefix) + `-w\d+([\s/]|$)`)
}

var psLine = regexp.MustCompile(`^\s*(\d+)\s+(.*)$`)

// parsePS parses the output of "ps -e -o pid,args", skipping the header and
// any line that does not start with a pid.
func parsePS(out string, pattern *regexp.Regexp) []Process {
	var procs []Process
	for _, line := range strings.Split(out, "\n") {
		m := psLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pid, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		cmdline := strings.TrimSpace(m[2])
		if pattern.MatchString(cmdline) {
			procs = append(procs, Process{PID: pid, CommandLine: cmdline})
		}
	}
	return procs
}
