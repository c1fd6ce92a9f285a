package local_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/agent"
)

// The test binary doubles as the agent process: when ANVIL_TEST_AGENT is
// set it serves the bridge instead of running tests.
func TestMain(m *testing.M) {
	if mode := os.Getenv("ANVIL_TEST_AGENT"); mode != "" {
		os.Exit(runHelperAgent(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

type upperConverter struct{}

func (upperConverter) Convert(_ context.Context, job agent.Job, logLine func(string)) ([]byte, error) {
	in, err := os.ReadFile(job.InputPath)
	if err != nil {
		return nil, err
	}
	logLine("converted " + job.InputPath)
	return []byte(strings.ToUpper(string(in))), nil
}

func runHelperAgent(mode string, args []string) int {
	var listen, workdir string
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "--listen":
			listen = strings.TrimPrefix(args[i+1], "unix:")
		case "--workdir":
			workdir = args[i+1]
		}
	}

	switch mode {
	case "crash":
		os.Stderr.WriteString("fatal: office binary not found\n")
		return 3
	case "hang":
		time.Sleep(time.Hour)
		return 0
	}

	l, err := net.Listen("unix", listen)
	if err != nil {
		os.Stderr.WriteString("listen: " + err.Error() + "\n")
		return 1
	}
	os.Stdout.WriteString("agent listening on " + listen + "\n")

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	if err := agent.New(l, workdir, upperConverter{}, logger).Serve(); err != nil {
		return 1
	}
	return 0
}
