package microvm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"

	"github.com/seantiz/anvil/internal/agent"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type upperConverter struct{}

func (upperConverter) Convert(_ context.Context, job agent.Job, logLine func(string)) ([]byte, error) {
	in, err := os.ReadFile(job.InputPath)
	if err != nil {
		return nil, err
	}
	return []byte(strings.ToUpper(string(in))), nil
}

// handshakeListener answers the Firecracker vsock CONNECT handshake before
// handing connections to the agent.
type handshakeListener struct {
	net.Listener
	port uint32
}

func (l handshakeListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		line, err := readLine(c)
		if err != nil || line != fmt.Sprintf("CONNECT %d", l.port) {
			c.Close()
			continue
		}
		if _, err := io.WriteString(c, "OK 1073741824\n"); err != nil {
			c.Close()
			continue
		}
		return c, nil
	}
}

// readLine reads up to a newline one byte at a time so nothing after the
// handshake is consumed.
func readLine(r io.Reader) (string, error) {
	var sb strings.Builder
	b := make([]byte, 1)
	for {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return sb.String(), nil
		}
		sb.WriteByte(b[0])
	}
}

// fakeMachine stands in for a Firecracker VM. In "serve" mode it runs a real
// agent behind the vsock handshake.
type fakeMachine struct {
	cfg     fcsdk.Config
	mode    string
	console io.Writer
	workDir string

	mu        sync.Mutex
	ln        net.Listener
	done      chan struct{}
	once      sync.Once
	shutdowns int
	stopVMMs  int
}

func (m *fakeMachine) Start(context.Context) error {
	switch m.mode {
	case "fail":
		return errors.New("firecracker: boot source invalid")
	case "crash":
		m.exit()
		return nil
	case "silent":
		return nil
	}

	ln, err := net.Listen("unix", m.cfg.VsockDevices[0].Path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.ln = ln
	m.mu.Unlock()

	io.WriteString(m.console, "[    0.412] anvil-agent: listening\n")
	go agent.New(handshakeListener{Listener: ln, port: DefaultVsockPort}, m.workDir, upperConverter{}, testLogger()).Serve()
	return nil
}

func (m *fakeMachine) Shutdown(context.Context) error {
	m.mu.Lock()
	m.shutdowns++
	m.mu.Unlock()
	if m.mode == "stubborn" {
		return errors.New("ctrl-alt-del ignored")
	}
	m.exit()
	return nil
}

func (m *fakeMachine) StopVMM() error {
	m.mu.Lock()
	m.stopVMMs++
	m.mu.Unlock()
	m.exit()
	return nil
}

func (m *fakeMachine) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exit simulates the VM process ending.
func (m *fakeMachine) exit() {
	m.once.Do(func() {
		m.mu.Lock()
		if m.ln != nil {
			m.ln.Close()
		}
		m.mu.Unlock()
		close(m.done)
	})
}

func (m *fakeMachine) counts() (shutdowns, stopVMMs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdowns, m.stopVMMs
}

// fakeFactory records every machine it builds.
type fakeFactory struct {
	mode    string
	workDir string

	mu       sync.Mutex
	machines []*fakeMachine
}

func (f *fakeFactory) build(_ context.Context, _ string, cfg fcsdk.Config, console io.Writer) (machine, error) {
	m := &fakeMachine{cfg: cfg, mode: f.mode, console: console, workDir: f.workDir, done: make(chan struct{})}
	f.mu.Lock()
	f.machines = append(f.machines, m)
	f.mu.Unlock()
	return m, nil
}

func (f *fakeFactory) last() *fakeMachine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.machines[len(f.machines)-1]
}

func testConfig(t *testing.T) Config {
	t.Helper()
	// Keep socket paths short; t.TempDir can exceed the sun_path limit.
	dir, err := os.MkdirTemp("", "anvil")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	rootfsDir := filepath.Join(dir, "images")
	if err := os.MkdirAll(rootfsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rootfsDir, DefaultRootfsImage), []byte("rootfs"), 0o644); err != nil {
		t.Fatalf("write rootfs: %v", err)
	}

	return Config{
		KernelPath:  "/opt/vmlinux",
		RootfsDir:   rootfsDir,
		RuntimeDir:  filepath.Join(dir, "run"),
		BootTimeout: 2 * time.Second,
		MaxVMs:      2,
	}.withDefaults()
}

func newTestBackend(t *testing.T, cfg Config, mode string, sink func(int, string)) (*Backend, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{mode: mode, workDir: t.TempDir()}
	b := newBackend(cfg, 0, newCIDAllocator(cfg.CIDBase, cfg.MaxVMs), f.build, sink, testLogger())
	t.Cleanup(func() { b.Stop(context.Background()) })
	return b, f
}
