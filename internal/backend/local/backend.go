// Package local implements workers backed by a supervised conversion agent
// process on the same host. The worker talks to its agent over a Unix socket
// and tracks the process so it can detect premature exits and clean up
// leftovers from earlier runs.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/bridge"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultInstancePrefix = "anvil"
	DefaultStartTimeout   = 30 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
)

// Config describes how to launch an agent process.
type Config struct {
	// AgentBinary is the anvil-agent executable.
	AgentBinary string

	// OfficeBinary is the soffice executable passed to the agent.
	OfficeBinary string

	// RuntimeDir holds one subdirectory per worker with its socket, office
	// profile, and scratch space.
	RuntimeDir string

	// InstancePrefix names agent instances "<prefix>-w<slot>". The name
	// appears on the agent's command line so stale processes can be found.
	InstancePrefix string

	StartTimeout time.Duration
	PollInterval time.Duration

	// Env is appended to the agent's environment.
	Env []string
}

// OutputSink receives each line the agent process writes.
type OutputSink func(slot int, line string)

// proc is one run of the agent process.
type proc struct {
	cmd      *exec.Cmd
	exited   chan struct{}
	stopping bool // guarded by Backend.mu
	waitErr  error
}

func (p *proc) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Backend supervises one agent process.
type Backend struct {
	cfg      Config
	slot     int
	instance string
	dir      string
	socket   string
	pattern  *regexp.Regexp
	locator  ProcessLocator
	sink     OutputSink
	logger   *slog.Logger

	// mu guards proc. Start and Stop are never called concurrently, so it
	// is only held briefly.
	mu   sync.Mutex
	proc *proc
}

// Compile-time check that Backend satisfies the Backend interface.
var _ backend.Backend = (*Backend)(nil)

// New creates a backend for the worker in the given slot. sink may be nil.
func New(cfg Config, slot int, locator ProcessLocator, sink OutputSink, logger *slog.Logger) (*Backend, error) {
	if cfg.AgentBinary == "" {
		return nil, errors.New("agent binary is required")
	}
	if cfg.RuntimeDir == "" {
		return nil, errors.New("runtime dir is required")
	}
	if cfg.InstancePrefix == "" {
		cfg.InstancePrefix = DefaultInstancePrefix
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	instance := cfg.InstancePrefix + "-w" + strconv.Itoa(slot)
	dir := filepath.Join(cfg.RuntimeDir, instance)
	return &Backend{
		cfg:      cfg,
		slot:     slot,
		instance: instance,
		dir:      dir,
		socket:   filepath.Join(dir, "agent.sock"),
		pattern:  InstancePattern(instance),
		locator:  locator,
		sink:     sink,
		logger:   logger.With("instance", instance),
	}, nil
}

// Factory returns a backend.Factory building local backends that share cfg,
// locator, sink, and logger.
func Factory(cfg Config, locator ProcessLocator, sink OutputSink, logger *slog.Logger) backend.Factory {
	return func(slot int) (backend.Backend, error) {
		return New(cfg, slot, locator, sink, logger)
	}
}

// Instance returns the identifying argument value carried by the agent.
func (b *Backend) Instance() string { return b.instance }

// Describe reports the agent socket and current pid.
func (b *Backend) Describe() backend.Description {
	d := backend.Description{Kind: backend.KindLocal, Target: b.socket}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc != nil && b.proc.alive() {
		d.PID = b.proc.cmd.Process.Pid
	}
	return d
}

// Start launches the agent and waits until it answers on its socket.
func (b *Backend) Start(ctx context.Context) (backend.ExecutionContext, error) {
	b.mu.Lock()
	if b.proc != nil && b.proc.alive() {
		pid := b.proc.cmd.Process.Pid
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already running (pid %d)", backend.ErrStartup, b.instance, pid)
	}
	b.proc = nil
	b.mu.Unlock()

	// A previous run may have died without cleanup, leaving an agent or
	// office process holding the profile.
	b.reap()

	for _, d := range []string{b.dir, filepath.Join(b.dir, "work")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create runtime dir: %w", backend.ErrStartup, err)
		}
	}
	if err := os.Remove(b.socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: remove stale socket: %w", backend.ErrStartup, err)
	}

	p, err := b.launch()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := b.awaitReady(ctx, p); err != nil {
		b.mu.Lock()
		p.stopping = true
		b.mu.Unlock()
		b.kill(p)
		return nil, fmt.Errorf("%w: %s: %w", backend.ErrStartup, b.instance, err)
	}

	b.mu.Lock()
	b.proc = p
	b.mu.Unlock()

	b.logger.Info("agent ready", "pid", p.cmd.Process.Pid, "socket", b.socket, "startup_ms", time.Since(start).Milliseconds())
	return bridge.NewContext(func(ctx context.Context) (*bridge.Conn, error) {
		return bridge.DialUnix(ctx, b.socket)
	}, p.alive), nil
}

// launch starts the agent process and its output pumps.
func (b *Backend) launch() (*proc, error) {
	args := []string{
		"--instance=" + b.instance,
		"--listen", "unix:" + b.socket,
		"--workdir", filepath.Join(b.dir, "work"),
		"--profile", filepath.Join(b.dir, "profile"),
	}
	if b.cfg.OfficeBinary != "" {
		args = append(args, "--office", b.cfg.OfficeBinary)
	}

	cmd := exec.Command(b.cfg.AgentBinary, args...)
	cmd.Env = append(os.Environ(), b.cfg.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", backend.ErrStartup, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %w", backend.ErrStartup, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start agent: %w", backend.ErrStartup, err)
	}

	p := &proc{cmd: cmd, exited: make(chan struct{})}
	pid := cmd.Process.Pid
	b.logger.Info("agent launched", "pid", pid, "binary", b.cfg.AgentBinary)

	go func() {
		var wg sync.WaitGroup
		wg.Go(func() { b.pump(stdout, slog.LevelInfo) })
		wg.Go(func() { b.pump(stderr, slog.LevelError) })
		wg.Wait()

		p.waitErr = cmd.Wait()
		close(p.exited)

		b.mu.Lock()
		stopping := p.stopping
		b.mu.Unlock()
		if !stopping {
			b.logger.Warn("agent exited unexpectedly", "pid", pid, "error", p.waitErr)
		}
	}()

	return p, nil
}

// pump forwards each line of r to the logger and the output sink.
func (b *Backend) pump(r io.Reader, level slog.Level) {
	forEachLine(r, func(line string) {
		b.logger.Log(context.Background(), level, line, "stream", levelStream(level))
		if b.sink != nil {
			b.sink(b.slot, line)
		}
	})
}

func levelStream(level slog.Level) string {
	if level >= slog.LevelError {
		return "stderr"
	}
	return "stdout"
}

// awaitReady polls the agent until it answers a ping, the process exits, or
// the start timeout elapses.
func (b *Backend) awaitReady(ctx context.Context, p *proc) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		if _, err := os.Stat(b.socket); err == nil {
			pingCtx, pingCancel := context.WithTimeout(ctx, b.cfg.PollInterval*10)
			lastErr = readyProbe(pingCtx, b.socket)
			pingCancel()
			if lastErr == nil {
				return nil
			}
		}

		select {
		case <-p.exited:
			return fmt.Errorf("agent exited during startup: %v", p.waitErr)
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("agent not ready within %s: %w", b.cfg.StartTimeout, lastErr)
			}
			return fmt.Errorf("agent not ready within %s: %w", b.cfg.StartTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// readyProbe pings the agent on a throwaway context so a failed probe does
// not mark the worker's execution context unusable.
func readyProbe(ctx context.Context, socket string) error {
	probe := bridge.NewContext(func(ctx context.Context) (*bridge.Conn, error) {
		return bridge.DialUnix(ctx, socket)
	}, nil)
	return probe.Ping(ctx)
}

// Stop kills the agent and any process left behind by it.
func (b *Backend) Stop(ctx context.Context) error {
	b.mu.Lock()
	p := b.proc
	b.proc = nil
	if p != nil {
		p.stopping = true
	}
	b.mu.Unlock()

	if p == nil {
		return nil
	}

	b.kill(p)
	select {
	case <-p.exited:
	case <-ctx.Done():
		b.reap()
		return fmt.Errorf("wait for agent %s to exit: %w", b.instance, ctx.Err())
	}

	// The office process is a child of the agent and survives its parent.
	b.reap()
	os.Remove(b.socket)
	b.logger.Info("agent stopped", "pid", p.cmd.Process.Pid)
	return nil
}

// kill terminates p by its recorded pid, falling back to the OS handle.
func (b *Backend) kill(p *proc) {
	if !p.alive() {
		return
	}
	pid := p.cmd.Process.Pid
	if err := b.locator.Terminate(pid); err != nil {
		b.logger.Warn("terminate by pid failed, killing process handle", "pid", pid, "error", err)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			b.logger.Warn("kill agent", "pid", pid, "error", err)
		}
	}
}

// reap terminates every process whose command line carries this backend's
// instance name.
func (b *Backend) reap() {
	procs, err := b.locator.ListMatching(b.pattern)
	if err != nil {
		b.logger.Warn("list leftover processes", "error", err)
		return
	}
	self := os.Getpid()
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		b.logger.Warn("terminating leftover process", "pid", p.PID, "command", p.CommandLine)
		if err := b.locator.Terminate(p.PID); err != nil {
			b.logger.Warn("terminate leftover process", "pid", p.PID, "error", err)
		}
	}
}

// ReapStale terminates every agent or office process left behind by any
// worker instance named after prefix. It returns the number of processes
// terminated.
func ReapStale(locator ProcessLocator, prefix string, logger *slog.Logger) (int, error) {
	procs, err := locator.ListMatching(PrefixPattern(prefix))
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	self := os.Getpid()
	n := 0
	var errs []error
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		logger.Info("terminating stale process", "pid", p.PID, "command", p.CommandLine)
		if err := locator.Terminate(p.PID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
