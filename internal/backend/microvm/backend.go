// Package microvm implements workers backed by a long-lived Firecracker
// microVM. The VM boots with the conversion agent as init and is reached over
// the Firecracker vsock bridge. Each worker owns one VM; a restart replaces
// it with a fresh copy of the rootfs.
package microvm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/bridge"
)

const (
	// vsockDeviceID is the device identifier used for vsock configuration.
	vsockDeviceID = "vsock0"

	// rootfsDriveID is the drive identifier for the root filesystem.
	rootfsDriveID = "rootfs"

	// gracefulShutdownTimeout is the time allowed for graceful VM shutdown.
	gracefulShutdownTimeout = 3 * time.Second

	readyPollInterval = 200 * time.Millisecond
)

// machine is the part of *fcsdk.Machine the backend drives.
type machine interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	StopVMM() error
	Wait(ctx context.Context) error
}

// machineFactory builds an unstarted VM. ctx bounds the VM's lifetime.
type machineFactory func(ctx context.Context, bin string, cfg fcsdk.Config, console io.Writer) (machine, error)

func newFirecrackerMachine(ctx context.Context, bin string, cfg fcsdk.Config, console io.Writer) (machine, error) {
	// The SDK logs through logrus; we log through slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(bin).
		WithSocketPath(cfg.SocketPath).
		WithStdout(console).
		WithStderr(console).
		Build(ctx)

	m, err := fcsdk.NewMachine(ctx, cfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(cmd),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// vmState tracks one running microVM.
type vmState struct {
	machine   machine
	cid       uint32
	dir       string
	vsockPath string
	cancel    context.CancelFunc
	exited    chan struct{}
	started   bool // true after machine.Start succeeds (guards activeVMs gauge)
	stopping  bool // guarded by Backend.mu
}

func (s *vmState) alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Backend supervises the microVM of one worker slot.
type Backend struct {
	cfg        Config
	slot       int
	instance   string
	cids       *cidAllocator
	newMachine machineFactory
	sink       func(slot int, line string)
	logger     *slog.Logger

	mu sync.Mutex
	vm *vmState
}

// Compile-time check that Backend satisfies the Backend interface.
var _ backend.Backend = (*Backend)(nil)

// Factory returns a backend.Factory building microVM backends that share a
// CID allocator. sink, when non-nil, receives each line of guest console
// output.
func Factory(cfg Config, sink func(slot int, line string), logger *slog.Logger) (backend.Factory, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("microvm config: %w", err)
	}
	cids := newCIDAllocator(cfg.CIDBase, cfg.MaxVMs)
	return func(slot int) (backend.Backend, error) {
		return newBackend(cfg, slot, cids, newFirecrackerMachine, sink, logger), nil
	}, nil
}

func newBackend(cfg Config, slot int, cids *cidAllocator, newMachine machineFactory, sink func(int, string), logger *slog.Logger) *Backend {
	instance := "anvil-vm" + strconv.Itoa(slot)
	return &Backend{
		cfg:        cfg,
		slot:       slot,
		instance:   instance,
		cids:       cids,
		newMachine: newMachine,
		sink:       sink,
		logger:     logger.With("instance", instance),
	}
}

func (b *Backend) Describe() backend.Description {
	d := backend.Description{Kind: backend.KindMicroVM}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vm != nil {
		d.Target = b.vm.vsockPath
	}
	return d
}

// Start boots a fresh VM and waits until the agent inside answers.
func (b *Backend) Start(ctx context.Context) (backend.ExecutionContext, error) {
	b.mu.Lock()
	if b.vm != nil && b.vm.alive() {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already running", backend.ErrStartup, b.instance)
	}
	b.vm = nil
	b.mu.Unlock()

	state, err := b.boot(ctx)
	if err != nil {
		vmStartsTotal.WithLabelValues(resultFailed).Inc()
		return nil, fmt.Errorf("%w: %s: %w", backend.ErrStartup, b.instance, err)
	}
	vmStartsTotal.WithLabelValues(resultReady).Inc()

	b.mu.Lock()
	b.vm = state
	b.mu.Unlock()

	vsockPath, port := state.vsockPath, b.cfg.VsockPort
	return bridge.NewContext(func(ctx context.Context) (*bridge.Conn, error) {
		return bridge.DialVsock(ctx, vsockPath, port)
	}, state.alive), nil
}

// boot prepares, starts, and probes a VM, tearing it down on any failure.
func (b *Backend) boot(ctx context.Context) (*vmState, error) {
	rootfsPath, err := RootfsPath(b.cfg.RootfsDir, b.cfg.RootfsImage)
	if err != nil {
		return nil, fmt.Errorf("select rootfs: %w", err)
	}

	cid, err := b.cids.allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate CID: %w", err)
	}

	// A previous VM in this slot may have died without cleanup.
	dir := filepath.Join(b.cfg.RuntimeDir, b.instance)
	if err := os.RemoveAll(dir); err != nil {
		b.cids.release(cid)
		return nil, fmt.Errorf("clear runtime dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		b.cids.release(cid)
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}

	vmRootfs := filepath.Join(dir, "rootfs.ext4")
	if err := copyRootfs(rootfsPath, vmRootfs); err != nil {
		b.cids.release(cid)
		os.RemoveAll(dir)
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(dir, "firecracker.sock")
	vsockPath := filepath.Join(dir, "vsock.sock")
	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: b.cfg.KernelPath,
		KernelArgs:      BootArgs(b.instance, b.cfg.VsockPort),
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(vmRootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: vsockPath,
				CID:  cid,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(b.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(b.cfg.MemMB)),
			Smt:        fcsdk.Bool(false),
		},
		VMID: b.instance,
	}

	// The VM outlives the start request; it is bound to its own context.
	vmCtx, cancel := context.WithCancel(context.Background())
	state := &vmState{
		cid:       cid,
		dir:       dir,
		vsockPath: vsockPath,
		cancel:    cancel,
		exited:    make(chan struct{}),
	}

	m, err := b.newMachine(vmCtx, b.cfg.FirecrackerBin, fcCfg, &lineWriter{emit: b.console})
	if err != nil {
		close(state.exited)
		b.cleanup(state)
		return nil, fmt.Errorf("create machine: %w", err)
	}
	state.machine = m

	bootStart := time.Now()
	if err := m.Start(vmCtx); err != nil {
		close(state.exited)
		b.cleanup(state)
		return nil, fmt.Errorf("start VM: %w", err)
	}
	state.started = true
	activeVMs.Inc()

	go func() {
		err := m.Wait(context.Background())
		close(state.exited)

		b.mu.Lock()
		stopping := state.stopping
		b.mu.Unlock()
		if !stopping {
			b.logger.Warn("VM exited unexpectedly", "cid", cid, "error", err)
		}
	}()

	b.logger.Info("VM started",
		"cid", cid,
		"vcpus", b.cfg.VCPUs,
		"mem_mb", b.cfg.MemMB,
	)

	if err := b.awaitReady(ctx, state); err != nil {
		b.mu.Lock()
		state.stopping = true
		b.mu.Unlock()
		b.teardown(state)
		return nil, err
	}
	vmBootDuration.Observe(time.Since(bootStart).Seconds())
	b.logger.Info("agent ready", "cid", cid, "boot_ms", time.Since(bootStart).Milliseconds())
	return state, nil
}

// awaitReady pings the agent until it answers, the VM exits, or the boot
// timeout elapses.
func (b *Backend) awaitReady(ctx context.Context, state *vmState) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.BootTimeout)
	defer cancel()
	go func() {
		select {
		case <-state.exited:
			cancel()
		case <-ctx.Done():
		}
	}()

	dial := func(ctx context.Context) (*bridge.Conn, error) {
		return bridge.DialVsock(ctx, state.vsockPath, b.cfg.VsockPort)
	}

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		// A failed ping retires its context, so each probe gets a new one.
		if lastErr = bridge.NewContext(dial, nil).Ping(ctx); lastErr == nil {
			return nil
		}

		if !state.alive() {
			return errors.New("VM exited during boot")
		}
		select {
		case <-state.exited:
			return errors.New("VM exited during boot")
		case <-ctx.Done():
			return fmt.Errorf("agent not ready within %s: %w", b.cfg.BootTimeout, lastErr)
		case <-ticker.C:
		}
	}
}

// Stop shuts the VM down and releases its resources.
func (b *Backend) Stop(context.Context) error {
	b.mu.Lock()
	state := b.vm
	b.vm = nil
	if state != nil {
		state.stopping = true
	}
	b.mu.Unlock()

	if state == nil {
		return nil
	}
	b.teardown(state)
	return nil
}

// teardown stops a started VM and cleans up. It uses fresh contexts so the
// cleanup completes even when the caller's context is done.
func (b *Backend) teardown(state *vmState) {
	cleanupStart := time.Now()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	if err := state.machine.Shutdown(shutdownCtx); err != nil {
		b.logger.Debug("graceful shutdown failed, forcing stop", "error", err)
		if stopErr := state.machine.StopVMM(); stopErr != nil {
			b.logger.Debug("StopVMM failed", "error", stopErr)
		}
	}

	select {
	case <-state.exited:
	case <-time.After(gracefulShutdownTimeout):
		b.logger.Warn("VM did not exit after stop", "cid", state.cid)
	}

	if state.started {
		activeVMs.Dec()
	}
	b.cleanup(state)

	vmCleanupDuration.Observe(time.Since(cleanupStart).Seconds())
	b.logger.Info("VM stopped", "cid", state.cid)
}

// cleanup releases host resources held by state.
func (b *Backend) cleanup(state *vmState) {
	state.cancel()
	b.cids.release(state.cid)
	if state.dir != "" {
		os.RemoveAll(state.dir)
	}
}

// console handles one line of guest serial output.
func (b *Backend) console(line string) {
	b.logger.Debug(line, "stream", "console")
	if b.sink != nil {
		b.sink(b.slot, line)
	}
}

// copyRootfs creates a copy of the rootfs image for a VM.
// Uses cp --reflink=auto for copy-on-write when the filesystem supports it.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}
