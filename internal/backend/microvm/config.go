package microvm

import (
	"errors"
	"time"
)

// Config holds configuration for the microVM backend.
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsDir is the directory containing rootfs images.
	RootfsDir string

	// RootfsImage is the image file name inside RootfsDir.
	RootfsImage string

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// RuntimeDir holds one directory per VM with its sockets and rootfs copy.
	RuntimeDir string

	// VsockPort is the agent's vsock port.
	VsockPort uint32

	// CIDBase is the starting context ID for vsock.
	CIDBase uint32

	VCPUs int
	MemMB int

	// BootTimeout bounds the wait for the agent to answer after the VM starts.
	BootTimeout time.Duration

	// MaxVMs bounds CID allocation. It is normally the pool size.
	MaxVMs int
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.RootfsImage == "" {
		c.RootfsImage = DefaultRootfsImage
	}
	if c.FirecrackerBin == "" {
		c.FirecrackerBin = "firecracker"
	}
	if c.VsockPort == 0 {
		c.VsockPort = DefaultVsockPort
	}
	if c.CIDBase < MinCID {
		c.CIDBase = MinCID
	}
	if c.VCPUs <= 0 {
		c.VCPUs = DefaultVCPUs
	}
	if c.MemMB <= 0 {
		c.MemMB = DefaultMemMB
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = 30 * time.Second
	}
	if c.MaxVMs <= 0 {
		c.MaxVMs = 1
	}
	return c
}

// Validate reports missing required paths.
func (c Config) Validate() error {
	var errs []error
	if c.KernelPath == "" {
		errs = append(errs, errors.New("kernel path is required"))
	}
	if c.RootfsDir == "" {
		errs = append(errs, errors.New("rootfs dir is required"))
	}
	if c.RuntimeDir == "" {
		errs = append(errs, errors.New("runtime dir is required"))
	}
	if _, err := RootfsPath(c.RootfsDir, c.RootfsImage); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
