package microvm

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Default vsock settings.
const (
	// DefaultVsockPort is the port the agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// Default resource limits. LibreOffice needs noticeably more memory than a
// bare agent.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 1024
)

// DefaultRootfsImage is the image name looked up in the rootfs directory.
const DefaultRootfsImage = "anvil.ext4"

// Guest paths.
const (
	// GuestAgentPath is the agent binary inside the rootfs. It runs as init.
	GuestAgentPath = "/usr/local/bin/anvil-agent"

	// GuestWorkDir is the scratch directory for staged conversions.
	GuestWorkDir = "/tmp/work"

	// GuestProfileDir is the office user profile inside the guest.
	GuestProfileDir = "/tmp/profile"
)

// BootArgs returns the kernel command line. Arguments after "--" are passed
// to init, which is the agent.
func BootArgs(instance string, port uint32) string {
	return fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off init=%s -- --instance=%s --listen vsock:%d --workdir %s --profile %s",
		GuestAgentPath, instance, port, GuestWorkDir, GuestProfileDir)
}

// RootfsPath returns the full path to a rootfs image. The image must be a
// plain ext4 file name inside rootfsDir.
func RootfsPath(rootfsDir, image string) (string, error) {
	if image == "" {
		image = DefaultRootfsImage
	}
	if image != filepath.Base(image) || image == "." || image == ".." {
		return "", fmt.Errorf("invalid rootfs image %q: must be a file name", image)
	}
	if !strings.HasSuffix(image, ".ext4") {
		return "", fmt.Errorf("invalid rootfs image %q: must be an .ext4 file", image)
	}
	return filepath.Join(rootfsDir, image), nil
}
