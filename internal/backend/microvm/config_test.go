package microvm

import (
	"slices"
	"strings"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.VsockPort != DefaultVsockPort {
		t.Errorf("VsockPort = %d, want %d", cfg.VsockPort, DefaultVsockPort)
	}
	if cfg.CIDBase != MinCID {
		t.Errorf("CIDBase = %d, want %d", cfg.CIDBase, MinCID)
	}
	if cfg.VCPUs != DefaultVCPUs {
		t.Errorf("VCPUs = %d, want %d", cfg.VCPUs, DefaultVCPUs)
	}
	if cfg.MemMB != DefaultMemMB {
		t.Errorf("MemMB = %d, want %d", cfg.MemMB, DefaultMemMB)
	}
	if cfg.RootfsImage != DefaultRootfsImage {
		t.Errorf("RootfsImage = %q, want %q", cfg.RootfsImage, DefaultRootfsImage)
	}
	if cfg.BootTimeout != 30*time.Second {
		t.Errorf("BootTimeout = %v, want 30s", cfg.BootTimeout)
	}
}

func TestConfigKeepsOverrides(t *testing.T) {
	cfg := Config{VsockPort: 2048, CIDBase: 100, VCPUs: 2, MemMB: 2048, FirecrackerBin: "/usr/bin/firecracker"}.withDefaults()
	if cfg.VsockPort != 2048 || cfg.CIDBase != 100 || cfg.VCPUs != 2 || cfg.MemMB != 2048 {
		t.Errorf("overrides lost: %+v", cfg)
	}
	if cfg.FirecrackerBin != "/usr/bin/firecracker" {
		t.Errorf("FirecrackerBin = %q", cfg.FirecrackerBin)
	}
}

func TestConfigValidate(t *testing.T) {
	err := Config{}.withDefaults().Validate()
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, want := range []string{"kernel path", "rootfs dir", "runtime dir"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	cfg := Config{KernelPath: "/k", RootfsDir: "/r", RuntimeDir: "/run", RootfsImage: "../etc/passwd"}.withDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for rootfs image outside the rootfs dir")
	}

	cfg.RootfsImage = "office.ext4"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestRootfsPath(t *testing.T) {
	tests := []struct {
		image   string
		want    string
		wantErr bool
	}{
		{"", "/images/anvil.ext4", false},
		{"office.ext4", "/images/office.ext4", false},
		{"sub/office.ext4", "", true},
		{"office.img", "", true},
		{"..", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			got, err := RootfsPath("/images", tt.image)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("RootfsPath(%q) = %q, want %q", tt.image, got, tt.want)
			}
		})
	}
}

func TestBootArgs(t *testing.T) {
	args := BootArgs("anvil-vm3", 2048)
	expected := []string{
		"console=ttyS0",
		"reboot=k",
		"panic=1",
		"pci=off",
		"init=" + GuestAgentPath,
		"--",
		"--instance=anvil-vm3",
		"vsock:2048",
	}
	fields := strings.Fields(args)
	for _, arg := range expected {
		if !slices.Contains(fields, arg) {
			t.Errorf("BootArgs missing %q: %s", arg, args)
		}
	}

	// Agent flags must follow the separator so the kernel hands them to init.
	if strings.Index(args, "--instance") < strings.Index(args, " -- ") {
		t.Errorf("agent flags precede the init separator: %s", args)
	}
}
