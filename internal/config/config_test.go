package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.DBPath != "anvil.db" {
		t.Errorf("DBPath = %q, want anvil.db", cfg.DBPath)
	}
	if cfg.Backend != "local" {
		t.Errorf("Backend = %q, want local", cfg.Backend)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Workers)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v, want [*]", cfg.CORSOrigins)
	}
	if cfg.LogLevel() != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel(), slog.LevelInfo)
	}

	p := cfg.PoolSettings()
	if p.QueueTimeout != 30*time.Second || p.TaskTimeout != 120*time.Second {
		t.Errorf("pool timeouts = %s/%s, want 30s/2m0s", p.QueueTimeout, p.TaskTimeout)
	}
	if p.MaxRestarts != 3 {
		t.Errorf("MaxRestarts = %d, want 3", p.MaxRestarts)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ANVIL_LISTEN_ADDR", ":9090")
	t.Setenv("ANVIL_DB_PATH", "/tmp/test.db")
	t.Setenv("ANVIL_LOG_LEVEL", "debug")
	t.Setenv("ANVIL_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("ANVIL_BACKEND", "remote")
	t.Setenv("ANVIL_REMOTE_URL", "https://office.example:9980")
	t.Setenv("ANVIL_WORKERS", "4")
	t.Setenv("ANVIL_TASK_TIMEOUT", "45s")
	t.Setenv("ANVIL_MAX_TASKS_PER_WORKER", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want /tmp/test.db", cfg.DBPath)
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel(), slog.LevelDebug)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("CORSOrigins = %v, want 2 entries", cfg.CORSOrigins)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if got := cfg.PoolSettings().TaskTimeout; got != 45*time.Second {
		t.Errorf("TaskTimeout = %s, want 45s", got)
	}
	if got := cfg.PoolSettings().MaxTasksPerWorker; got != 0 {
		t.Errorf("MaxTasksPerWorker = %d, want 0", got)
	}

	rc, err := cfg.RemoteSettings()
	if err != nil {
		t.Fatalf("RemoteSettings: %v", err)
	}
	if rc.URL != "https://office.example:9980" || rc.TLS != nil {
		t.Errorf("remote config = %+v", rc)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"zero workers", map[string]string{"ANVIL_WORKERS": "0"}, "worker count"},
		{"bad log level", map[string]string{"ANVIL_LOG_LEVEL": "loud"}, "log level"},
		{"unknown backend", map[string]string{"ANVIL_BACKEND": "docker"}, "unknown backend"},
		{"remote without url", map[string]string{"ANVIL_BACKEND": "remote"}, "ANVIL_REMOTE_URL"},
		{"remote bad scheme", map[string]string{"ANVIL_BACKEND": "remote", "ANVIL_REMOTE_URL": "ftp://x"}, "ANVIL_REMOTE_URL"},
		{"microvm bad image", map[string]string{"ANVIL_BACKEND": "microvm", "ANVIL_VM_ROOTFS_IMAGE": "../x.img"}, "rootfs"},
		{"zero queue", map[string]string{"ANVIL_QUEUE_CAPACITY": "0"}, "queue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(tt.wantErr)) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestMicroVMSettingsBoundedByWorkers(t *testing.T) {
	t.Setenv("ANVIL_BACKEND", "microvm")
	t.Setenv("ANVIL_WORKERS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	vm := cfg.MicroVMSettings()
	if vm.MaxVMs != 3 {
		t.Errorf("MaxVMs = %d, want 3", vm.MaxVMs)
	}
	if vm.VsockPort != 1024 || vm.CIDBase != 3 {
		t.Errorf("vsock = port %d cid %d, want 1024/3", vm.VsockPort, vm.CIDBase)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input  string
		want   slog.Level
		wantOK bool
	}{
		{"debug", slog.LevelDebug, true},
		{"DEBUG", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"", slog.LevelInfo, true},
		{"invalid", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		got, ok := parseLogLevel(tt.input)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseLogLevel(%q) = %v, %v, want %v, %v", tt.input, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestLogOutputToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anvil.log")
	cfg := &Config{Log: LogConfig{File: path, MaxSizeMB: 1}}

	var stdout bytes.Buffer
	w, closer := cfg.LogOutput(&stdout)
	logger := NewLogger(w, slog.LevelInfo)
	logger.Info("worker ready", "worker_id", "worker-0")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Equal(data, stdout.Bytes()) {
		t.Errorf("file and stdout differ:\nfile:   %s\nstdout: %s", data, stdout.Bytes())
	}
	if !strings.Contains(string(data), `"worker_id":"worker-0"`) {
		t.Errorf("log line missing attribute: %s", data)
	}
}

func TestLogOutputStdoutOnly(t *testing.T) {
	cfg := &Config{}
	var stdout bytes.Buffer
	w, closer := cfg.LogOutput(&stdout)
	if w != &stdout {
		t.Error("expected stdout writer when no file is configured")
	}
	if err := closer.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("missing key %q in log output", key)
		}
	}
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}
}
