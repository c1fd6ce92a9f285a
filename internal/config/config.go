// Package config loads anvil's configuration from the environment. A .env
// file in the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	_ "github.com/joho/godotenv/autoload"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/backend/local"
	"github.com/seantiz/anvil/internal/backend/microvm"
	"github.com/seantiz/anvil/internal/backend/remote"
	"github.com/seantiz/anvil/internal/pool"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr  string   `env:"ANVIL_LISTEN_ADDR" envDefault:":8080"`
	DBPath      string   `env:"ANVIL_DB_PATH" envDefault:"anvil.db"`
	CORSOrigins []string `env:"ANVIL_CORS_ORIGINS" envDefault:"*" envSeparator:","`

	Log LogConfig

	// Backend selects the worker variant: local, remote, or microvm.
	Backend string `env:"ANVIL_BACKEND" envDefault:"local"`
	Workers int    `env:"ANVIL_WORKERS" envDefault:"2"`

	Pool    PoolConfig
	Local   LocalConfig
	Remote  RemoteConfig
	MicroVM MicroVMConfig
}

// LogConfig controls the process logger. When File is set, logs are also
// written to a size-rotated file.
type LogConfig struct {
	Level      string `env:"ANVIL_LOG_LEVEL" envDefault:"info"`
	File       string `env:"ANVIL_LOG_FILE"`
	MaxSizeMB  int    `env:"ANVIL_LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"ANVIL_LOG_MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"ANVIL_LOG_MAX_AGE_DAYS" envDefault:"28"`
	Compress   bool   `env:"ANVIL_LOG_COMPRESS" envDefault:"true"`
}

// PoolConfig mirrors pool.Config.
type PoolConfig struct {
	QueueCapacity     int           `env:"ANVIL_QUEUE_CAPACITY" envDefault:"64"`
	QueueTimeout      time.Duration `env:"ANVIL_QUEUE_TIMEOUT" envDefault:"30s"`
	TaskTimeout       time.Duration `env:"ANVIL_TASK_TIMEOUT" envDefault:"120s"`
	StartupGrace      time.Duration `env:"ANVIL_STARTUP_GRACE" envDefault:"60s"`
	ShutdownGrace     time.Duration `env:"ANVIL_SHUTDOWN_GRACE" envDefault:"30s"`
	StopTimeout       time.Duration `env:"ANVIL_STOP_TIMEOUT" envDefault:"10s"`
	MaxRestarts       int           `env:"ANVIL_MAX_RESTARTS" envDefault:"3"`
	MaxTasksPerWorker int           `env:"ANVIL_MAX_TASKS_PER_WORKER" envDefault:"200"`
	RestartBackoff    time.Duration `env:"ANVIL_RESTART_BACKOFF" envDefault:"250ms"`
	MaxRestartBackoff time.Duration `env:"ANVIL_MAX_RESTART_BACKOFF" envDefault:"5s"`
}

// LocalConfig configures agent subprocess workers.
type LocalConfig struct {
	AgentBinary    string        `env:"ANVIL_AGENT_BIN" envDefault:"anvil-agent"`
	OfficeBinary   string        `env:"ANVIL_OFFICE_BIN"`
	RuntimeDir     string        `env:"ANVIL_RUNTIME_DIR" envDefault:"/var/lib/anvil/run"`
	InstancePrefix string        `env:"ANVIL_INSTANCE_PREFIX" envDefault:"anvil"`
	StartTimeout   time.Duration `env:"ANVIL_AGENT_START_TIMEOUT" envDefault:"30s"`
}

// RemoteConfig configures HTTP conversion endpoint workers.
type RemoteConfig struct {
	URL             string        `env:"ANVIL_REMOTE_URL"`
	ConnectTimeout  time.Duration `env:"ANVIL_REMOTE_CONNECT_TIMEOUT" envDefault:"60s"`
	ResponseTimeout time.Duration `env:"ANVIL_REMOTE_RESPONSE_TIMEOUT" envDefault:"120s"`
	CertFile        string        `env:"ANVIL_REMOTE_TLS_CERT"`
	KeyFile         string        `env:"ANVIL_REMOTE_TLS_KEY"`
	CAFile          string        `env:"ANVIL_REMOTE_TLS_CA"`
	Insecure        bool          `env:"ANVIL_REMOTE_TLS_INSECURE"`
}

// MicroVMConfig configures Firecracker microVM workers.
type MicroVMConfig struct {
	KernelPath     string        `env:"ANVIL_VM_KERNEL" envDefault:"/var/lib/anvil/vmlinux"`
	RootfsDir      string        `env:"ANVIL_VM_ROOTFS_DIR" envDefault:"/var/lib/anvil/rootfs"`
	RootfsImage    string        `env:"ANVIL_VM_ROOTFS_IMAGE" envDefault:"anvil.ext4"`
	FirecrackerBin string        `env:"ANVIL_FIRECRACKER_BIN" envDefault:"firecracker"`
	RuntimeDir     string        `env:"ANVIL_VM_RUNTIME_DIR" envDefault:"/var/lib/anvil/vms"`
	VsockPort      uint32        `env:"ANVIL_VM_VSOCK_PORT" envDefault:"1024"`
	CIDBase        uint32        `env:"ANVIL_VM_CID_BASE" envDefault:"3"`
	VCPUs          int           `env:"ANVIL_VM_VCPUS" envDefault:"1"`
	MemMB          int           `env:"ANVIL_VM_MEM_MB" envDefault:"1024"`
	BootTimeout    time.Duration `env:"ANVIL_VM_BOOT_TIMEOUT" envDefault:"30s"`
}

// Parse reads configuration from environment variables without validating
// it, so callers can apply overrides first.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings that apply to the selected backend.
func (c *Config) Validate() error {
	var errs []error

	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("worker count must be at least 1, got %d", c.Workers))
	}
	if _, ok := parseLogLevel(c.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Log.Level))
	}
	if err := c.PoolSettings().Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Backend {
	case backend.KindLocal:
		if c.Local.AgentBinary == "" {
			errs = append(errs, errors.New("ANVIL_AGENT_BIN is required for the local backend"))
		}
		if c.Local.RuntimeDir == "" {
			errs = append(errs, errors.New("ANVIL_RUNTIME_DIR is required for the local backend"))
		}
	case backend.KindRemote:
		if _, err := remote.NormalizeEndpoint(c.Remote.URL); err != nil {
			errs = append(errs, fmt.Errorf("ANVIL_REMOTE_URL: %w", err))
		}
	case backend.KindMicroVM:
		if err := c.MicroVMSettings().Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	return errors.Join(errs...)
}

// PoolSettings returns the pool configuration.
func (c *Config) PoolSettings() pool.Config {
	return pool.Config{
		QueueCapacity:     c.Pool.QueueCapacity,
		QueueTimeout:      c.Pool.QueueTimeout,
		TaskTimeout:       c.Pool.TaskTimeout,
		StartupGrace:      c.Pool.StartupGrace,
		ShutdownGrace:     c.Pool.ShutdownGrace,
		StopTimeout:       c.Pool.StopTimeout,
		MaxRestarts:       c.Pool.MaxRestarts,
		MaxTasksPerWorker: c.Pool.MaxTasksPerWorker,
		RestartBackoff:    c.Pool.RestartBackoff,
		MaxRestartBackoff: c.Pool.MaxRestartBackoff,
	}
}

// LocalSettings returns the local backend configuration.
func (c *Config) LocalSettings() local.Config {
	return local.Config{
		AgentBinary:    c.Local.AgentBinary,
		OfficeBinary:   c.Local.OfficeBinary,
		RuntimeDir:     c.Local.RuntimeDir,
		InstancePrefix: c.Local.InstancePrefix,
		StartTimeout:   c.Local.StartTimeout,
	}
}

// RemoteSettings returns the remote backend configuration, loading any TLS
// material it names.
func (c *Config) RemoteSettings() (remote.Config, error) {
	tlsCfg, err := remote.LoadTLSConfig(c.Remote.CertFile, c.Remote.KeyFile, c.Remote.CAFile, c.Remote.Insecure)
	if err != nil {
		return remote.Config{}, err
	}
	return remote.Config{
		URL:             c.Remote.URL,
		ConnectTimeout:  c.Remote.ConnectTimeout,
		ResponseTimeout: c.Remote.ResponseTimeout,
		TLS:             tlsCfg,
	}, nil
}

// MicroVMSettings returns the microVM backend configuration. The number of
// VMs is bounded by the worker count.
func (c *Config) MicroVMSettings() microvm.Config {
	return microvm.Config{
		KernelPath:     c.MicroVM.KernelPath,
		RootfsDir:      c.MicroVM.RootfsDir,
		RootfsImage:    c.MicroVM.RootfsImage,
		FirecrackerBin: c.MicroVM.FirecrackerBin,
		RuntimeDir:     c.MicroVM.RuntimeDir,
		VsockPort:      c.MicroVM.VsockPort,
		CIDBase:        c.MicroVM.CIDBase,
		VCPUs:          c.MicroVM.VCPUs,
		MemMB:          c.MicroVM.MemMB,
		BootTimeout:    c.MicroVM.BootTimeout,
		MaxVMs:         c.Workers,
	}
}

// LogLevel returns the configured level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	level, _ := parseLogLevel(c.Log.Level)
	return level
}

func parseLogLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// LogOutput returns the writer logs go to: stdout, tee'd to a rotating file
// when one is configured. The returned closer releases the file.
func (c *Config) LogOutput(stdout io.Writer) (io.Writer, io.Closer) {
	if c.Log.File == "" {
		return stdout, nopCloser{}
	}
	file := &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
	return io.MultiWriter(stdout, file), file
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
