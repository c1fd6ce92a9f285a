// Command anvil-agent is the conversion agent supervised by each anvil
// worker. It listens on a Unix socket, or on vsock when it runs as init
// inside a Firecracker microVM, and converts documents with LibreOffice.
//
// Build for the guest with: CGO_ENABLED=0 GOOS=linux go build -o anvil-agent ./cmd/anvil-agent
package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/mdlayher/vsock"
	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/agent"
	"github.com/seantiz/anvil/internal/config"
)

var (
	instance   string
	listenAddr string
	workDir    string
	profileDir string
	officeBin  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "anvil-agent",
	Short:         "Document conversion agent",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&instance, "instance", "", "Instance name; identifies this process to its supervisor")
	f.StringVar(&listenAddr, "listen", "", "Listen address: unix:PATH or vsock:PORT")
	f.StringVar(&workDir, "workdir", os.TempDir(), "Directory for staged documents")
	f.StringVar(&profileDir, "profile", "", "LibreOffice user profile directory (default: <workdir>/profile)")
	f.StringVar(&officeBin, "office", "soffice", "soffice executable")
	f.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.MarkFlagRequired("listen")
}

// listen opens the listener named by addr.
func listen(addr string) (net.Listener, error) {
	scheme, rest, ok := strings.Cut(addr, ":")
	if !ok {
		return nil, fmt.Errorf("invalid listen address %q", addr)
	}
	switch scheme {
	case "unix":
		if err := os.Remove(rest); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		return net.Listen("unix", rest)
	case "vsock":
		port, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vsock port %q: %w", rest, err)
		}
		return vsock.Listen(uint32(port), nil)
	default:
		return nil, fmt.Errorf("unsupported listen scheme %q", scheme)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run(cmd *cobra.Command, args []string) error {
	logger := config.NewLogger(os.Stderr, parseLevel(logLevel)).With("instance", instance)
	agent.SetupInit(logger)

	if profileDir == "" {
		profileDir = filepath.Join(workDir, "profile")
	}
	for _, d := range []string{workDir, profileDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}

	l, err := listen(listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}

	// Closing the listener makes Serve return.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info("shutting down", "signal", sig.String())
		l.Close()
	}()

	fmt.Fprintf(os.Stdout, "anvil-agent listening on %s\n", listenAddr)
	logger.Info("agent listening", "listen", listenAddr, "workdir", workDir, "office", officeBin)

	a := agent.New(l, workDir, &agent.SofficeConverter{Binary: officeBin, ProfileDir: profileDir}, logger)
	return a.Serve()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
