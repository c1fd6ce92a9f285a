// Command anvil runs a pool of document conversion workers behind an HTTP
// API, or performs one-off conversions from the command line.
package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/config"
)

// Build-time variables (injected via -ldflags)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer

	backendFlag string
	workersFlag int
)

func versionInfo() string {
	c := commit
	if len(c) > 8 {
		c = c[:8]
	}
	return fmt.Sprintf("anvil %s (%s) built with %s on %s/%s at %s",
		version, c, runtime.Version(), runtime.GOOS, runtime.GOARCH, date)
}

var rootCmd = &cobra.Command{
	Use:           "anvil",
	Version:       version,
	Short:         "Supervised document conversion worker pool",
	Long:          `anvil converts office documents on a pool of supervised LibreOffice agents, remote conversion servers, or Firecracker microVMs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Parse()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("backend") {
			cfg.Backend = backendFlag
		}
		if cmd.Flags().Changed("workers") {
			cfg.Workers = workersFlag
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		var out io.Writer
		out, logCloser = cfg.LogOutput(os.Stdout)
		logger = config.NewLogger(out, cfg.LogLevel())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&backendFlag, "backend", "b", "", "Worker backend: local, remote, or microvm (overrides ANVIL_BACKEND)")
	rootCmd.PersistentFlags().IntVarP(&workersFlag, "workers", "w", 0, "Number of workers (overrides ANVIL_WORKERS)")
	rootCmd.SetVersionTemplate(versionInfo() + "\n")

	rootCmd.AddCommand(serveCmd, convertCmd, reapCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
