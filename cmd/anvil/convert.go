package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/engine"
)

var (
	outputPath    string
	filterOptions string
)

var convertCmd = &cobra.Command{
	Use:   "convert <input> <format>",
	Short: "Convert a single document",
	Long:  `Start a pool, convert one document to the given format, and stop the pool again.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConvert,
}

func init() {
	convertCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (default: input name with the new extension)")
	convertCmd.Flags().StringVar(&filterOptions, "filter", "", "LibreOffice export filter")
}

func runConvert(cmd *cobra.Command, args []string) error {
	inputPath, format := args[0], strings.ToLower(args[1])

	input, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if outputPath == "" {
		outputPath = strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + "." + format
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if !cmd.Flags().Changed("workers") {
		cfg.Workers = 1
	}
	p, err := newPool(cfg, nil, logger)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownGrace+2*cfg.Pool.StopTimeout)
		defer cancel()
		if err := p.Stop(stopCtx); err != nil {
			logger.Error("stop pool", "error", err)
		}
	}()

	eng := engine.NewEngine(nil, p, logger)
	res, err := eng.Convert(ctx, engine.Request{
		Filename:      filepath.Base(inputPath),
		TargetFormat:  format,
		FilterOptions: filterOptions,
		Input:         input,
	})
	if err != nil {
		return fmt.Errorf("convert %s: %w", inputPath, err)
	}

	if err := os.WriteFile(outputPath, res.Output, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	logger.Info("converted", "input", inputPath, "output", outputPath, "bytes", len(res.Output), "duration_ms", res.DurationMS)
	return nil
}
