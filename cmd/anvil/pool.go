package main

import (
	"fmt"
	"log/slog"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/backend/local"
	"github.com/seantiz/anvil/internal/backend/microvm"
	"github.com/seantiz/anvil/internal/backend/remote"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/pool"
)

// newRegistry registers a factory for every backend kind the configuration
// can build. sink receives agent process output per worker slot.
func newRegistry(cfg *config.Config, sink func(slot int, line string), logger *slog.Logger) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	reg.Register(backend.KindLocal, local.Factory(cfg.LocalSettings(), local.NewProcessLocator(), sink, logger))

	switch cfg.Backend {
	case backend.KindRemote:
		rc, err := cfg.RemoteSettings()
		if err != nil {
			return nil, fmt.Errorf("remote backend: %w", err)
		}
		f, err := remote.Factory(rc, logger)
		if err != nil {
			return nil, fmt.Errorf("remote backend: %w", err)
		}
		reg.Register(backend.KindRemote, f)
	case backend.KindMicroVM:
		f, err := microvm.Factory(cfg.MicroVMSettings(), sink, logger)
		if err != nil {
			return nil, fmt.Errorf("microvm backend: %w", err)
		}
		reg.Register(backend.KindMicroVM, f)
	}

	return reg, nil
}

// newPool builds an unstarted pool of cfg.Workers workers of the configured
// backend kind.
func newPool(cfg *config.Config, sink func(slot int, line string), logger *slog.Logger) (*pool.Pool, error) {
	reg, err := newRegistry(cfg, sink, logger)
	if err != nil {
		return nil, err
	}
	backends, err := reg.Build(cfg.Backend, cfg.Workers)
	if err != nil {
		return nil, err
	}
	return pool.New(cfg.PoolSettings(), backends, logger)
}
