package main

import (
	"context"
	"fmt"
	"os"

	"github.com/modulaur/modulaur/internal/bridge"
	"github.com/modulaur/modulaur/internal/capability"
	"github.com/modulaur/modulaur/internal/config"
	"github.com/modulaur/modulaur/internal/lifecycle"
	"github.com/modulaur/modulaur/internal/logger"
	"github.com/modulaur/modulaur/internal/panel"
	"github.com/modulaur/modulaur/internal/record"
	"github.com/modulaur/modulaur/internal/sandbox"
)

// appRuntime wires the full plugin runtime for one command invocation.
type appRuntime struct {
	cfg     *config.Config
	log     *logger.Logger
	store   record.Store
	engine  *sandbox.WazeroEngine
	manager *lifecycle.Manager
}

func newRuntime(flags *rootFlags) (*appRuntime, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if flags.verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Options{Level: level, HumanReadable: true})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	base, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	var store record.Store
	switch cfg.Store.Backend {
	case "memory":
		store = record.NewMemoryStore()
	default:
		if err := os.MkdirAll(cfg.ResolveDataDir(base), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		store, err = record.NewSQLiteStore(record.SQLiteConfig{
			Path:        cfg.StorePath(base),
			BusyTimeout: cfg.Store.BusyTimeout,
		})
		if err != nil {
			return nil, err
		}
	}

	registry := capability.NewRegistry()
	services := &sandbox.Services{
		Bridge: bridge.New(registry, bridge.Options{
			Timeout:          cfg.Bridge.RequestTimeout.Std(),
			MaxResponseBytes: cfg.Bridge.MaxResponseBytes,
			Logger:           log,
		}),
		Records: record.NewAdapter(store, registry, log),
		Data:    record.NewDataService(store, log),
		Log:     log,
	}
	engine := sandbox.NewWazeroEngine(sandbox.WazeroConfig{
		MaxMemoryBytes: cfg.Sandbox.MaxMemoryBytes,
	})
	manager := lifecycle.NewManager(lifecycle.Options{
		Engine:        engine,
		Registry:      registry,
		Panels:        panel.NewRegistry(),
		Services:      services,
		InvokeTimeout: cfg.Sandbox.InvokeTimeout.Std(),
		Logger:        log,
	})

	return &appRuntime{
		cfg:     cfg,
		log:     log,
		store:   store,
		engine:  engine,
		manager: manager,
	}, nil
}

// loadPlugins discovers and loads every plugin under the configured
// directory.
func (rt *appRuntime) loadPlugins(ctx context.Context) error {
	base, err := os.Getwd()
	if err != nil {
		return err
	}
	dir := rt.cfg.ResolvePluginDir(base)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("plugin directory %s does not exist", dir)
	}
	return rt.manager.LoadAll(ctx, dir)
}

func (rt *appRuntime) close(ctx context.Context) {
	_ = rt.manager.Close(ctx)
	_ = rt.engine.Close(ctx)
	_ = rt.store.Close()
}
