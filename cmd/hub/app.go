package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/keystroke-tools/hub/internal/chunker"
	"github.com/keystroke-tools/hub/internal/config"
	"github.com/keystroke-tools/hub/internal/fetch"
	"github.com/keystroke-tools/hub/internal/lang"
	"github.com/keystroke-tools/hub/internal/metrics"
	"github.com/keystroke-tools/hub/internal/plugin"
	"github.com/keystroke-tools/hub/internal/store"
	"github.com/keystroke-tools/hub/internal/wasm"
)

// app is the host wired from configuration: store, host imports, runtime
// and plugin manager.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.Store
	metrics *metrics.Metrics
	runtime *wasm.Runtime
	manager *plugin.Manager
}

func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	logger.Info("Starting hub",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	if err := a.init(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st

	fetcher, err := fetch.New(fetch.Config{
		Timeout:      cfg.Fetch.Timeout,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		UserAgent:    cfg.Fetch.UserAgent,
		RateLimit:    cfg.Fetch.RateLimit,
		Burst:        cfg.Fetch.Burst,
		S3: fetch.S3Config{
			Endpoint:  cfg.Fetch.S3.Endpoint,
			AccessKey: cfg.Fetch.S3.AccessKey,
			SecretKey: cfg.Fetch.S3.SecretKey,
			Secure:    cfg.Fetch.S3.Secure,
			Region:    cfg.Fetch.S3.Region,
		},
	}, a.logger)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}

	chunks, err := chunker.New(chunker.Config{Size: cfg.Chunking.Size, Overlap: cfg.Chunking.Overlap})
	if err != nil {
		return fmt.Errorf("chunking config: %w", err)
	}

	hostFuncs := wasm.NewHostFunctions(a.logger,
		wasm.WithFetcher(fetcher),
		wasm.WithStore(plugin.CountingStore{EntryStore: st, Metrics: a.metrics}),
		wasm.WithChunker(chunks),
		wasm.WithDetector(lang.NewDetector(lang.WithMinHits(cfg.Language.MinHits))),
		wasm.WithObserver(a.metrics),
	)

	runtime, err := wasm.NewRuntime(ctx, a.logger, &wasm.RuntimeConfig{
		MemoryPages:  cfg.Wasm.MemoryPages,
		DebugEnabled: cfg.Wasm.Debug,
		CacheDir:     cfg.Wasm.CacheDir,
		MaxInstances: cfg.Wasm.MaxInstances,
	})
	if err != nil {
		return fmt.Errorf("create wasm runtime: %w", err)
	}
	a.runtime = runtime

	a.manager = plugin.NewManager(cfg, runtime, hostFuncs, st, a.logger, plugin.WithMetrics(a.metrics))
	return a.manager.LoadAll(ctx)
}

func (a *app) close(ctx context.Context) {
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			a.logger.Warn("Plugin manager shutdown failed", zap.Error(err))
		}
	} else if a.runtime != nil {
		_ = a.runtime.Close(ctx)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Store close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
