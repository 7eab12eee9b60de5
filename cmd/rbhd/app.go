package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clusterfs/rbhd/internal/config"
	"github.com/clusterfs/rbhd/internal/fsops"
	"github.com/clusterfs/rbhd/internal/logging"
	"github.com/clusterfs/rbhd/internal/store"
	"github.com/clusterfs/rbhd/internal/store/memory"
	"github.com/clusterfs/rbhd/internal/store/pgx"
	"github.com/clusterfs/rbhd/internal/store/sqlite"
)

// app bundles the collaborators every subcommand needs: the loaded
// Config, a logger, the DB collaborator (spec 6.1), and the FS
// collaborator (spec 6.2). Built once per command invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	fs     fsops.FS
}

func newApp(ctx context.Context) (*app, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("rbhd: load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	var fs fsops.FS
	switch cfg.Filesystem.MountType {
	case "lustre":
		fs = fsops.NewLustreStub()
	default:
		fs = fsops.NewPOSIX()
	}

	cleanup := func() { _ = st.Close() }
	return &app{cfg: cfg, logger: logger, store: st, fs: fs}, cleanup, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		return memory.New(logger), nil
	case config.StoreBackendSQLite:
		return sqlite.Open(ctx, cfg.Store.SQLitePath, logger)
	case config.StoreBackendPostgres:
		return pgx.Open(ctx, cfg.Store.PostgresDSN)
	default:
		return nil, fmt.Errorf("rbhd: unknown store backend %q", cfg.Store.Backend)
	}
}
