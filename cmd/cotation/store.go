package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/soaringjerry/Cotation/internal/api"
	"github.com/soaringjerry/Cotation/internal/config"
	dbstore "github.com/soaringjerry/Cotation/internal/db"
)

var errNoDatabase = errors.New("this command needs a database: pass --db or set COTATION_DB_PATH")

// openStore returns the configured backend and a function releasing it.
// Without a database path the API runs on the in-memory store.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (api.Store, func(), error) {
	if cfg.DBPath == "" {
		log.Warn("no db_path configured, data will not survive a restart")
		return api.NewMemoryStore(), func() {}, nil
	}
	store, closeDB, err := openSQLite(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return store, closeDB, nil
}

func openSQLite(ctx context.Context, cfg *config.Config, log *zap.Logger) (*dbstore.SQLiteStore, func(), error) {
	if cfg.DBPath == "" {
		return nil, nil, errNoDatabase
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	conn, err := dbstore.Open(cfg.DBDriver, cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if cerr := conn.Close(); cerr != nil {
			log.Warn("close sqlite db", zap.Error(cerr))
		}
	}
	if err := dbstore.RunMigrations(ctx, conn, cfg.MigrationsDir, log); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	store, err := dbstore.NewSQLiteStore(conn, log)
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("init sqlite store: %w", err)
	}
	log.Info("sqlite store ready", zap.String("driver", cfg.DBDriver), zap.String("path", cfg.DBPath))
	return store, closeDB, nil
}
