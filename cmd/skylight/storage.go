package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/common/config"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/db"
	"github.com/skylightos/skylight/internal/events/bus"
	"github.com/skylightos/skylight/internal/sessionlog"
)

// sessionStore bundles the catalog database with the live session log and,
// when boot restore is enabled, the restorer over previous sessions.
type sessionStore struct {
	Pool     *db.Pool
	Catalog  *sessionlog.Catalog
	Log      *sessionlog.Logger
	Restorer *sessionlog.Restorer
}

func provideSessionStore(ctx context.Context, cfg *config.Config, eventBus bus.EventBus, log *logger.Logger) (*sessionStore, error) {
	pool, err := openCatalogPool(cfg)
	if err != nil {
		return nil, err
	}

	catalog, err := sessionlog.NewCatalog(pool, log)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	// Index sessions written by earlier runs before this one adds its own.
	if indexed, err := catalog.ScanRoot(ctx, cfg.Sessions.Dir); err != nil {
		log.Warn("failed to index previous sessions", zap.Error(err))
	} else if indexed > 0 {
		log.Info("indexed previous sessions", zap.Int("count", indexed))
	}

	sessionLog, err := sessionlog.Open(cfg.Sessions.Dir, cfg.Provider.Default, eventBus, log)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	if err := sessionLog.BindBus(); err != nil {
		log.Warn("failed to bind session log to action stream", zap.Error(err))
	}

	store := &sessionStore{Pool: pool, Catalog: catalog, Log: sessionLog}
	if cfg.Sessions.RestoreOnBoot {
		restorer := sessionlog.NewRestorer(cfg.Sessions.Dir, log)
		restorer.Exclude(sessionLog.Dir())
		store.Restorer = restorer
	}
	return store, nil
}

func openCatalogPool(cfg *config.Config) (*db.Pool, error) {
	if cfg.Sessions.CatalogDriver == "postgres" {
		return db.NewPostgresPool(cfg.Sessions.DSN(), cfg.Sessions.PGMaxConns, cfg.Sessions.PGMinConns)
	}
	return db.NewSQLitePool(cfg.Sessions.SQLitePath)
}

// SessionID names the live session.
func (s *sessionStore) SessionID() string {
	return s.Log.ID()
}

// Close seals the live session log, writes its final catalog row, and
// closes the database.
func (s *sessionStore) Close(ctx context.Context, log *logger.Logger) {
	if err := s.Log.Close(); err != nil {
		log.Error("session log close error", zap.Error(err))
	}
	if err := s.Catalog.Upsert(ctx, s.Log.Summary()); err != nil {
		log.Error("failed to record session in catalog", zap.Error(err))
	}
	if err := s.Pool.Close(); err != nil {
		log.Error("catalog close error", zap.Error(err))
	}
}
