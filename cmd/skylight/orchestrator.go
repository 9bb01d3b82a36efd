package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/agent"
	"github.com/skylightos/skylight/internal/broadcast"
	"github.com/skylightos/skylight/internal/common/config"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/desktop"
	"github.com/skylightos/skylight/internal/events/bus"
	"github.com/skylightos/skylight/internal/orchestrator"
	"github.com/skylightos/skylight/internal/reloadcache"
)

type poolDeps struct {
	Registry *desktop.Registry
	Center   *broadcast.Center
	EventBus bus.EventBus
	Store    *sessionStore
	Logger   *logger.Logger
}

func provideContextPool(ctx context.Context, cfg *config.Config, deps poolDeps) (*orchestrator.ContextPool, func(), error) {
	log := deps.Logger

	providers := agent.NewProviders(cfg.Provider.WarmPoolSize, log)
	providers.Register(&agent.ScriptedFactory{})
	if cfg.Provider.Default != "" && cfg.Provider.Default != providers.Active() {
		if err := providers.SetActive(cfg.Provider.Default); err != nil {
			log.Warn("configured provider unavailable, keeping default",
				zap.String("provider", cfg.Provider.Default), zap.Error(err))
		}
	}
	providers.Warm(ctx)

	var cache *reloadcache.Cache
	if cfg.ReloadCache.Enabled {
		var err error
		cache, err = reloadcache.New(cfg.ReloadCache, deps.EventBus, log)
		if err != nil {
			// Reload replay is an accelerator, not a dependency.
			log.Warn("reload cache unavailable", zap.Error(err))
			cache = nil
		}
	}

	profiles, err := orchestrator.LoadProfileRegistry(cfg.Provider.ProfilesPath, log)
	if err != nil {
		_ = providers.Close()
		return nil, nil, err
	}

	pool := orchestrator.NewContextPool(orchestrator.ContextPoolConfig{
		Orchestrator: cfg.Orchestrator,
		Registry:     deps.Registry,
		Center:       deps.Center,
		Providers:    providers,
		EventBus:     deps.EventBus,
		Cache:        cache,
		Profiles:     profiles,
		TurnLog:      deps.Store.Log,
		Registrar:    deps.Store.Log,
		Restorer:     deps.Store.Restorer,
		SessionDir:   deps.Store.Log.Dir(),
		Logger:       log,
	})
	if err := pool.Initialize(ctx); err != nil {
		_ = providers.Close()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Cleanup()
		if err := providers.Close(); err != nil {
			log.Error("provider close error", zap.Error(err))
		}
	}
	return pool, cleanup, nil
}
