package main

import (
	"github.com/skylightos/skylight/internal/common/config"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/events"
	"github.com/skylightos/skylight/internal/events/bus"
)

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	provider, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return provider.Bus, cleanup, nil
}
