// Package integration exercises the full server stack end to end: a real
// HTTP server, real WebSocket connections, the scripted provider, and the
// session log on disk.
package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/agent"
	"github.com/skylightos/skylight/internal/broadcast"
	"github.com/skylightos/skylight/internal/common/config"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/db"
	"github.com/skylightos/skylight/internal/desktop"
	"github.com/skylightos/skylight/internal/events/bus"
	gateways "github.com/skylightos/skylight/internal/gateway/websocket"
	"github.com/skylightos/skylight/internal/orchestrator"
	"github.com/skylightos/skylight/internal/reloadcache"
	"github.com/skylightos/skylight/internal/sessionlog"
)

// serverOptions selects what a test server carries beyond the core stack.
type serverOptions struct {
	rules        []agent.ScriptRule
	orchestrator config.OrchestratorConfig

	// cacheEnabled wires a reload cache backed by a temp file.
	cacheEnabled bool

	// sessionRoot enables the on-disk session log under the given directory.
	// Empty runs without one.
	sessionRoot string

	// restoreOnBoot replays the newest previous session from sessionRoot.
	restoreOnBoot bool

	// catalogPath enables the SQLite session catalog at the given file.
	catalogPath string
}

// testServer is one fully wired server instance over httptest.
type testServer struct {
	URL        string
	Pool       *orchestrator.ContextPool
	Center     *broadcast.Center
	Registry   *desktop.Registry
	EventBus   bus.EventBus
	Cache      *reloadcache.Cache
	SessionLog *sessionlog.Logger
	Catalog    *sessionlog.Catalog

	server    *httptest.Server
	providers *agent.Providers
	dbPool    *db.Pool
	log       *logger.Logger
	closeOnce sync.Once
}

// newTestServer assembles the stack the way the server entry point does,
// minus tracing, and serves it over httptest. Close is registered as a test
// cleanup but is safe to call early.
func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)

	providers := agent.NewProviders(1, log)
	providers.Register(&agent.ScriptedFactory{Rules: opts.rules})

	ts := &testServer{
		EventBus:  eventBus,
		providers: providers,
		log:       log,
	}

	if opts.cacheEnabled {
		ts.Cache, err = reloadcache.New(config.ReloadCacheConfig{
			Enabled: true,
			Path:    filepath.Join(t.TempDir(), "reload.json"),
		}, eventBus, log)
		require.NoError(t, err)
	}

	if opts.catalogPath != "" {
		ts.dbPool, err = db.NewSQLitePool(opts.catalogPath)
		require.NoError(t, err)
		ts.Catalog, err = sessionlog.NewCatalog(ts.dbPool, log)
		require.NoError(t, err)
	}

	var restorer *sessionlog.Restorer
	if opts.sessionRoot != "" {
		if ts.Catalog != nil {
			_, err = ts.Catalog.ScanRoot(context.Background(), opts.sessionRoot)
			require.NoError(t, err)
		}
		ts.SessionLog, err = sessionlog.Open(opts.sessionRoot, agent.ScriptedProviderName, eventBus, log)
		require.NoError(t, err)
		require.NoError(t, ts.SessionLog.BindBus())
		if opts.restoreOnBoot {
			restorer = sessionlog.NewRestorer(opts.sessionRoot, log)
			restorer.Exclude(ts.SessionLog.Dir())
		}
	}

	ts.Registry = desktop.NewRegistry(log)
	ts.Center = broadcast.NewCenter(log)

	poolCfg := orchestrator.ContextPoolConfig{
		Orchestrator: opts.orchestrator,
		Registry:     ts.Registry,
		Center:       ts.Center,
		Providers:    providers,
		EventBus:     eventBus,
		Cache:        ts.Cache,
		Restorer:     restorer,
		Metrics:      orchestrator.MustNewMetrics(prometheus.NewRegistry()),
		Logger:       log,
	}
	if ts.SessionLog != nil {
		poolCfg.TurnLog = ts.SessionLog
		poolCfg.Registrar = ts.SessionLog
		poolCfg.SessionDir = ts.SessionLog.Dir()
	}
	ts.Pool = orchestrator.NewContextPool(poolCfg)
	require.NoError(t, ts.Pool.Initialize(context.Background()))

	sessionID := "sess-integration"
	if ts.SessionLog != nil {
		sessionID = ts.SessionLog.ID()
	}
	gateway := gateways.NewGateway(gateways.Config{
		Pool:      ts.Pool,
		Center:    ts.Center,
		SessionID: sessionID,
		Logger:    log,
	})
	router := gateways.NewRouter(config.ServerConfig{}, gateway, ts.Catalog, log)
	ts.server = httptest.NewServer(router)
	ts.URL = ts.server.URL

	t.Cleanup(ts.Close)
	return ts
}

// Close tears the instance down in the entry point's order: connections,
// then agents so their final log entries land, then the session log and
// catalog.
func (ts *testServer) Close() {
	ts.closeOnce.Do(func() {
		ts.server.Close()
		ts.Pool.Cleanup()
		if err := ts.providers.Close(); err != nil {
			ts.log.Warn("failed to close providers", zap.Error(err))
		}
		if ts.SessionLog != nil {
			if err := ts.SessionLog.Close(); err != nil {
				ts.log.Warn("failed to close session log", zap.Error(err))
			}
			if ts.Catalog != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := ts.Catalog.Upsert(ctx, ts.SessionLog.Summary()); err != nil {
					ts.log.Warn("failed to record session", zap.Error(err))
				}
				cancel()
			}
		}
		if ts.dbPool != nil {
			if err := ts.dbPool.Close(); err != nil {
				ts.log.Warn("failed to close catalog db", zap.Error(err))
			}
		}
		ts.EventBus.Close()
	})
}

// awaitIdle polls until no agent has a turn in flight.
func (ts *testServer) awaitIdle(t *testing.T, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ts.Pool.GetStats().Agents.Busy == 0
	}, timeout, 10*time.Millisecond, "agents never went idle")
}
