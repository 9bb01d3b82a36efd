package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/common/logger"
)

// DefaultWarmPoolSize is the number of pre-initialized handles kept per
// provider type.
const DefaultWarmPoolSize = 2

var (
	// ErrPoolClosed is returned by Get after the pool is closed.
	ErrPoolClosed = errors.New("provider pool closed")
	// ErrUnknownProvider is returned when SetActive names an unregistered
	// provider type.
	ErrUnknownProvider = errors.New("unknown provider")
)

// WarmPool keeps pre-initialized provider handles so a freshly spawned
// session does not pay the handle setup cost on its first message.
type WarmPool struct {
	factory Factory
	warm    chan Provider
	logger  *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewWarmPool creates an empty pool over a factory. Call Fill to pre-warm.
func NewWarmPool(factory Factory, size int, log *logger.Logger) *WarmPool {
	if size <= 0 {
		size = DefaultWarmPoolSize
	}
	return &WarmPool{
		factory: factory,
		warm:    make(chan Provider, size),
		logger: log.WithFields(
			zap.String("component", "provider_warm_pool"),
			zap.String("provider", factory.Type())),
	}
}

// Fill builds handles until the pool holds its full warm count. Build
// failures stop the fill and are returned; an already-full pool is a no-op.
func (p *WarmPool) Fill(ctx context.Context) error {
	for len(p.warm) < cap(p.warm) {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		p.mu.Unlock()

		handle, err := p.factory.New(ctx)
		if err != nil {
			return fmt.Errorf("failed to warm %s provider: %w", p.factory.Type(), err)
		}
		select {
		case p.warm <- handle:
		default:
			_ = handle.Close()
			return nil
		}
	}
	return nil
}

// Get hands out a warm handle when one is ready, building cold otherwise.
// A replacement warm handle is built in the background.
func (p *WarmPool) Get(ctx context.Context) (Provider, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case handle := <-p.warm:
		go p.refill()
		return handle, nil
	default:
		return p.factory.New(ctx)
	}
}

func (p *WarmPool) refill() {
	handle, err := p.factory.New(context.Background())
	if err != nil {
		p.logger.Warn("failed to refill warm pool", zap.Error(err))
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		_ = handle.Close()
		return
	}
	select {
	case p.warm <- handle:
	default:
		_ = handle.Close()
	}
}

// Put returns an unused handle to the pool. Handles that have served a
// session must be Closed by their session instead. A full or closed pool
// closes the handle.
func (p *WarmPool) Put(handle Provider) {
	if handle == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		_ = handle.Close()
		return
	}
	select {
	case p.warm <- handle:
	default:
		_ = handle.Close()
	}
}

// WarmCount reports how many handles are ready.
func (p *WarmPool) WarmCount() int {
	return len(p.warm)
}

// Close disposes every warm handle. Get fails afterwards.
func (p *WarmPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case handle := <-p.warm:
			_ = handle.Close()
		default:
			return nil
		}
	}
}

// Providers tracks the registered provider factories and their warm pools.
// One type is active at a time; SET_PROVIDER swaps it for subsequent spawns
// while running sessions keep the handle they already have.
type Providers struct {
	mu     sync.RWMutex
	pools  map[string]*WarmPool
	active string
	size   int
	logger *logger.Logger
}

// NewProviders creates an empty provider registry.
func NewProviders(warmSize int, log *logger.Logger) *Providers {
	if warmSize <= 0 {
		warmSize = DefaultWarmPoolSize
	}
	return &Providers{
		pools:  make(map[string]*WarmPool),
		size:   warmSize,
		logger: log.WithFields(zap.String("component", "provider_registry")),
	}
}

// Register adds a factory. The first registered type becomes active.
func (p *Providers) Register(factory Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pools[factory.Type()] = NewWarmPool(factory, p.size, p.logger)
	if p.active == "" {
		p.active = factory.Type()
	}
}

// Warm pre-fills every registered pool.
func (p *Providers) Warm(ctx context.Context) {
	p.mu.RLock()
	pools := make([]*WarmPool, 0, len(p.pools))
	for _, pool := range p.pools {
		pools = append(pools, pool)
	}
	p.mu.RUnlock()

	for _, pool := range pools {
		if err := pool.Fill(ctx); err != nil {
			p.logger.Warn("provider warm-up failed", zap.Error(err))
		}
	}
}

// SetActive switches the provider type used for subsequent spawns.
func (p *Providers) SetActive(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pools[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	prev := p.active
	p.active = name
	if prev != name {
		p.logger.Info("active provider switched",
			zap.String("from", prev),
			zap.String("to", name))
	}
	return nil
}

// Active reports the provider type serving new sessions.
func (p *Providers) Active() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Get builds or reuses a handle of the active type.
func (p *Providers) Get(ctx context.Context) (Provider, error) {
	p.mu.RLock()
	pool, ok := p.pools[p.active]
	name := p.active
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return pool.Get(ctx)
}

// Put returns an unused handle to the active pool. Handles that ran a
// session are closed by Session.Dispose instead.
func (p *Providers) Put(handle Provider) {
	p.mu.RLock()
	pool, ok := p.pools[p.active]
	p.mu.RUnlock()
	if !ok {
		if handle != nil {
			_ = handle.Close()
		}
		return
	}
	pool.Put(handle)
}

// Close disposes every pool.
func (p *Providers) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pool := range p.pools {
		_ = pool.Close()
	}
	return nil
}
