package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"github.com/harborview/stowage/internal/logger"
)

// ManagerConfig controls the per-tenant pool cache.
type ManagerConfig struct {
	// Multitenant enables per-tenant pools with inactivity eviction. When
	// false the manager holds a single pool for DatabaseURL that never
	// expires.
	Multitenant bool

	// DatabaseURL is the metadata store URL in single-tenant mode.
	DatabaseURL string

	// MaxConnections caps each pool. Zero means 200.
	MaxConnections int32

	// AcquireTimeout bounds waiting for a free connection. Zero means 3s,
	// matching the transaction retry budget.
	AcquireTimeout time.Duration

	// IdleTimeout closes pool connections idle longer than this. Zero means 30s.
	IdleTimeout time.Duration

	// InactivityTTL evicts a tenant's pool after this much time without an
	// acquire. Only applies in multitenant mode. Zero means 10s.
	InactivityTTL time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 200
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 3 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.InactivityTTL <= 0 {
		c.InactivityTTL = 10 * time.Second
	}
}

type poolEntry struct {
	pool     *pgxpool.Pool
	lastUsed time.Time
}

// Manager caches one connection pool per tenant database URL and hands out
// request-scoped TenantConnections. Pools for inactive tenants are destroyed
// by a background janitor so a long tail of tenants does not pin connections.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu    sync.Mutex
	pools map[string]*poolEntry

	group singleflight.Group

	stopOnce sync.Once
	done     chan struct{}
}

// NewManager creates the pool cache and starts the eviction janitor.
func NewManager(cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:   cfg,
		log:   logger.With(logger.KeyComponent, "database.manager"),
		pools: make(map[string]*poolEntry),
		done:  make(chan struct{}),
	}
	if cfg.Multitenant {
		go m.janitor()
	}
	return m
}

// AcquireOptions identifies the caller a TenantConnection acts for.
type AcquireOptions struct {
	TenantID string

	// DatabaseURL overrides the configured URL; required in multitenant mode
	// where each tenant has its own database.
	DatabaseURL string

	// Scope carries the role and claims applied to every transaction.
	Scope Scope
}

// Acquire returns a connection bound to the tenant's pool, creating the pool
// on first use. Concurrent first acquires for the same URL share one pool
// construction.
func (m *Manager) Acquire(ctx context.Context, opts AcquireOptions) (*TenantConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	url := opts.DatabaseURL
	if url == "" {
		url = m.cfg.DatabaseURL
	}
	if url == "" {
		return nil, fmt.Errorf("no database URL for tenant %q", opts.TenantID)
	}

	pool, err := m.poolFor(ctx, url)
	if err != nil {
		return nil, err
	}

	return &TenantConnection{
		TenantID:       opts.TenantID,
		pool:           pool,
		scope:          opts.Scope,
		acquireTimeout: m.cfg.AcquireTimeout,
	}, nil
}

// AcquireExternal builds a single-use pool for a tenant-supplied database
// URL. The pool is not cached; Dispose on the returned connection closes it.
func (m *Manager) AcquireExternal(ctx context.Context, opts AcquireOptions) (*TenantConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.DatabaseURL == "" {
		return nil, fmt.Errorf("external connection requires a database URL")
	}

	pool, err := m.newPool(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, err
	}

	return &TenantConnection{
		TenantID:       opts.TenantID,
		pool:           pool,
		scope:          opts.Scope,
		acquireTimeout: m.cfg.AcquireTimeout,
		ownsPool:       true,
	}, nil
}

// Stop closes every cached pool and halts the janitor. Safe to call twice.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		pools := m.pools
		m.pools = make(map[string]*poolEntry)
		m.mu.Unlock()
		for url, entry := range pools {
			entry.pool.Close()
			m.log.Debug("closed tenant pool", logger.KeyDatabase, redactURL(url))
		}
	})
}

func (m *Manager) poolFor(ctx context.Context, url string) (*pgxpool.Pool, error) {
	m.mu.Lock()
	if entry, ok := m.pools[url]; ok {
		entry.lastUsed = time.Now()
		m.mu.Unlock()
		return entry.pool, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(url, func() (any, error) {
		// Re-check under the group: a previous caller may have filled the map.
		m.mu.Lock()
		if entry, ok := m.pools[url]; ok {
			entry.lastUsed = time.Now()
			m.mu.Unlock()
			return entry.pool, nil
		}
		m.mu.Unlock()

		pool, err := m.newPool(ctx, url)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.pools[url] = &poolEntry{pool: pool, lastUsed: time.Now()}
		size := len(m.pools)
		m.mu.Unlock()

		m.log.Debug("created tenant pool",
			logger.KeyDatabase, redactURL(url),
			logger.KeyPoolSize, size)
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pgxpool.Pool), nil
}

func (m *Manager) newPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = m.cfg.MaxConnections
	poolConfig.MaxConnIdleTime = m.cfg.IdleTimeout
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return pool, nil
}

// janitor evicts pools whose last acquire is older than the inactivity TTL.
func (m *Manager) janitor() {
	interval := m.cfg.InactivityTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			var expired []*poolEntry
			m.mu.Lock()
			for url, entry := range m.pools {
				if now.Sub(entry.lastUsed) > m.cfg.InactivityTTL {
					delete(m.pools, url)
					expired = append(expired, entry)
					m.log.Debug("evicting idle tenant pool", logger.KeyDatabase, redactURL(url))
				}
			}
			m.mu.Unlock()
			// Close outside the lock; Close waits for acquired connections.
			for _, entry := range expired {
				entry.pool.Close()
			}
		}
	}
}

// PoolCount reports the number of live cached pools.
func (m *Manager) PoolCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools)
}

// redactURL strips credentials from a connection URL for logging.
func redactURL(url string) string {
	at := strings.LastIndexByte(url, '@')
	scheme := strings.Index(url, "://")
	if at >= 0 && scheme >= 0 && scheme+3 < at {
		return url[:scheme+3] + "***" + url[at:]
	}
	return url
}
