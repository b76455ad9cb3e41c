// Package dsmanager owns the process-local caches that route tenants to
// their physical data sources: a config cache (tenant to resolved connection
// parameters) and a client cache (tenant and role to a live client handle),
// plus pool-ceiling bookkeeping and metrics. The Manager is the only
// component other code calls; it is constructed once at startup with
// injected configuration and passed by handle, never reached through a
// package-level singleton.
package dsmanager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/planvia/planvia/internal/common/apperrors"
	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
	"github.com/planvia/planvia/internal/crmsrv/dsclient"
	"github.com/planvia/planvia/internal/crmsrv/registry"
)

// EvictionPolicy selects the behavior when the client cache is at its ceiling.
type EvictionPolicy string

const (
	// PolicyLRU evicts the least-recently-used client to make room. This is
	// the default: the system degrades gracefully under load instead of
	// failing user requests.
	PolicyLRU EvictionPolicy = "lru"
	// PolicyFail rejects new client construction with ErrPoolExhausted.
	PolicyFail EvictionPolicy = "fail"
)

// sharedKeyPrefix keys client cache entries bound to the shared default data
// source. The leading "!" is outside the tenant ID charset the registry
// enforces, so a dedicated tenant key can never collide with it.
const sharedKeyPrefix = "!shared"

// Options carries the startup configuration for a Manager.
type Options struct {
	MaxClients     int
	ConfigCacheTTL time.Duration
	ClientCacheTTL time.Duration
	// SweepInterval of zero disables the background sweeper.
	SweepInterval  time.Duration
	ResolveTimeout time.Duration
	EvictionPolicy EvictionPolicy
	// DefaultDataSource is the shared data source for tenants without a
	// dedicated one and for public surfaces.
	DefaultDataSource dsclient.ConnectionConfig
	// Pool sizing for dedicated clients without a registry override.
	PoolMinConns int
	PoolMaxConns int
}

// tenantConfig is a config cache entry: the resolved connection parameters
// plus the tenant's local identifier, cached together since both come from
// one registry lookup and share TTL semantics.
type tenantConfig struct {
	conn    dsclient.ConnectionConfig
	localID crmcommon.DataSourceTenantId
}

// ConnectionInfo is the diagnostic view of a tenant's data-source binding.
// It never carries credentials.
type ConnectionInfo struct {
	URL      string `json:"url"`
	Region   string `json:"region"`
	Shared   bool   `json:"shared"`
	IsCached bool   `json:"isCached"`
}

// Manager combines registry lookups and client pooling behind one façade.
type Manager struct {
	access  *registry.Access
	factory dsclient.Factory
	opts    Options

	configCache *ttlCache[tenantConfig]
	clientCache *ttlCache[dsclient.Client]

	configFlight singleflight.Group
	clientFlight singleflight.Group

	metrics poolMetrics

	// admitMu serializes ceiling checks and LRU eviction. inflight counts
	// construction slots reserved by admit but not yet landed in the cache,
	// so concurrent first-time constructions for distinct keys cannot
	// overshoot the ceiling.
	admitMu  sync.Mutex
	inflight int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Manager and starts its background sweeper when
// Options.SweepInterval is positive.
func New(access *registry.Access, factory dsclient.Factory, opts Options) *Manager {
	m := &Manager{
		access:  access,
		factory: factory,
		opts:    opts,
		stopCh:  make(chan struct{}),
	}
	m.configCache = newTTLCache[tenantConfig](opts.ConfigCacheTTL, nil)
	m.clientCache = newTTLCache[dsclient.Client](opts.ClientCacheTTL, func(_ string, c dsclient.Client) {
		c.Close()
	})

	if opts.SweepInterval > 0 {
		go m.sweepLoop()
	}
	return m
}

// Stop halts the sweeper and closes every cached client.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.clientCache.purge()
	})
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SweepExpired()
		case <-m.stopCh:
			return
		}
	}
}

// SweepExpired removes TTL-expired entries from both caches. Runs on a timer
// but may be invoked directly.
func (m *Manager) SweepExpired() {
	m.configCache.sweep()
	m.clientCache.sweep()
}

// GetConfig returns the resolved connection parameters for the tenant,
// cache-aside over the registry.
func (m *Manager) GetConfig(ctx context.Context, tenantID crmcommon.TenantId) (dsclient.ConnectionConfig, apperrors.Error) {
	tc, err := m.getTenantConfig(ctx, tenantID)
	if err != nil {
		return dsclient.ConnectionConfig{}, err
	}
	return tc.conn, nil
}

// GetLocalTenantID returns the tenant's identifier inside its data source.
// Cached with the same TTL semantics as config since it rarely changes and
// is needed on every request.
func (m *Manager) GetLocalTenantID(ctx context.Context, tenantID crmcommon.TenantId) (crmcommon.DataSourceTenantId, apperrors.Error) {
	tc, err := m.getTenantConfig(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return tc.localID, nil
}

// GetClient returns a live client for the tenant under the given role,
// cache-aside over client construction.
func (m *Manager) GetClient(ctx context.Context, tenantID crmcommon.TenantId, role crmcommon.DataSourceRole) (dsclient.Client, apperrors.Error) {
	if !role.IsValid() {
		return nil, ErrInvalidRole.Msg(string(role))
	}
	tc, err := m.getTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return m.getClientForConfig(ctx, m.clientKey(tenantID, tc.conn, role), tc.conn, role)
}

// SharedClient returns a client for the shared default data source without
// consulting the registry. This is the only entry point for public,
// unauthenticated surfaces; tenant credentials never flow through it.
func (m *Manager) SharedClient(ctx context.Context, role crmcommon.DataSourceRole) (dsclient.Client, apperrors.Error) {
	if !role.IsValid() {
		return nil, ErrInvalidRole.Msg(string(role))
	}
	cfg := m.sharedConfig()
	return m.getClientForConfig(ctx, sharedKeyPrefix+"/"+string(role), cfg, role)
}

// GetConnectionInfo returns the diagnostic view of the tenant's data-source
// binding. IsCached reflects the config cache state before this call.
func (m *Manager) GetConnectionInfo(ctx context.Context, tenantID crmcommon.TenantId) (ConnectionInfo, apperrors.Error) {
	isCached := m.configCache.contains(string(tenantID))
	tc, err := m.getTenantConfig(ctx, tenantID)
	if err != nil {
		return ConnectionInfo{}, err
	}
	return ConnectionInfo{
		URL:      tc.conn.URL,
		Region:   tc.conn.Region,
		Shared:   tc.conn.Shared,
		IsCached: isCached,
	}, nil
}

// Invalidate removes the tenant's config and client cache entries. Used when
// a tenant's connection settings change. A no-op when nothing is cached.
// Clients bound to the shared data source stay, since other tenants use them.
func (m *Manager) Invalidate(tenantID crmcommon.TenantId) {
	m.configCache.remove(string(tenantID))
	prefix := string(tenantID) + "/"
	m.clientCache.removeMatching(func(key string) bool {
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	})
}

func (m *Manager) getTenantConfig(ctx context.Context, tenantID crmcommon.TenantId) (tenantConfig, apperrors.Error) {
	key := string(tenantID)
	if tc, ok := m.configCache.get(key); ok {
		m.metrics.configHits.Add(1)
		return tc, nil
	}
	m.metrics.configMisses.Add(1)

	v, err, _ := m.configFlight.Do(key, func() (any, error) {
		// A concurrent resolution may have landed while we waited.
		if tc, ok := m.configCache.get(key); ok {
			return tc, nil
		}

		rctx, cancel := m.resolveContext(ctx)
		defer cancel()

		rec, lerr := m.access.Lookup(rctx, tenantID)
		if lerr != nil {
			// Failures, including timeouts, are never cached; the next
			// request retries cleanly.
			return nil, lerr
		}

		tc := m.buildTenantConfig(rec)
		m.configCache.put(key, tc)
		return tc, nil
	})
	if err != nil {
		return tenantConfig{}, asResolutionError(err)
	}
	return v.(tenantConfig), nil
}

func (m *Manager) getClientForConfig(ctx context.Context, key string, cfg dsclient.ConnectionConfig, role crmcommon.DataSourceRole) (dsclient.Client, apperrors.Error) {
	if client, ok := m.clientCache.get(key); ok {
		m.metrics.clientHits.Add(1)
		return client, nil
	}
	m.metrics.clientMisses.Add(1)

	v, err, _ := m.clientFlight.Do(key, func() (any, error) {
		if client, ok := m.clientCache.get(key); ok {
			return client, nil
		}

		if aerr := m.admit(ctx); aerr != nil {
			return nil, aerr
		}

		cctx, cancel := m.resolveContext(ctx)
		defer cancel()

		client, cerr := m.factory(cctx, cfg, role)
		if cerr != nil {
			m.release()
			return nil, cerr
		}

		m.metrics.clientsCreated.Add(1)
		m.clientCache.put(key, client)
		m.release()
		return client, nil
	})
	if err != nil {
		return nil, asResolutionError(err)
	}
	return v.(dsclient.Client), nil
}

// admit enforces the client ceiling, evicting per policy when at capacity.
// On success it reserves a construction slot; the caller must pair it with
// release once the client has landed in the cache or construction failed.
func (m *Manager) admit(ctx context.Context) apperrors.Error {
	if m.opts.MaxClients <= 0 {
		return nil
	}

	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	if m.clientCache.len()+m.inflight < m.opts.MaxClients {
		m.inflight++
		return nil
	}

	m.metrics.exhaustedEvents.Add(1)
	log.Ctx(ctx).Warn().
		Int("max_clients", m.opts.MaxClients).
		Str("policy", string(m.opts.EvictionPolicy)).
		Msg("data-source client pool at ceiling")

	if m.opts.EvictionPolicy == PolicyFail {
		return ErrPoolExhausted
	}
	// Eviction frees a cached slot only. When every slot is held by an
	// in-flight construction there is nothing to evict.
	if m.clientCache.len() == 0 || !m.clientCache.evictLRU() {
		return ErrPoolExhausted
	}
	m.inflight++
	return nil
}

// release returns a construction slot reserved by admit. It runs after the
// client is cached, never before, so the ceiling check always sees the slot
// as held on one side or the other.
func (m *Manager) release() {
	if m.opts.MaxClients <= 0 {
		return
	}
	m.admitMu.Lock()
	m.inflight--
	m.admitMu.Unlock()
}

// resolveContext bounds registry lookups and client construction. The parent
// cancellation is detached so one caller backing out does not fail the
// coalesced resolution every waiter shares.
func (m *Manager) resolveContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if m.opts.ResolveTimeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, m.opts.ResolveTimeout)
}

func (m *Manager) sharedConfig() dsclient.ConnectionConfig {
	cfg := m.opts.DefaultDataSource
	cfg.Shared = true
	if cfg.PoolMinConns == 0 {
		cfg.PoolMinConns = m.opts.PoolMinConns
	}
	if cfg.PoolMaxConns == 0 {
		cfg.PoolMaxConns = m.opts.PoolMaxConns
	}
	return cfg
}

func (m *Manager) buildTenantConfig(rec *registry.TenantRecord) tenantConfig {
	tc := tenantConfig{}
	if rec.HasDedicatedDataSource() {
		minConns := m.opts.PoolMinConns
		if rec.PoolMinConns > 0 {
			minConns = rec.PoolMinConns
		}
		maxConns := m.opts.PoolMaxConns
		if rec.PoolMaxConns > 0 {
			maxConns = rec.PoolMaxConns
		}
		tc.conn = dsclient.ConnectionConfig{
			URL:          rec.DataSourceURL,
			AnonKey:      rec.DataSourceAnonKey,
			ServiceKey:   rec.DataSourceServiceKey,
			Region:       rec.DataSourceRegion,
			PoolMinConns: minConns,
			PoolMaxConns: maxConns,
		}
	} else {
		tc.conn = m.sharedConfig()
	}

	if rec.TenantIDInDataSource != "" {
		tc.localID = rec.TenantIDInDataSource
	} else {
		tc.localID = crmcommon.DataSourceTenantId(rec.TenantID)
	}
	return tc
}

// clientKey keys dedicated clients by tenant and role, and shared clients by
// role alone so tenants on the default data source reuse one handle.
func (m *Manager) clientKey(tenantID crmcommon.TenantId, cfg dsclient.ConnectionConfig, role crmcommon.DataSourceRole) string {
	if cfg.Shared {
		return sharedKeyPrefix + "/" + string(role)
	}
	return string(tenantID) + "/" + string(role)
}

// asResolutionError passes typed errors through and wraps everything else.
func asResolutionError(err error) apperrors.Error {
	if aerr, ok := err.(apperrors.Error); ok {
		return aerr
	}
	return ErrResolutionFailed.Err(err)
}
