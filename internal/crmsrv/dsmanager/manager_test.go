package dsmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planvia/planvia/internal/common/apperrors"
	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
	"github.com/planvia/planvia/internal/crmsrv/dsclient"
	"github.com/planvia/planvia/internal/crmsrv/registry"
)

// fakeClock is a manually advanced clock shared by both caches in a test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeStore is an in-memory registry.Store that counts lookups.
type fakeStore struct {
	mu      sync.Mutex
	records map[crmcommon.TenantId]*registry.TenantRecord
	err     apperrors.Error
	lookups int
}

func (s *fakeStore) GetTenantRecord(ctx context.Context, tenantID crmcommon.TenantId) (*registry.TenantRecord, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	rec, ok := s.records[tenantID]
	if !ok {
		return nil, registry.ErrTenantNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

func (s *fakeStore) setErr(err apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// fakeClient records whether its pool has been torn down.
type fakeClient struct {
	url    string
	role   crmcommon.DataSourceRole
	closed atomic.Bool
}

func (c *fakeClient) Conn(ctx context.Context) (dsclient.ScopedConn, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeClient) Stats() (uint64, uint64) { return 0, 0 }

func (c *fakeClient) Close() { c.closed.Store(true) }

var _ dsclient.Client = (*fakeClient)(nil)

// fakeFactory builds fakeClients, counting constructions. An optional delay
// simulates slow connection handshakes for coalescing tests.
type fakeFactory struct {
	mu      sync.Mutex
	built   []*fakeClient
	delay   time.Duration
	failErr error
}

func (f *fakeFactory) new(ctx context.Context, cfg dsclient.ConnectionConfig, role crmcommon.DataSourceRole) (dsclient.Client, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	c := &fakeClient{url: cfg.URL, role: role}
	f.built = append(f.built, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *fakeFactory) clients() []*fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeClient(nil), f.built...)
}

func dedicatedRecord(id crmcommon.TenantId) *registry.TenantRecord {
	return &registry.TenantRecord{
		TenantID:             id,
		DataSourceURL:        "postgres://db-" + string(id) + ".internal:5432/app",
		DataSourceAnonKey:    "anon-" + string(id),
		DataSourceServiceKey: "service-" + string(id),
		DataSourceRegion:     "eu-central-1",
	}
}

func sharedRecord(id crmcommon.TenantId) *registry.TenantRecord {
	return &registry.TenantRecord{TenantID: id}
}

func testOptions() Options {
	return Options{
		MaxClients:     20,
		ConfigCacheTTL: 5 * time.Minute,
		ClientCacheTTL: 30 * time.Minute,
		ResolveTimeout: 10 * time.Second,
		EvictionPolicy: PolicyLRU,
		DefaultDataSource: dsclient.ConnectionConfig{
			URL:        "postgres://shared.internal:5432/app",
			AnonKey:    "shared-anon",
			ServiceKey: "shared-service",
			Region:     "eu-central-1",
			Shared:     true,
		},
		PoolMinConns: 2,
		PoolMaxConns: 10,
	}
}

func newTestManager(t *testing.T, store *fakeStore, factory *fakeFactory, opts Options) (*Manager, *fakeClock) {
	t.Helper()
	m := New(registry.NewAccess(store), factory.new, opts)
	t.Cleanup(m.Stop)
	clock := newFakeClock()
	m.configCache.now = clock.Now
	m.clientCache.now = clock.Now
	return m, clock
}

func TestGetConfigCacheAside(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"acme": dedicatedRecord("acme"),
	}}
	m, _ := newTestManager(t, store, &fakeFactory{}, testOptions())

	cfg, err := m.GetConfig(ctx, "acme")
	require.Nil(t, err)
	assert.Equal(t, "postgres://db-acme.internal:5432/app", cfg.URL)
	assert.False(t, cfg.Shared)
	assert.Equal(t, 1, store.lookupCount())

	// Second call is served from cache.
	cfg2, err := m.GetConfig(ctx, "acme")
	require.Nil(t, err)
	assert.Equal(t, cfg, cfg2)
	assert.Equal(t, 1, store.lookupCount())

	snap := m.Metrics()
	assert.Equal(t, uint64(1), snap.ConfigCacheHits)
	assert.Equal(t, uint64(1), snap.ConfigCacheMisses)
}

func TestGetConfigSharedTenant(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"smallco": sharedRecord("smallco"),
	}}
	m, _ := newTestManager(t, store, &fakeFactory{}, testOptions())

	cfg, err := m.GetConfig(ctx, "smallco")
	require.Nil(t, err)
	assert.True(t, cfg.Shared)
	assert.Equal(t, "postgres://shared.internal:5432/app", cfg.URL)
	assert.Equal(t, 2, cfg.PoolMinConns)
	assert.Equal(t, 10, cfg.PoolMaxConns)
}

func TestConfigCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"acme": dedicatedRecord("acme"),
	}}
	m, clock := newTestManager(t, store, &fakeFactory{}, testOptions())

	_, err := m.GetConfig(ctx, "acme")
	require.Nil(t, err)
	require.Equal(t, 1, store.lookupCount())

	// Within TTL: cached.
	clock.Advance(4 * time.Minute)
	_, err = m.GetConfig(ctx, "acme")
	require.Nil(t, err)
	assert.Equal(t, 1, store.lookupCount())

	// Past TTL: re-resolved.
	clock.Advance(2 * time.Minute)
	_, err = m.GetConfig(ctx, "acme")
	require.Nil(t, err)
	assert.Equal(t, 2, store.lookupCount())
}

func TestLookupFailureNotCached(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"acme": dedicatedRecord("acme"),
	}}
	store.setErr(registry.ErrLookupFailed)
	m, _ := newTestManager(t, store, &fakeFactory{}, testOptions())

	_, err := m.GetConfig(ctx, "acme")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, registry.ErrLookupFailed)

	// The failure was not cached; the next call retries and succeeds.
	store.setErr(nil)
	cfg, err := m.GetConfig(ctx, "acme")
	require.Nil(t, err)
	assert.Equal(t, "postgres://db-acme.internal:5432/app", cfg.URL)
	assert.Equal(t, 2, store.lookupCount())
}

func TestGhostTenantNotCached(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{}}
	m, _ := newTestManager(t, store, &fakeFactory{}, testOptions())

	_, err := m.GetConfig(ctx, "ghost")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, registry.ErrTenantNotFound)

	_, err = m.GetConfig(ctx, "ghost")
	require.NotNil(t, err)
	assert.Equal(t, 2, store.lookupCount())
}

func TestGetLocalTenantID(t *testing.T) {
	ctx := context.Background()
	mapped := dedicatedRecord("acme")
	mapped.TenantIDInDataSource = "42"
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"acme":    mapped,
		"smallco": sharedRecord("smallco"),
	}}
	m, _ := newTestManager(t, store, &fakeFactory{}, testOptions())

	localID, err := m.GetLocalTenantID(ctx, "acme")
	require.Nil(t, err)
	assert.Equal(t, crmcommon.DataSourceTenantId("42"), localID)

	// No mapping set: identity.
	localID, err = m.GetLocalTenantID(ctx, "smallco")
	require.Nil(t, err)
	assert.Equal(t, crmcommon.DataSourceTenantId("smallco"), localID)
}

func TestGetClientDedicated(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"acme": dedicatedRecord("acme"),
	}}
	factory := &fakeFactory{}
	m, _ := newTestManager(t, store, factory, testOptions())

	c1, err := m.GetClient(ctx, "acme", crmcommon.RoleService)
	require.Nil(t, err)
	require.NotNil(t, c1)
	assert.Equal(t, 1, factory.count())

	c2, err := m.GetClient(ctx, "acme", crmcommon.RoleService)
	require.Nil(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, factory.count())

	// A different role gets its own client.
	c3, err := m.GetClient(ctx, "acme", crmcommon.RoleAnon)
	require.Nil(t, err)
	assert.NotSame(t, c1, c3)
	assert.Equal(t, 2, factory.count())

	snap := m.Metrics()
	assert.Equal(t, uint64(1), snap.ClientCacheHits)
	assert.Equal(t, uint64(2), snap.ClientCacheMisses)
	assert.Equal(t, uint64(2), snap.ClientsCreated)
}

func TestSharedTenantsReuseOneClient(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"alpha": sharedRecord("alpha"),
		"beta":  sharedRecord("beta"),
	}}
	factory := &fakeFactory{}
	m, _ := newTestManager(t, store, factory, testOptions())

	c1, err := m.GetClient(ctx, "alpha", crmcommon.RoleService)
	require.Nil(t, err)
	c2, err := m.GetClient(ctx, "beta", crmcommon.RoleService)
	require.Nil(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, factory.count())

	// The public entry point lands on the same handle.
	c3, err := m.SharedClient(ctx, crmcommon.RoleService)
	require.Nil(t, err)
	assert.Same(t, c1, c3)
}

func TestTenantNamedSharedKeepsOwnClient(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"shared": dedicatedRecord("shared"),
	}}
	factory := &fakeFactory{}
	m, _ := newTestManager(t, store, factory, testOptions())

	// A tenant provisioned under the name "shared" must not alias the
	// shared default handle.
	dedicated, err := m.GetClient(ctx, "shared", crmcommon.RoleService)
	require.Nil(t, err)
	public, err := m.SharedClient(ctx, crmcommon.RoleService)
	require.Nil(t, err)
	assert.NotSame(t, dedicated, public)
	assert.Equal(t, 2, factory.count())

	// Invalidating that tenant leaves the shared handle untouched.
	m.Invalidate("shared")
	clients := factory.clients()
	require.Len(t, clients, 2)
	assert.True(t, clients[0].closed.Load())
	assert.False(t, clients[1].closed.Load())

	again, err := m.SharedClient(ctx, crmcommon.RoleService)
	require.Nil(t, err)
	assert.Same(t, public, again)
}

func TestGetClientInvalidRole(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"acme": dedicatedRecord("acme"),
	}}
	m, _ := newTestManager(t, store, &fakeFactory{}, testOptions())

	_, err := m.GetClient(ctx, "acme", "superuser")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = m.SharedClient(ctx, "")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestConcurrentGetClientCoalesces(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"acme": dedicatedRecord("acme"),
	}}
	factory := &fakeFactory{delay: 50 * time.Millisecond}
	m, _ := newTestManager(t, store, factory, testOptions())

	const callers = 8
	var wg sync.WaitGroup
	results := make([]dsclient.Client, callers)
	errs := make([]apperrors.Error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetClient(ctx, "acme", crmcommon.RoleService)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.Nil(t, errs[i])
	}
	assert.Equal(t, 1, factory.count())
	for i := 1; i < callers; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, uint64(1), m.Metrics().ClientsCreated)
}

func TestEvictionLRU(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"t1": dedicatedRecord("t1"),
		"t2": dedicatedRecord("t2"),
		"t3": dedicatedRecord("t3"),
	}}
	factory := &fakeFactory{}
	opts := testOptions()
	opts.MaxClients = 2
	m, clock := newTestManager(t, store, factory, opts)

	c1, err := m.GetClient(ctx, "t1", crmcommon.RoleService)
	require.Nil(t, err)
	clock.Advance(time.Second)
	_, err = m.GetClient(ctx, "t2", crmcommon.RoleService)
	require.Nil(t, err)

	// Touch t1 so t2 becomes least recently used.
	clock.Advance(time.Second)
	_, err = m.GetClient(ctx, "t1", crmcommon.RoleService)
	require.Nil(t, err)

	clock.Advance(time.Second)
	_, err = m.GetClient(ctx, "t3", crmcommon.RoleService)
	require.Nil(t, err)

	clients := factory.clients()
	require.Len(t, clients, 3)
	assert.False(t, clients[0].closed.Load(), "t1 was recently used and must survive")
	assert.True(t, clients[1].closed.Load(), "t2 was LRU and must be evicted and closed")
	assert.False(t, clients[2].closed.Load())

	snap := m.Metrics()
	assert.Equal(t, uint64(1), snap.ExhaustedEvents)
	assert.Equal(t, 2, snap.ActiveClients)

	// t1 is still cached and served without reconstruction.
	c1again, err := m.GetClient(ctx, "t1", crmcommon.RoleService)
	require.Nil(t, err)
	assert.Same(t, c1, c1again)
	assert.Equal(t, 3, factory.count())
}

func TestConcurrentDistinctTenantsHoldCeiling(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"t1": dedicatedRecord("t1"),
		"t2": dedicatedRecord("t2"),
	}}
	factory := &fakeFactory{delay: 50 * time.Millisecond}
	opts := testOptions()
	opts.MaxClients = 1
	m, _ := newTestManager(t, store, factory, opts)

	// Two first-time constructions for distinct tenants race for one slot.
	// Exactly one may build; the loser is rejected, not let through.
	var wg sync.WaitGroup
	errs := make([]apperrors.Error, 2)
	for i, id := range []crmcommon.TenantId{"t1", "t2"} {
		wg.Add(1)
		go func(i int, id crmcommon.TenantId) {
			defer wg.Done()
			_, errs[i] = m.GetClient(ctx, id, crmcommon.RoleService)
		}(i, id)
	}
	wg.Wait()

	var failed int
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrPoolExhausted)
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, factory.count())

	snap := m.Metrics()
	assert.LessOrEqual(t, snap.ActiveClients, opts.MaxClients)
	assert.Equal(t, uint64(1), snap.ExhaustedEvents)

	// Once the winner has landed, the loser gets through by evicting it.
	_, err := m.GetClient(ctx, "t1", crmcommon.RoleService)
	require.Nil(t, err)
	_, err = m.GetClient(ctx, "t2", crmcommon.RoleService)
	require.Nil(t, err)
	assert.Equal(t, 1, m.Metrics().ActiveClients)
}

func TestEvictionPolicyFail(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"t1": dedicatedRecord("t1"),
		"t2": dedicatedRecord("t2"),
		"t3": dedicatedRecord("t3"),
	}}
	factory := &fakeFactory{}
	opts := testOptions()
	opts.MaxClients = 2
	opts.EvictionPolicy = PolicyFail
	m, _ := newTestManager(t, store, factory, opts)

	_, err := m.GetClient(ctx, "t1", crmcommon.RoleService)
	require.Nil(t, err)
	_, err = m.GetClient(ctx, "t2", crmcommon.RoleService)
	require.Nil(t, err)

	_, err = m.GetClient(ctx, "t3", crmcommon.RoleService)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 2, factory.count())
	assert.Equal(t, uint64(1), m.Metrics().ExhaustedEvents)

	// Cached tenants are unaffected.
	_, err = m.GetClient(ctx, "t1", crmcommon.RoleService)
	require.Nil(t, err)
}

func TestClientCacheTTLExpiryClosesClient(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"acme": dedicatedRecord("acme"),
	}}
	factory := &fakeFactory{}
	m, clock := newTestManager(t, store, factory, testOptions())

	_, err := m.GetClient(ctx, "acme", crmcommon.RoleService)
	require.Nil(t, err)

	clock.Advance(31 * time.Minute)
	m.SweepExpired()

	clients := factory.clients()
	require.Len(t, clients, 1)
	assert.True(t, clients[0].closed.Load())

	// Next call rebuilds config and client.
	_, err = m.GetClient(ctx, "acme", crmcommon.RoleService)
	require.Nil(t, err)
	assert.Equal(t, 2, factory.count())
	assert.Equal(t, 2, store.lookupCount())
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"acme":    dedicatedRecord("acme"),
		"smallco": sharedRecord("smallco"),
	}}
	factory := &fakeFactory{}
	m, _ := newTestManager(t, store, factory, testOptions())

	_, err := m.GetClient(ctx, "acme", crmcommon.RoleService)
	require.Nil(t, err)
	_, err = m.GetClient(ctx, "smallco", crmcommon.RoleService)
	require.Nil(t, err)
	require.Equal(t, 2, store.lookupCount())

	m.Invalidate("acme")

	clients := factory.clients()
	require.Len(t, clients, 2)
	assert.True(t, clients[0].closed.Load(), "dedicated client must be closed on invalidation")
	assert.False(t, clients[1].closed.Load(), "shared client serves other tenants and must survive")

	// The next call re-reads the registry.
	_, err = m.GetClient(ctx, "acme", crmcommon.RoleService)
	require.Nil(t, err)
	assert.Equal(t, 3, store.lookupCount())
	assert.Equal(t, 3, factory.count())

	// Invalidating an uncached tenant is a no-op.
	m.Invalidate("never-seen")
}

func TestGetConnectionInfo(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"acme": dedicatedRecord("acme"),
	}}
	m, _ := newTestManager(t, store, &fakeFactory{}, testOptions())

	info, err := m.GetConnectionInfo(ctx, "acme")
	require.Nil(t, err)
	assert.Equal(t, "postgres://db-acme.internal:5432/app", info.URL)
	assert.Equal(t, "eu-central-1", info.Region)
	assert.False(t, info.Shared)
	assert.False(t, info.IsCached, "first observation precedes caching")

	info, err = m.GetConnectionInfo(ctx, "acme")
	require.Nil(t, err)
	assert.True(t, info.IsCached)
}

func TestStopClosesClients(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"acme": dedicatedRecord("acme"),
	}}
	factory := &fakeFactory{}
	m, _ := newTestManager(t, store, factory, testOptions())

	_, err := m.GetClient(ctx, "acme", crmcommon.RoleService)
	require.Nil(t, err)

	m.Stop()
	m.Stop() // idempotent

	clients := factory.clients()
	require.Len(t, clients, 1)
	assert.True(t, clients[0].closed.Load())
}

func TestPoolSizingOverrides(t *testing.T) {
	ctx := context.Background()
	rec := dedicatedRecord("acme")
	rec.PoolMinConns = 5
	rec.PoolMaxConns = 50
	store := &fakeStore{records: map[crmcommon.TenantId]*registry.TenantRecord{
		"acme":  rec,
		"other": dedicatedRecord("other"),
	}}
	m, _ := newTestManager(t, store, &fakeFactory{}, testOptions())

	cfg, err := m.GetConfig(ctx, "acme")
	require.Nil(t, err)
	assert.Equal(t, 5, cfg.PoolMinConns)
	assert.Equal(t, 50, cfg.PoolMaxConns)

	// Without overrides the configured defaults apply.
	cfg, err = m.GetConfig(ctx, "other")
	require.Nil(t, err)
	assert.Equal(t, 2, cfg.PoolMinConns)
	assert.Equal(t, 10, cfg.PoolMaxConns)
}
