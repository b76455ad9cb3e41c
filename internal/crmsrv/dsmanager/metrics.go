package dsmanager

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// poolMetrics accumulates process-lifetime counters for the two caches.
// Counters are monotonic until an explicit reset; they are never persisted.
type poolMetrics struct {
	configHits   atomic.Uint64
	configMisses atomic.Uint64
	clientHits   atomic.Uint64
	clientMisses atomic.Uint64
	// clientsCreated counts every client ever constructed, including those
	// later evicted.
	clientsCreated  atomic.Uint64
	exhaustedEvents atomic.Uint64
}

func (m *poolMetrics) reset() {
	m.configHits.Store(0)
	m.configMisses.Store(0)
	m.clientHits.Store(0)
	m.clientMisses.Store(0)
	m.clientsCreated.Store(0)
	m.exhaustedEvents.Store(0)
}

// MetricsSnapshot is a point-in-time view of the pool counters, suitable for
// the diagnostics endpoint.
type MetricsSnapshot struct {
	ConfigCacheHits    uint64  `json:"configCacheHits"`
	ConfigCacheMisses  uint64  `json:"configCacheMisses"`
	ConfigCacheHitRate float64 `json:"configCacheHitRate"`
	ClientCacheHits    uint64  `json:"clientCacheHits"`
	ClientCacheMisses  uint64  `json:"clientCacheMisses"`
	ClientCacheHitRate float64 `json:"clientCacheHitRate"`
	ClientsCreated     uint64  `json:"clientsCreated"`
	ExhaustedEvents    uint64  `json:"exhaustedEvents"`
	ActiveClients      int     `json:"activeClients"`
	MaxClients         int     `json:"maxClients"`
	Utilization        float64 `json:"utilization"`
}

// hitRate returns hits/(hits+misses) as a percentage, 0 when there has been
// no traffic.
func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// Metrics returns a point-in-time snapshot of the pool counters.
func (m *Manager) Metrics() MetricsSnapshot {
	configHits := m.metrics.configHits.Load()
	configMisses := m.metrics.configMisses.Load()
	clientHits := m.metrics.clientHits.Load()
	clientMisses := m.metrics.clientMisses.Load()
	active := m.clientCache.len()

	var utilization float64
	if m.opts.MaxClients > 0 {
		utilization = float64(active) / float64(m.opts.MaxClients) * 100
	}

	return MetricsSnapshot{
		ConfigCacheHits:    configHits,
		ConfigCacheMisses:  configMisses,
		ConfigCacheHitRate: hitRate(configHits, configMisses),
		ClientCacheHits:    clientHits,
		ClientCacheMisses:  clientMisses,
		ClientCacheHitRate: hitRate(clientHits, clientMisses),
		ClientsCreated:     m.metrics.clientsCreated.Load(),
		ExhaustedEvents:    m.metrics.exhaustedEvents.Load(),
		ActiveClients:      active,
		MaxClients:         m.opts.MaxClients,
		Utilization:        utilization,
	}
}

// ResetMetrics zeroes all counters. Cached entries are not affected.
func (m *Manager) ResetMetrics() {
	m.metrics.reset()
}

// Prometheus descriptors. The manager doubles as a prometheus.Collector so
// the counters stay instance-scoped rather than package-global.
var (
	descConfigHits = prometheus.NewDesc(
		"planvia_datasource_config_cache_hits_total",
		"Config cache hits.", nil, nil)
	descConfigMisses = prometheus.NewDesc(
		"planvia_datasource_config_cache_misses_total",
		"Config cache misses.", nil, nil)
	descClientHits = prometheus.NewDesc(
		"planvia_datasource_client_cache_hits_total",
		"Client cache hits.", nil, nil)
	descClientMisses = prometheus.NewDesc(
		"planvia_datasource_client_cache_misses_total",
		"Client cache misses.", nil, nil)
	descClientsCreated = prometheus.NewDesc(
		"planvia_datasource_clients_created_total",
		"Data-source clients constructed since process start.", nil, nil)
	descExhausted = prometheus.NewDesc(
		"planvia_datasource_pool_exhausted_total",
		"Events where the client cache hit its configured ceiling.", nil, nil)
	descActiveClients = prometheus.NewDesc(
		"planvia_datasource_active_clients",
		"Live cached data-source clients.", nil, nil)
	descMaxClients = prometheus.NewDesc(
		"planvia_datasource_max_clients",
		"Configured ceiling of live cached clients.", nil, nil)
)

// Describe implements prometheus.Collector.
func (m *Manager) Describe(ch chan<- *prometheus.Desc) {
	ch <- descConfigHits
	ch <- descConfigMisses
	ch <- descClientHits
	ch <- descClientMisses
	ch <- descClientsCreated
	ch <- descExhausted
	ch <- descActiveClients
	ch <- descMaxClients
}

// Collect implements prometheus.Collector.
func (m *Manager) Collect(ch chan<- prometheus.Metric) {
	s := m.Metrics()
	ch <- prometheus.MustNewConstMetric(descConfigHits, prometheus.CounterValue, float64(s.ConfigCacheHits))
	ch <- prometheus.MustNewConstMetric(descConfigMisses, prometheus.CounterValue, float64(s.ConfigCacheMisses))
	ch <- prometheus.MustNewConstMetric(descClientHits, prometheus.CounterValue, float64(s.ClientCacheHits))
	ch <- prometheus.MustNewConstMetric(descClientMisses, prometheus.CounterValue, float64(s.ClientCacheMisses))
	ch <- prometheus.MustNewConstMetric(descClientsCreated, prometheus.CounterValue, float64(s.ClientsCreated))
	ch <- prometheus.MustNewConstMetric(descExhausted, prometheus.CounterValue, float64(s.ExhaustedEvents))
	ch <- prometheus.MustNewConstMetric(descActiveClients, prometheus.GaugeValue, float64(s.ActiveClients))
	ch <- prometheus.MustNewConstMetric(descMaxClients, prometheus.GaugeValue, float64(s.MaxClients))
}
