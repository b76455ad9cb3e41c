// Package config loads and validates the CRM service configuration from a
// TOML file. Data-source cache tuning has documented defaults so the service
// is usable with a minimal configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is the supported configuration file format version.
const Version = "0.1"

// AuthConfig holds authentication-related configuration
type AuthConfig struct {
	TokenSigningSecret   string `toml:"token_signing_secret"`   // HMAC secret for session tokens
	AdminTokenHash       string `toml:"admin_token_hash"`       // Argon2id hash of the admin token
	MaxTokenAge          string `toml:"max_token_age"`          // Maximum age for tokens
	ClockSkew            string `toml:"clock_skew"`             // Allowed clock skew for time-based claims
	DefaultTokenValidity string `toml:"default_token_validity"` // Default token validity duration
	TestUserToken        string `toml:"-"`                      // Token for internal unit test mode
}

// GetMaxTokenAge returns the maximum token age as time.Duration
func (a *AuthConfig) GetMaxTokenAge() (time.Duration, error) {
	return ParseDuration(a.MaxTokenAge)
}

// GetClockSkew returns the allowed clock skew as time.Duration
func (a *AuthConfig) GetClockSkew() (time.Duration, error) {
	return ParseDuration(a.ClockSkew)
}

// GetMaxTokenAgeOrDefault returns the maximum token age as time.Duration
// or panics if the value is invalid
func (a *AuthConfig) GetMaxTokenAgeOrDefault() time.Duration {
	duration, err := a.GetMaxTokenAge()
	if err != nil {
		panic(fmt.Sprintf("invalid max token age: %v", err))
	}
	return duration
}

// GetClockSkewOrDefault returns the allowed clock skew as time.Duration
// or panics if the value is invalid
func (a *AuthConfig) GetClockSkewOrDefault() time.Duration {
	duration, err := a.GetClockSkew()
	if err != nil {
		panic(fmt.Sprintf("invalid clock skew: %v", err))
	}
	return duration
}

// DefaultDataSourceConfig describes the shared data source used by tenants
// without a dedicated one and by public, unauthenticated surfaces.
type DefaultDataSourceConfig struct {
	URL        string `toml:"url"`
	AnonKey    string `toml:"anon_key"`
	ServiceKey string `toml:"service_key"`
	Region     string `toml:"region"`
}

// DataSourceConfig tunes the per-tenant connection cache and pool manager.
// Zero values are replaced by documented defaults at load time.
type DataSourceConfig struct {
	MaxClients     int    `toml:"max_clients"`      // ceiling of live cached clients (default 20)
	ConfigCacheTTL string `toml:"config_cache_ttl"` // default "5m"
	ClientCacheTTL string `toml:"client_cache_ttl"` // default "30m"
	SweepInterval  string `toml:"sweep_interval"`   // default "1m"
	EvictionPolicy string `toml:"eviction_policy"`  // "lru" (default) or "fail"
	ResolveTimeout string `toml:"resolve_timeout"`  // registry lookup / client construction bound, default "10s"
	MetricsEnabled bool   `toml:"metrics_enabled"`  // serve /metrics and register collectors
	PoolMinConns   int    `toml:"pool_min_conns"`   // per-client pool floor, default 2
	PoolMaxConns   int    `toml:"pool_max_conns"`   // per-client pool ceiling, default 10
}

// GetConfigCacheTTL returns the config cache TTL as time.Duration
func (d *DataSourceConfig) GetConfigCacheTTL() time.Duration {
	return mustParseDuration("datasource.config_cache_ttl", d.ConfigCacheTTL)
}

// GetClientCacheTTL returns the client cache TTL as time.Duration
func (d *DataSourceConfig) GetClientCacheTTL() time.Duration {
	return mustParseDuration("datasource.client_cache_ttl", d.ClientCacheTTL)
}

// GetSweepInterval returns the cache sweep interval as time.Duration
func (d *DataSourceConfig) GetSweepInterval() time.Duration {
	return mustParseDuration("datasource.sweep_interval", d.SweepInterval)
}

// GetResolveTimeout returns the resolution timeout as time.Duration
func (d *DataSourceConfig) GetResolveTimeout() time.Duration {
	return mustParseDuration("datasource.resolve_timeout", d.ResolveTimeout)
}

func mustParseDuration(field, v string) time.Duration {
	d, err := ParseDuration(v)
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %v", field, err))
	}
	return d
}

// ConfigParam holds all configuration parameters for the CRM service
type ConfigParam struct {
	// Configuration version
	FormatVersion string `toml:"format_version"` // Version of this configuration file format

	// Server configuration
	ServerHostName     string `toml:"server_hostname"`       // Hostname for the server
	ServerPort         string `toml:"server_port"`           // Port for the main server
	HandleCORS         bool   `toml:"handle_cors"`           // Whether to handle CORS
	MaxRequestBodySize int64  `toml:"max_request_body_size"` // Maximum size of request body in bytes
	RequestTimeout     string `toml:"request_timeout"`       // Per-request handler timeout

	// Registry database configuration (control plane)
	RegistryDB struct {
		Host     string `toml:"host"`     // Database host
		Port     int    `toml:"port"`     // Database port
		DBName   string `toml:"dbname"`   // Database name
		User     string `toml:"user"`     // Database user
		Password string `toml:"password"` // Database password
		SSLMode  string `toml:"sslmode"`  // SSL mode for database connection
	} `toml:"registrydb"`

	// Shared default data source
	DefaultDataSource DefaultDataSourceConfig `toml:"defaultdatasource"`

	// Data-source cache and pool configuration
	DataSource DataSourceConfig `toml:"datasource"`

	// Auth configuration
	Auth AuthConfig `toml:"auth"`
}

var cfg *ConfigParam

// Config returns the current configuration
func Config() *ConfigParam {
	return cfg
}

// RegistryDSN returns the connection string for the registry database
func (c *ConfigParam) RegistryDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.RegistryDB.Host, c.RegistryDB.Port, c.RegistryDB.User, c.RegistryDB.Password,
		c.RegistryDB.DBName, c.RegistryDB.SSLMode)
}

// GetRequestTimeout returns the per-request timeout as time.Duration
func (c *ConfigParam) GetRequestTimeout() time.Duration {
	return mustParseDuration("request_timeout", c.RequestTimeout)
}

// ParseDuration parses a duration string in the format "<number><unit>" where unit can be:
// - d: days
// - h: hours
// - m: minutes
// - s: seconds
func ParseDuration(input string) (time.Duration, error) {
	if len(input) < 2 {
		return 0, fmt.Errorf("invalid input format")
	}

	// Extract the unit and the value from the input string
	unit := input[len(input)-1:]
	valueStr := input[:len(input)-1]
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %s", err)
	}

	var duration time.Duration
	switch unit {
	case "d":
		duration = time.Duration(value) * 24 * time.Hour
	case "h":
		duration = time.Duration(value) * time.Hour
	case "m":
		duration = time.Duration(value) * time.Minute
	case "s":
		duration = time.Duration(value) * time.Second
	default:
		return 0, fmt.Errorf("unknown time unit: %s", unit)
	}

	return duration, nil
}

// applyDefaults fills in documented defaults for optional settings.
func applyDefaults(cfg *ConfigParam) {
	if cfg.RequestTimeout == "" {
		cfg.RequestTimeout = "30s"
	}
	if cfg.MaxRequestBodySize == 0 {
		cfg.MaxRequestBodySize = 1 << 20 // 1 MiB
	}
	ds := &cfg.DataSource
	if ds.MaxClients == 0 {
		ds.MaxClients = 20
	}
	if ds.ConfigCacheTTL == "" {
		ds.ConfigCacheTTL = "5m"
	}
	if ds.ClientCacheTTL == "" {
		ds.ClientCacheTTL = "30m"
	}
	if ds.SweepInterval == "" {
		ds.SweepInterval = "1m"
	}
	if ds.EvictionPolicy == "" {
		ds.EvictionPolicy = "lru"
	}
	if ds.ResolveTimeout == "" {
		ds.ResolveTimeout = "10s"
	}
	if ds.PoolMinConns == 0 {
		ds.PoolMinConns = 2
	}
	if ds.PoolMaxConns == 0 {
		ds.PoolMaxConns = 10
	}
	if cfg.Auth.MaxTokenAge == "" {
		cfg.Auth.MaxTokenAge = "24h"
	}
	if cfg.Auth.ClockSkew == "" {
		cfg.Auth.ClockSkew = "2m"
	}
	if cfg.Auth.DefaultTokenValidity == "" {
		cfg.Auth.DefaultTokenValidity = "12h"
	}
}

// ValidateConfig checks if all required configuration values are present and valid
func ValidateConfig(cfg *ConfigParam) error {
	if err := validateConfigFormatVersion(cfg); err != nil {
		return err
	}
	if err := validateServerConfig(cfg); err != nil {
		return err
	}
	if err := validateRegistryDBConfig(cfg); err != nil {
		return err
	}
	if err := validateDataSourceConfig(cfg); err != nil {
		return err
	}
	if err := validateAuthConfig(cfg); err != nil {
		return err
	}
	return nil
}

func validateConfigFormatVersion(cfg *ConfigParam) error {
	if cfg.FormatVersion != Version {
		return fmt.Errorf("unsupported config file format version: %s", cfg.FormatVersion)
	}
	return nil
}

func validateServerConfig(cfg *ConfigParam) error {
	if cfg.ServerPort == "" {
		return fmt.Errorf("server_port is required")
	}
	if _, err := ParseDuration(cfg.RequestTimeout); err != nil {
		return fmt.Errorf("invalid request_timeout: %v", err)
	}
	return nil
}

func validateRegistryDBConfig(cfg *ConfigParam) error {
	if cfg.RegistryDB.Host == "" {
		return fmt.Errorf("registrydb.host is required")
	}
	if cfg.RegistryDB.Port <= 0 {
		return fmt.Errorf("registrydb.port must be positive")
	}
	if cfg.RegistryDB.DBName == "" {
		return fmt.Errorf("registrydb.dbname is required")
	}
	if cfg.RegistryDB.User == "" {
		return fmt.Errorf("registrydb.user is required")
	}
	if cfg.RegistryDB.Password == "" {
		return fmt.Errorf("registrydb.password is required")
	}
	if cfg.RegistryDB.SSLMode == "" {
		return fmt.Errorf("registrydb.sslmode is required")
	}
	return nil
}

func validateDataSourceConfig(cfg *ConfigParam) error {
	ds := &cfg.DataSource
	if ds.MaxClients < 0 {
		return fmt.Errorf("datasource.max_clients must be positive")
	}
	if ds.EvictionPolicy != "lru" && ds.EvictionPolicy != "fail" {
		return fmt.Errorf("datasource.eviction_policy must be %q or %q", "lru", "fail")
	}
	for field, v := range map[string]string{
		"datasource.config_cache_ttl": ds.ConfigCacheTTL,
		"datasource.client_cache_ttl": ds.ClientCacheTTL,
		"datasource.sweep_interval":   ds.SweepInterval,
		"datasource.resolve_timeout":  ds.ResolveTimeout,
	} {
		if _, err := ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %v", field, err)
		}
	}
	if ds.PoolMinConns > ds.PoolMaxConns {
		return fmt.Errorf("datasource.pool_min_conns must not exceed datasource.pool_max_conns")
	}
	if cfg.DefaultDataSource.URL == "" {
		return fmt.Errorf("defaultdatasource.url is required")
	}
	if cfg.DefaultDataSource.AnonKey == "" || cfg.DefaultDataSource.ServiceKey == "" {
		return fmt.Errorf("defaultdatasource anon_key and service_key are required")
	}
	return nil
}

func validateAuthConfig(cfg *ConfigParam) error {
	if cfg.Auth.TokenSigningSecret == "" {
		return fmt.Errorf("auth.token_signing_secret is required")
	}
	if _, err := ParseDuration(cfg.Auth.MaxTokenAge); err != nil {
		return fmt.Errorf("invalid auth.max_token_age: %v", err)
	}
	if _, err := ParseDuration(cfg.Auth.ClockSkew); err != nil {
		return fmt.Errorf("invalid auth.clock_skew: %v", err)
	}
	cfg.Auth.TestUserToken = "test-user-token"
	return nil
}

// LoadConfig loads configuration from a file
func LoadConfig(filename string) error {
	if filename == "" {
		return fmt.Errorf("config filename is required")
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	c := &ConfigParam{}
	if _, err := toml.Decode(string(content), c); err != nil {
		return fmt.Errorf("error parsing config file: %v", err)
	}

	applyDefaults(c)

	if err := ValidateConfig(c); err != nil {
		return fmt.Errorf("invalid configuration: %v", err)
	}

	cfg = c
	return nil
}

var isTest = false

func IsTest() bool {
	return isTest
}

func SetTestMode(test bool) {
	isTest = test
}

// TestInit loads the checked-in server config for tests. It walks up from the
// working directory to the project root (go.mod) to locate the file.
func TestInit() {
	isTest = true
	wd, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	projectRoot := wd
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			panic("could not find project root (go.mod)")
		}
		projectRoot = parent
	}
	if err := LoadConfig(filepath.Join(projectRoot, "crmsrv.conf")); err != nil {
		panic(fmt.Errorf("error loading config: %v", err))
	}
}
