// Package dsclient provides live database client handles bound to a single
// tenant data source. Each Client owns a connection pool; connections drawn
// from it carry a managed tenant scope so every query is limited to the
// tenant the connection was scoped to. Clients are constructed through a
// Factory so the cache layer above can be exercised without a database.
package dsclient

import (
	"context"
	"database/sql"

	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
)

// ScopeTenantId is the session setting carrying the data-source tenant ID.
// Row-level security policies on the data source key off this setting.
const ScopeTenantId = "planvia.curr_tenantid"

// ConnectionConfig holds the resolved connection parameters for a tenant's
// data source. Shared marks the process-wide default data source.
type ConnectionConfig struct {
	URL          string
	AnonKey      string
	ServiceKey   string
	Region       string
	Shared       bool
	PoolMinConns int
	PoolMaxConns int
}

// Key returns the credential for the given role.
func (c ConnectionConfig) Key(role crmcommon.DataSourceRole) string {
	if role == crmcommon.RoleService {
		return c.ServiceKey
	}
	return c.AnonKey
}

// Client is a live, ready-to-use handle to one data source under one role.
type Client interface {
	// Conn returns a new scoped connection from the pool.
	Conn(ctx context.Context) (ScopedConn, error)
	// Stats returns the number of connection requests and returns.
	Stats() (requests, returns uint64)
	// Close tears down the underlying pool. Called on cache eviction.
	Close()
}

// ScopedConn is a single pooled connection with a managed tenant scope.
// It is not safe for concurrent use; one request uses one connection.
type ScopedConn interface {
	// SetTenantScope binds the connection to the given data-source tenant ID.
	SetTenantScope(ctx context.Context, tenantID crmcommon.DataSourceTenantId) error
	// DropAllScopes resets every managed scope on the connection.
	DropAllScopes(ctx context.Context) error
	// Conn returns the underlying *sql.Conn. Do not close this directly.
	// Use ScopedConn.Close(ctx) to ensure scopes are dropped safely.
	Conn() *sql.Conn
	// Close drops all scopes and returns the connection back to the pool.
	Close(ctx context.Context)
}

// Factory constructs a Client for the given config and role. The context
// bounds construction, including the connection handshake.
type Factory func(ctx context.Context, cfg ConnectionConfig, role crmcommon.DataSourceRole) (Client, error)
