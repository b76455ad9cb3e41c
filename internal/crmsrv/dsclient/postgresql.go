package dsclient

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/lib/pq"

	"github.com/rs/zerolog/log"

	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
)

// postgresConn represents a scoped connection to a tenant data source.
type postgresConn struct {
	conn   *sql.Conn
	cancel context.CancelFunc
	scoped bool
	pool   *postgresPool
}

// postgresPool owns the connection pool for one data source and role.
type postgresPool struct {
	connRequests uint64
	connReturns  uint64
	db           *sql.DB
}

// validScopeNameRegex ensures scope names are valid PostgreSQL identifiers
var validScopeNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*$`)

// sessionParams are applied to every connection handed out by the pool.
var sessionParams = []struct {
	name  string
	value string
}{
	{"lock_timeout", "5s"},
	{"statement_timeout", "5s"},
	{"idle_in_transaction_session_timeout", "5s"},
}

// formatSQLIdentifier formats a scope name for use in SQL using proper identifier quoting.
func formatSQLIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

// roleUser maps a data-source role to the database user it connects as.
func roleUser(role crmcommon.DataSourceRole) string {
	if role == crmcommon.RoleService {
		return "planvia_service"
	}
	return "planvia_anon"
}

// buildDSN injects the role's user and credential into the data-source URL.
func buildDSN(cfg ConnectionConfig, role crmcommon.DataSourceRole) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid data-source url: %w", err)
	}
	u.User = url.UserPassword(roleUser(role), cfg.Key(role))
	return u.String(), nil
}

// NewPostgresClient opens a connection pool against the data source described
// by cfg, bound to the credential for role. Construction pings the data
// source; the caller's context bounds the handshake. NewPostgresClient is a
// Factory.
func NewPostgresClient(ctx context.Context, cfg ConnectionConfig, role crmcommon.DataSourceRole) (Client, error) {
	if !role.IsValid() {
		return nil, fmt.Errorf("invalid data-source role: %s", role)
	}

	dsn, err := buildDSN(cfg, role)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to open data source")
		return nil, fmt.Errorf("failed to open data-source connection: %w", err)
	}

	maxConns := cfg.PoolMaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	minConns := cfg.PoolMinConns
	if minConns < 0 {
		minConns = 0
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(minConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		log.Ctx(ctx).Error().Err(err).Msg("failed to ping data source")
		return nil, fmt.Errorf("failed to ping data source: %w", err)
	}

	return &postgresPool{db: sqlDB}, nil
}

// Conn returns a new scoped connection from the pool.
func (p *postgresPool) Conn(ctx context.Context) (ScopedConn, error) {
	ctx, cancel := context.WithCancel(ctx)

	conn, err := p.db.Conn(ctx)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to obtain connection")
		cancel()
		return nil, fmt.Errorf("failed to obtain data-source connection: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			cancel()
			conn.Close()
			log.Ctx(ctx).Error().Interface("panic", r).Msg("recovered from panic while setting up connection")
		}
	}()

	for _, p := range sessionParams {
		query := fmt.Sprintf("SET %s = %s", formatSQLIdentifier(p.name), pq.QuoteLiteral(p.value))
		if _, err := conn.ExecContext(ctx, query); err != nil {
			cancel()
			conn.Close()
			return nil, fmt.Errorf("failed to set %s: %w", p.name, err)
		}
	}

	h := &postgresConn{
		cancel: cancel,
		pool:   p,
		conn:   conn,
	}

	// Start from a clean scope in case the pooled connection carried one.
	if err := h.DropAllScopes(ctx); err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to initialize scopes: %w", err)
	}

	atomic.AddUint64(&p.connRequests, 1)
	return h, nil
}

// Stats returns the number of connection requests and returns made on the pool.
func (p *postgresPool) Stats() (requests, returns uint64) {
	return atomic.LoadUint64(&p.connRequests), atomic.LoadUint64(&p.connReturns)
}

// OpenConns returns the number of open connections in the pool.
func (p *postgresPool) OpenConns() int {
	return p.db.Stats().OpenConnections
}

// Close tears down the underlying pool.
func (p *postgresPool) Close() {
	if err := p.db.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close data-source pool")
	}
}

// SetTenantScope binds the connection to the given data-source tenant ID.
func (h *postgresConn) SetTenantScope(ctx context.Context, tenantID crmcommon.DataSourceTenantId) error {
	if h.conn == nil {
		return fmt.Errorf("no active connection")
	}
	if tenantID == "" {
		return fmt.Errorf("empty tenant scope value")
	}
	if !validScopeNameRegex.MatchString(ScopeTenantId) {
		return fmt.Errorf("invalid scope name: %s", ScopeTenantId)
	}

	query := fmt.Sprintf("SET %s = %s", formatSQLIdentifier(ScopeTenantId), pq.QuoteLiteral(string(tenantID)))
	if _, err := h.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to set scope %q: %w", ScopeTenantId, err)
	}
	h.scoped = true
	return nil
}

// DropAllScopes resets every managed scope on the connection.
func (h *postgresConn) DropAllScopes(ctx context.Context) error {
	if h.conn == nil {
		return nil
	}

	query := fmt.Sprintf("RESET %s", formatSQLIdentifier(ScopeTenantId))
	if _, err := h.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to reset scope %q: %w", ScopeTenantId, err)
	}
	h.scoped = false
	return nil
}

// Conn returns the underlying connection.
func (h *postgresConn) Conn() *sql.Conn {
	return h.conn
}

// Close drops the tenant scope, if set, and returns the connection back to
// the pool.
func (h *postgresConn) Close(ctx context.Context) {
	if h.conn == nil {
		return
	}

	if h.scoped {
		if err := h.DropAllScopes(ctx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("failed to drop scopes during connection close")
		}
	}

	h.conn.Close()
	if h.cancel != nil {
		h.cancel()
	}

	atomic.AddUint64(&h.pool.connReturns, 1)
}
