package registry

import (
	"time"

	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
)

// TenantRecord is the durable mapping from a tenant's application identity to
// its data-source connection parameters and local identifier. Empty connection
// fields mean the tenant lives on the shared default data source. Either all
// of DataSourceURL, DataSourceAnonKey and DataSourceServiceKey are set, or
// none are; partial records are rejected at the access boundary.
type TenantRecord struct {
	TenantID             crmcommon.TenantId
	DataSourceURL        string
	DataSourceAnonKey    string
	DataSourceServiceKey string
	// DataSourceRegion is informational, used for observability only.
	DataSourceRegion string
	// TenantIDInDataSource is the tenant's identifier inside the target data
	// source. Empty means the application tenant ID is used as-is.
	TenantIDInDataSource crmcommon.DataSourceTenantId
	// Pool sizing overrides for tenants with a dedicated data source.
	// Zero means "use the configured default".
	PoolMinConns int
	PoolMaxConns int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasDedicatedDataSource reports whether the record points at a dedicated
// data source rather than the shared default.
func (r *TenantRecord) HasDedicatedDataSource() bool {
	return r.DataSourceURL != ""
}
