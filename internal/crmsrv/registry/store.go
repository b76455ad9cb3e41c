// Package registry provides read access to the durable tenant registry: the
// mapping from application tenant IDs to data-source connection parameters
// and local tenant identifiers. The accessor is deliberately cache-free;
// caching is layered on top by the data-source manager so cache policy stays
// in one place.
package registry

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog/log"

	"github.com/planvia/planvia/internal/common/apperrors"
	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
)

// Store is the durable TenantRecord source of truth.
type Store interface {
	// GetTenantRecord returns the record for the given tenant ID, or
	// ErrTenantNotFound when no record exists.
	GetTenantRecord(ctx context.Context, tenantID crmcommon.TenantId) (*TenantRecord, apperrors.Error)
}

// postgresStore reads tenant records from the registry database.
type postgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a Store backed by the given registry database handle.
func NewPostgresStore(db *sql.DB) Store {
	return &postgresStore{db: db}
}

func (s *postgresStore) GetTenantRecord(ctx context.Context, tenantID crmcommon.TenantId) (*TenantRecord, apperrors.Error) {
	query := `
		SELECT tenant_id,
		       COALESCE(ds_url, ''),
		       COALESCE(ds_anon_key, ''),
		       COALESCE(ds_service_key, ''),
		       COALESCE(ds_region, ''),
		       COALESCE(tenant_id_in_ds, ''),
		       COALESCE(pool_min_conns, 0),
		       COALESCE(pool_max_conns, 0),
		       created_at,
		       updated_at
		FROM tenant_datasources
		WHERE tenant_id = $1;
	`

	row := s.db.QueryRowContext(ctx, query, string(tenantID))

	var rec TenantRecord
	err := row.Scan(
		&rec.TenantID,
		&rec.DataSourceURL,
		&rec.DataSourceAnonKey,
		&rec.DataSourceServiceKey,
		&rec.DataSourceRegion,
		&rec.TenantIDInDataSource,
		&rec.PoolMinConns,
		&rec.PoolMaxConns,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			log.Ctx(ctx).Error().Str("tenant_id", string(tenantID)).Msg("tenant not found in registry")
			return nil, ErrTenantNotFound
		}
		log.Ctx(ctx).Error().Err(err).Str("tenant_id", string(tenantID)).Msg("failed to read tenant record")
		return nil, ErrLookupFailed.Err(err)
	}

	return &rec, nil
}
