package registry

import (
	"context"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/planvia/planvia/internal/common/apperrors"
	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
)

// Access is the read-through accessor over the tenant registry. It validates
// record completeness once at this boundary so call sites never have to
// re-check half-configured records.
type Access struct {
	store    Store
	validate *validator.Validate
}

// NewAccess returns an Access over the given store.
func NewAccess(store Store) *Access {
	v := validator.New()
	v.RegisterStructValidation(tenantRecordStructLevel, TenantRecord{})
	return &Access{store: store, validate: v}
}

// validTenantID is the charset tenants are provisioned under. Cache keys
// downstream join tenant ID and role with "/" and reserve a "!" prefix for
// shared-handle entries, so both characters must stay out of tenant IDs.
var validTenantID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// tenantRecordStructLevel enforces the all-or-none invariant on the
// connection fields. The registry schema enforces this with a constraint as
// well, but records are re-checked here so a bad row is surfaced as
// ErrConfigNotFound instead of leaking into client construction.
func tenantRecordStructLevel(sl validator.StructLevel) {
	rec := sl.Current().Interface().(TenantRecord)
	set := 0
	for _, v := range []string{rec.DataSourceURL, rec.DataSourceAnonKey, rec.DataSourceServiceKey} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		sl.ReportError(rec.DataSourceURL, "DataSourceURL", "ds_url", "allornone", "")
	}
}

// Lookup returns the validated registry record for the tenant.
// Returns ErrTenantNotFound for malformed tenant IDs and when no record
// exists, and ErrConfigNotFound when the record violates the completeness
// invariant.
func (a *Access) Lookup(ctx context.Context, tenantID crmcommon.TenantId) (*TenantRecord, apperrors.Error) {
	if tenantID == "" {
		return nil, ErrTenantNotFound.Msg("empty tenant ID")
	}
	if !validTenantID.MatchString(string(tenantID)) {
		return nil, ErrTenantNotFound.Msg("malformed tenant ID")
	}

	rec, err := a.store.GetTenantRecord(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if verr := a.validate.Struct(*rec); verr != nil {
		log.Ctx(ctx).Error().Err(verr).Str("tenant_id", string(tenantID)).
			Msg("tenant record violates connection field invariant")
		return nil, ErrConfigNotFound.Err(verr)
	}

	return rec, nil
}

// ResolveLocalTenantID translates the application tenant ID into the
// identifier used inside the tenant's data source. Identity mapping is the
// default; the result is never empty for a valid tenant.
func (a *Access) ResolveLocalTenantID(ctx context.Context, tenantID crmcommon.TenantId) (crmcommon.DataSourceTenantId, apperrors.Error) {
	rec, err := a.Lookup(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if rec.TenantIDInDataSource != "" {
		return rec.TenantIDInDataSource, nil
	}
	return crmcommon.DataSourceTenantId(tenantID), nil
}
