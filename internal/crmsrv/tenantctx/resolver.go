// Package tenantctx converts an authenticated session into a ready-to-query
// tenant context: a scoped data-source client plus the translated local
// tenant ID. The resolver is the single choke point for obtaining a
// tenant-scoped client; no other code path constructs one.
package tenantctx

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/planvia/planvia/internal/common/apperrors"
	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
	"github.com/planvia/planvia/internal/crmsrv/dsclient"
	"github.com/planvia/planvia/internal/crmsrv/dsmanager"
)

// DataSourceManager is the slice of the manager the resolver consumes.
// Narrowed to an interface so tests can drive the state machine with spies.
type DataSourceManager interface {
	GetClient(ctx context.Context, tenantID crmcommon.TenantId, role crmcommon.DataSourceRole) (dsclient.Client, apperrors.Error)
	GetLocalTenantID(ctx context.Context, tenantID crmcommon.TenantId) (crmcommon.DataSourceTenantId, apperrors.Error)
	SharedClient(ctx context.Context, role crmcommon.DataSourceRole) (dsclient.Client, apperrors.Error)
}

var _ DataSourceManager = (*dsmanager.Manager)(nil)

// TenantContext is the per-request result of resolution. Constructed fresh
// per request and discarded at request end; only the underlying client
// handle is cached across requests.
type TenantContext struct {
	// Client is bound to the tenant's resolved data source.
	Client dsclient.Client
	// ApplicationTenantID is the ID as known to the session layer.
	ApplicationTenantID crmcommon.TenantId
	// DataSourceTenantID is the translated local ID. This is the only ID
	// that may be used in data-source queries.
	DataSourceTenantID crmcommon.DataSourceTenantId
	// Caller is the authenticated principal behind the request.
	Caller *crmcommon.Caller
}

// PublicContext is the result of public resolution: a client for the shared
// default data source under the anon role. It carries no tenant identity.
type PublicContext struct {
	Client dsclient.Client
}

// Resolver is the per-request entry point. Stateless across calls; every
// invocation starts from the unauthenticated state.
type Resolver struct {
	manager DataSourceManager
}

// NewResolver returns a Resolver over the given manager.
func NewResolver(manager DataSourceManager) *Resolver {
	return &Resolver{manager: manager}
}

// Resolve walks the linear resolution state machine against the request
// context: unauthenticated, tenant-less, resolving, ready. There are no
// retries at this layer.
func (r *Resolver) Resolve(ctx context.Context) (*TenantContext, apperrors.Error) {
	caller := crmcommon.GetCaller(ctx)
	if caller == nil {
		return nil, ErrUnauthorized
	}

	tenantID := crmcommon.GetTenantID(ctx)
	if tenantID == "" {
		log.Ctx(ctx).Warn().Str("user_id", caller.UserID).Msg("authenticated session carries no tenant")
		return nil, ErrMissingTenant
	}

	client, err := r.manager.GetClient(ctx, tenantID, crmcommon.RoleService)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("tenant_id", string(tenantID)).Msg("client resolution failed")
		return nil, ErrResolutionFailed.Err(err)
	}

	localID, err := r.manager.GetLocalTenantID(ctx, tenantID)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("tenant_id", string(tenantID)).Msg("local tenant ID resolution failed")
		return nil, ErrResolutionFailed.Err(err)
	}

	// Cross-tenant data-source sharing is a configuration fact worth
	// surfacing during development, not an error. Debug level keeps it out
	// of production logs.
	if string(localID) != string(tenantID) {
		log.Ctx(ctx).Debug().
			Str("tenant_id", string(tenantID)).
			Str("ds_tenant_id", string(localID)).
			Msg("tenant maps to a different data-source identity")
	}

	return &TenantContext{
		Client:              client,
		ApplicationTenantID: tenantID,
		DataSourceTenantID:  localID,
		Caller:              caller,
	}, nil
}

// ResolvePublic binds the request to the shared default data source under
// the anon role. This is the only entry point for unauthenticated surfaces;
// it never touches tenant credentials.
func (r *Resolver) ResolvePublic(ctx context.Context) (*PublicContext, apperrors.Error) {
	client, err := r.manager.SharedClient(ctx, crmcommon.RoleAnon)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("shared client resolution failed")
		return nil, ErrResolutionFailed.Err(err)
	}
	return &PublicContext{Client: client}, nil
}
