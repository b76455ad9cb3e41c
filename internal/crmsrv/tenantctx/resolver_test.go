package tenantctx

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planvia/planvia/internal/common/apperrors"
	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
	"github.com/planvia/planvia/internal/crmsrv/dsclient"
	"github.com/planvia/planvia/internal/crmsrv/registry"
)

type stubClient struct{}

func (stubClient) Conn(ctx context.Context) (dsclient.ScopedConn, error) {
	return nil, errors.New("not implemented")
}
func (stubClient) Stats() (uint64, uint64) { return 0, 0 }
func (stubClient) Close()                  {}

// spyManager records every call so tests can assert the resolver short
// circuits before touching the manager.
type spyManager struct {
	calls        int
	clientErr    apperrors.Error
	localIDErr   apperrors.Error
	localID      crmcommon.DataSourceTenantId
	sharedErr    apperrors.Error
	lastTenantID crmcommon.TenantId
	lastRole     crmcommon.DataSourceRole
}

func (s *spyManager) GetClient(ctx context.Context, tenantID crmcommon.TenantId, role crmcommon.DataSourceRole) (dsclient.Client, apperrors.Error) {
	s.calls++
	s.lastTenantID = tenantID
	s.lastRole = role
	if s.clientErr != nil {
		return nil, s.clientErr
	}
	return stubClient{}, nil
}

func (s *spyManager) GetLocalTenantID(ctx context.Context, tenantID crmcommon.TenantId) (crmcommon.DataSourceTenantId, apperrors.Error) {
	s.calls++
	if s.localIDErr != nil {
		return "", s.localIDErr
	}
	if s.localID != "" {
		return s.localID, nil
	}
	return crmcommon.DataSourceTenantId(tenantID), nil
}

func (s *spyManager) SharedClient(ctx context.Context, role crmcommon.DataSourceRole) (dsclient.Client, apperrors.Error) {
	s.calls++
	s.lastRole = role
	if s.sharedErr != nil {
		return nil, s.sharedErr
	}
	return stubClient{}, nil
}

func authedContext(tenantID crmcommon.TenantId) context.Context {
	ctx := crmcommon.WithCaller(context.Background(), &crmcommon.Caller{
		UserID:  "user-1",
		Subject: "user/user-1",
	})
	if tenantID != "" {
		ctx = crmcommon.WithTenantID(ctx, tenantID)
	}
	return ctx
}

func TestResolveReady(t *testing.T) {
	mgr := &spyManager{localID: "42"}
	r := NewResolver(mgr)

	tc, err := r.Resolve(authedContext("acme"))
	require.Nil(t, err)
	require.NotNil(t, tc)
	assert.Equal(t, crmcommon.TenantId("acme"), tc.ApplicationTenantID)
	assert.Equal(t, crmcommon.DataSourceTenantId("42"), tc.DataSourceTenantID)
	assert.Equal(t, "user-1", tc.Caller.UserID)
	assert.NotNil(t, tc.Client)
	assert.Equal(t, crmcommon.RoleService, mgr.lastRole)
}

func TestResolveIdentityMapping(t *testing.T) {
	mgr := &spyManager{}
	r := NewResolver(mgr)

	tc, err := r.Resolve(authedContext("shared-db-tenant-42"))
	require.Nil(t, err)
	assert.Equal(t, crmcommon.DataSourceTenantId("shared-db-tenant-42"), tc.DataSourceTenantID)
}

func TestResolveUnauthenticated(t *testing.T) {
	mgr := &spyManager{}
	r := NewResolver(mgr)

	_, err := r.Resolve(context.Background())
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, http.StatusUnauthorized, err.StatusCode())
	assert.Equal(t, 0, mgr.calls, "resolution must not start for unauthenticated requests")
}

func TestResolveMissingTenant(t *testing.T) {
	mgr := &spyManager{}
	r := NewResolver(mgr)

	_, err := r.Resolve(authedContext(""))
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrMissingTenant)
	assert.Equal(t, http.StatusBadRequest, err.StatusCode())
	assert.Equal(t, 0, mgr.calls, "a tenant-less session must fail before any manager call")
}

func TestResolveClientFailure(t *testing.T) {
	mgr := &spyManager{clientErr: registry.ErrTenantNotFound}
	r := NewResolver(mgr)

	_, err := r.Resolve(authedContext("ghost"))
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrResolutionFailed)
	// The underlying cause stays reachable for logs and debugging.
	assert.ErrorIs(t, err, registry.ErrTenantNotFound)
	assert.Equal(t, http.StatusInternalServerError, err.StatusCode())
}

func TestResolveLocalIDFailure(t *testing.T) {
	mgr := &spyManager{localIDErr: registry.ErrLookupFailed}
	r := NewResolver(mgr)

	_, err := r.Resolve(authedContext("acme"))
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrResolutionFailed)
	assert.ErrorIs(t, err, registry.ErrLookupFailed)
}

func TestResolvePublic(t *testing.T) {
	mgr := &spyManager{}
	r := NewResolver(mgr)

	pc, err := r.ResolvePublic(context.Background())
	require.Nil(t, err)
	require.NotNil(t, pc)
	assert.NotNil(t, pc.Client)
	assert.Equal(t, crmcommon.RoleAnon, mgr.lastRole, "public surfaces only ever use the anon role")
}

func TestResolvePublicFailure(t *testing.T) {
	mgr := &spyManager{sharedErr: registry.ErrLookupFailed}
	r := NewResolver(mgr)

	_, err := r.ResolvePublic(context.Background())
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrResolutionFailed)
}
