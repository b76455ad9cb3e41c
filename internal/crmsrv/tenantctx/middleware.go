package tenantctx

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/planvia/planvia/internal/common/httpx"
	"github.com/planvia/planvia/internal/crmsrv/dsclient"
)

type ctxKeyType string

const (
	ctxTenantContextKey ctxKeyType = "PlanviaTenantContext"
	ctxScopedConnKey    ctxKeyType = "PlanviaScopedConn"
)

// FromContext retrieves the resolved tenant context from the request context.
// Returns nil outside of LoadTenantContextMiddleware.
func FromContext(ctx context.Context) *TenantContext {
	if tc, ok := ctx.Value(ctxTenantContextKey).(*TenantContext); ok {
		return tc
	}
	return nil
}

// Conn retrieves the request's scoped data-source connection.
// Returns nil outside of the resolver middlewares.
func Conn(ctx context.Context) dsclient.ScopedConn {
	if conn, ok := ctx.Value(ctxScopedConnKey).(dsclient.ScopedConn); ok {
		return conn
	}
	return nil
}

// LoadTenantContextMiddleware resolves the tenant context for the request,
// borrows a connection scoped to the tenant's local ID, and closes it after
// the request is served.
func (r *Resolver) LoadTenantContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()

		tc, err := r.Resolve(ctx)
		if err != nil {
			httpx.SendError(w, err)
			return
		}

		conn, cerr := tc.Client.Conn(ctx)
		if cerr != nil {
			log.Ctx(ctx).Error().Err(cerr).Msg("unable to get data-source connection")
			httpx.ErrApplicationError("unable to service request at this time").Send(w)
			return
		}
		defer func() {
			// use background to avoid canceled context
			conn.Close(context.Background())
		}()

		if serr := conn.SetTenantScope(ctx, tc.DataSourceTenantID); serr != nil {
			log.Ctx(ctx).Error().Err(serr).Msg("unable to scope data-source connection")
			httpx.ErrApplicationError("unable to service request at this time").Send(w)
			return
		}

		ctx = context.WithValue(ctx, ctxTenantContextKey, tc)
		ctx = context.WithValue(ctx, ctxScopedConnKey, conn)

		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// LoadPublicContextMiddleware binds the request to the shared data source
// under the anon role, without tenant scoping. For unauthenticated routes
// only.
func (r *Resolver) LoadPublicContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()

		pc, err := r.ResolvePublic(ctx)
		if err != nil {
			httpx.SendError(w, err)
			return
		}

		conn, cerr := pc.Client.Conn(ctx)
		if cerr != nil {
			log.Ctx(ctx).Error().Err(cerr).Msg("unable to get shared data-source connection")
			httpx.ErrApplicationError("unable to service request at this time").Send(w)
			return
		}
		defer func() {
			conn.Close(context.Background())
		}()

		ctx = context.WithValue(ctx, ctxScopedConnKey, conn)

		next.ServeHTTP(w, req.WithContext(ctx))
	})
}
