package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/planvia/planvia/internal/common/httpx"
	"github.com/planvia/planvia/internal/crmsrv/auth"
	"github.com/planvia/planvia/internal/crmsrv/config"
	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
)

// mountDiagnostics installs the operator-facing data-source endpoints.
// Everything under /diagnostics requires the admin token.
func (s *CrmServer) mountDiagnostics(r chi.Router) {
	r.Route("/diagnostics", func(r chi.Router) {
		r.Use(s.adminAuthMiddleware)
		r.Get("/datasource", httpx.WrapHttpRsp(s.getDataSourceMetrics))
		r.Get("/datasource/tenants/{tenantID}", httpx.WrapHttpRsp(s.getTenantConnectionInfo))
		r.Post("/datasource/tenants/{tenantID}/invalidate", httpx.WrapHttpRsp(s.invalidateTenant))
		r.Post("/datasource/reset", httpx.WrapHttpRsp(s.resetDataSourceMetrics))
	})
}

// adminAuthMiddleware gates diagnostics behind the configured admin token.
// An unset hash disables the whole surface.
func (s *CrmServer) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !auth.VerifyAdminToken(token, config.Config().Auth.AdminTokenHash) {
			log.Ctx(r.Context()).Warn().Msg("rejected diagnostics request")
			httpx.SendError(w, auth.ErrInvalidAdmin)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *CrmServer) getDataSourceMetrics(r *http.Request) (*httpx.Response, error) {
	snapshot := s.manager.Metrics()
	return &httpx.Response{
		StatusCode: http.StatusOK,
		Response:   snapshot,
	}, nil
}

func (s *CrmServer) getTenantConnectionInfo(r *http.Request) (*httpx.Response, error) {
	tenantID := crmcommon.TenantId(chi.URLParam(r, "tenantID"))
	info, err := s.manager.GetConnectionInfo(r.Context(), tenantID)
	if err != nil {
		return nil, err
	}
	return &httpx.Response{
		StatusCode: http.StatusOK,
		Response:   info,
	}, nil
}

func (s *CrmServer) invalidateTenant(r *http.Request) (*httpx.Response, error) {
	tenantID := crmcommon.TenantId(chi.URLParam(r, "tenantID"))
	s.manager.Invalidate(tenantID)
	log.Ctx(r.Context()).Info().Str("tenant_id", string(tenantID)).Msg("invalidated tenant data-source cache")
	return &httpx.Response{
		StatusCode: http.StatusOK,
		Response:   map[string]string{"status": "invalidated"},
	}, nil
}

func (s *CrmServer) resetDataSourceMetrics(r *http.Request) (*httpx.Response, error) {
	s.manager.ResetMetrics()
	return &httpx.Response{
		StatusCode: http.StatusOK,
		Response:   map[string]string{"status": "reset"},
	}, nil
}
