// Package server wires the CRM service HTTP surface: the authenticated API
// subtree, the public subtree bound to the shared data source, and the
// data-source diagnostics endpoints.
package server

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/planvia/planvia/internal/common/httpx"
	commonmiddleware "github.com/planvia/planvia/internal/common/middleware"
	"github.com/planvia/planvia/internal/crmsrv/auth"
	"github.com/planvia/planvia/internal/crmsrv/config"
	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
	"github.com/planvia/planvia/internal/crmsrv/dsmanager"
	"github.com/planvia/planvia/internal/crmsrv/tenantctx"
)

// CrmServer is the HTTP server for the CRM service.
type CrmServer struct {
	Router     *chi.Mux
	manager    *dsmanager.Manager
	resolver   *tenantctx.Resolver
	registryDB *sql.DB
}

// CreateNewServer assembles a server over the given data-source manager,
// resolver and registry database handle.
func CreateNewServer(manager *dsmanager.Manager, resolver *tenantctx.Resolver, registryDB *sql.DB) (*CrmServer, error) {
	s := &CrmServer{
		Router:     chi.NewRouter(),
		manager:    manager,
		resolver:   resolver,
		registryDB: registryDB,
	}
	return s, nil
}

// MountHandlers installs the middleware chain and routes.
func (s *CrmServer) MountHandlers() {
	s.Router.Use(commonmiddleware.RequestLogger)
	s.Router.Use(commonmiddleware.PanicHandler)
	if config.Config().HandleCORS {
		s.Router.Use(s.HandleCORS)
	}
	s.Router.Use(commonmiddleware.SetTimeout(config.Config().GetRequestTimeout()))

	s.Router.Get("/version", s.getVersion)
	s.Router.Get("/ready", s.getReadiness)

	// Authenticated, tenant-scoped surface.
	s.Router.Route("/api", func(r chi.Router) {
		r.Use(auth.ContextMiddleware)
		r.Use(s.resolver.LoadTenantContextMiddleware)
		r.Get("/tenant-info", httpx.WrapHttpRsp(s.getTenantInfo))
	})

	// Public surface bound to the shared data source, anon role only.
	s.Router.Route("/public", func(r chi.Router) {
		r.Use(s.resolver.LoadPublicContextMiddleware)
		r.Get("/ping", s.getPublicPing)
	})

	s.mountDiagnostics(s.Router)

	if config.Config().DataSource.MetricsEnabled {
		prometheus.MustRegister(s.manager)
		s.Router.Get("/metrics", promhttp.Handler().ServeHTTP)
	}
}

type GetVersionRsp struct {
	ServerVersion string `json:"serverVersion"`
	ApiVersion    string `json:"apiVersion"`
}

func (s *CrmServer) getVersion(w http.ResponseWriter, r *http.Request) {
	log.Ctx(r.Context()).Debug().Msg("GetVersion")
	rsp := &GetVersionRsp{
		ServerVersion: "Planvia CRM Server: " + crmcommon.ServerVersion,
		ApiVersion:    crmcommon.ApiVersion,
	}
	httpx.SendJsonRsp(r.Context(), w, http.StatusOK, rsp)
}

func (s *CrmServer) getReadiness(w http.ResponseWriter, r *http.Request) {
	log.Ctx(r.Context()).Debug().Msg("Readiness check")

	if err := s.registryDB.PingContext(r.Context()); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("registry database unreachable during readiness check")
		httpx.SendJsonRsp(r.Context(), w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  "registry database connection failed",
		})
		return
	}

	httpx.SendJsonRsp(r.Context(), w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// TenantInfoRsp is the consumer-contract view of a resolved tenant context.
type TenantInfoRsp struct {
	ApplicationTenantID string `json:"applicationTenantId"`
	DataSourceTenantID  string `json:"dataSourceTenantId"`
	Region              string `json:"region"`
	Shared              bool   `json:"shared"`
	UserID              string `json:"userId"`
}

func (s *CrmServer) getTenantInfo(r *http.Request) (*httpx.Response, error) {
	tc := tenantctx.FromContext(r.Context())
	if tc == nil {
		return nil, httpx.ErrUnableToServeRequest()
	}
	info, err := s.manager.GetConnectionInfo(r.Context(), tc.ApplicationTenantID)
	if err != nil {
		return nil, err
	}
	return &httpx.Response{
		StatusCode: http.StatusOK,
		Response: &TenantInfoRsp{
			ApplicationTenantID: string(tc.ApplicationTenantID),
			DataSourceTenantID:  string(tc.DataSourceTenantID),
			Region:              info.Region,
			Shared:              info.Shared,
			UserID:              tc.Caller.UserID,
		},
	}, nil
}

func (s *CrmServer) getPublicPing(w http.ResponseWriter, r *http.Request) {
	httpx.SendJsonRsp(r.Context(), w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// HandleCORS configures the CORS policy for browser clients.
func (s *CrmServer) HandleCORS(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://app.planvia.dev", "http://local.planvia.dev:8190"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "Accept-Encoding"},
		ExposedHeaders:   []string{"Link", "Location", commonmiddleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	})(next)
}
