package tenantctx

import (
	"net/http"

	"github.com/planvia/planvia/internal/common/apperrors"
)

// Base resolver error
var (
	ErrTenantContext apperrors.Error = apperrors.New("tenant context error").SetStatusCode(http.StatusInternalServerError)
)

var (
	// ErrUnauthorized means the request carries no valid caller identity.
	// Surfaced to the caller verbatim, never retried.
	ErrUnauthorized apperrors.Error = ErrTenantContext.New("unauthorized. login required").SetStatusCode(http.StatusUnauthorized)
	// ErrMissingTenant means the caller is authenticated but the session has
	// no usable tenant reference. Always a corrupt or stale session; prompts
	// re-authentication upstream.
	ErrMissingTenant apperrors.Error = ErrTenantContext.New("session carries no tenant").SetStatusCode(http.StatusBadRequest)
	// ErrResolutionFailed means the data-source manager could not produce a
	// client or local tenant ID. The cause is preserved for logs.
	ErrResolutionFailed apperrors.Error = ErrTenantContext.New("unable to resolve tenant data source").SetStatusCode(http.StatusInternalServerError)
)
