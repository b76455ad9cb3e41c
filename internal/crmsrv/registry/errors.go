package registry

import (
	"net/http"

	"github.com/planvia/planvia/internal/common/apperrors"
)

// Base registry error
var (
	ErrRegistry apperrors.Error = apperrors.New("tenant registry error").SetStatusCode(http.StatusInternalServerError)
)

var (
	// ErrTenantNotFound means the registry has no record for the tenant ID.
	// This is always a configuration or data-integrity problem upstream.
	ErrTenantNotFound apperrors.Error = ErrRegistry.New("tenant not found in registry").SetStatusCode(http.StatusNotFound)
	// ErrConfigNotFound means a record exists but violates the all-or-none
	// connection field invariant and cannot be used.
	ErrConfigNotFound apperrors.Error = ErrRegistry.New("tenant data-source configuration not found or incomplete").SetStatusCode(http.StatusInternalServerError)
	// ErrLookupFailed wraps unexpected storage failures during a lookup.
	ErrLookupFailed apperrors.Error = ErrRegistry.New("tenant registry lookup failed").SetStatusCode(http.StatusInternalServerError)
)
