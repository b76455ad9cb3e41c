package dsmanager

import (
	"net/http"

	"github.com/planvia/planvia/internal/common/apperrors"
)

// Base data-source manager error
var (
	ErrDataSource apperrors.Error = apperrors.New("data-source error").SetStatusCode(http.StatusInternalServerError)
)

var (
	// ErrPoolExhausted means the client cache is at its configured ceiling and
	// the eviction policy could not free a slot. Always counted in metrics.
	ErrPoolExhausted apperrors.Error = ErrDataSource.New("data-source client pool exhausted").SetStatusCode(http.StatusServiceUnavailable)
	// ErrResolutionFailed wraps unexpected failures during config or client
	// resolution. Never retried here; retry policy belongs to callers.
	ErrResolutionFailed apperrors.Error = ErrDataSource.New("data-source resolution failed").SetStatusCode(http.StatusInternalServerError)
	// ErrInvalidRole means the caller asked for an unknown data-source role.
	ErrInvalidRole apperrors.Error = ErrDataSource.New("invalid data-source role").SetStatusCode(http.StatusBadRequest)
)
