package auth

import (
	"net/http"

	"github.com/planvia/planvia/internal/common/apperrors"
)

// Base auth error
var (
	ErrAuth apperrors.Error = apperrors.New("auth error").SetStatusCode(http.StatusInternalServerError)
)

// Authorization errors
var (
	ErrUnauthorized apperrors.Error = ErrAuth.New("unauthorized access").SetStatusCode(http.StatusUnauthorized)
	ErrInvalidToken apperrors.Error = ErrAuth.New("invalid token").SetStatusCode(http.StatusUnauthorized)
	ErrInvalidAdmin apperrors.Error = ErrAuth.New("invalid admin credential").SetStatusCode(http.StatusUnauthorized)
)

// Token errors
var (
	ErrTokenGeneration apperrors.Error = ErrAuth.New("failed to generate token").SetStatusCode(http.StatusInternalServerError)
)
