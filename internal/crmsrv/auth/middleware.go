package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/planvia/planvia/internal/common/httpx"
	"github.com/planvia/planvia/internal/crmsrv/config"
	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
)

const (
	AuthHeaderPrefix = "Bearer "
	GenericAuthError = "authentication failed"
)

// ContextMiddleware handles authentication and context setup for incoming requests
func ContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		// Skip authentication for test contexts
		if crmcommon.GetTestContext(ctx) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			log.Ctx(ctx).Debug().Msg("missing authorization header")
			httpx.ErrUnAuthorized(GenericAuthError).Send(w)
			return
		}

		if !strings.HasPrefix(authHeader, AuthHeaderPrefix) {
			log.Ctx(ctx).Debug().Msg("invalid authorization header format")
			httpx.ErrUnAuthorized(GenericAuthError).Send(w)
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, AuthHeaderPrefix))
		if token == "" {
			log.Ctx(ctx).Debug().Msg("empty token")
			httpx.ErrUnAuthorized(GenericAuthError).Send(w)
			return
		}

		var err error
		ctx, err = ValidateToken(ctx, token)
		if err != nil {
			// In test mode a fixed token maps to a default caller.
			if config.IsTest() {
				ctx, err = handleTestUserMode(r.Context(), token)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			log.Ctx(ctx).Warn().Err(err).Msg("token validation failed")
			httpx.ErrUnAuthorized(GenericAuthError).Send(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleTestUserMode processes authentication with the fixed test token.
func handleTestUserMode(ctx context.Context, token string) (context.Context, error) {
	if token != config.Config().Auth.TestUserToken {
		return ctx, fmt.Errorf("invalid token in test mode")
	}
	ctx = crmcommon.WithCaller(ctx, &crmcommon.Caller{
		UserID:  "test-user",
		Subject: crmcommon.SubjectTypeUser,
	})
	return ctx, nil
}
