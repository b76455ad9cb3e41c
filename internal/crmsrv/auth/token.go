// Package auth validates session tokens and establishes the caller identity
// and application tenant ID on the request context. It deliberately does not
// resolve data sources; that belongs to the tenant context resolver.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/planvia/planvia/internal/crmsrv/config"
	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
)

// SessionClaims are the claims carried by a planvia session token. TenantID
// may be absent in corrupt or stale sessions; that case is surfaced by the
// resolver, never auto-repaired here.
type SessionClaims struct {
	TenantID string `json:"tenant_id,omitempty"`
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

// ValidateToken validates the provided session token and returns a context
// carrying the caller identity and, when present, the application tenant ID.
func ValidateToken(ctx context.Context, token string) (context.Context, error) {
	if token == "" {
		return ctx, ErrInvalidToken.Msg("empty token. login required")
	}

	claims, err := parseSessionToken(token)
	if err != nil {
		return ctx, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.TokenUse != crmcommon.IdentityTokenType {
		return ctx, ErrInvalidToken.Msg("invalid token. login required")
	}

	sub := claims.Subject
	if !strings.HasPrefix(sub, "user/") {
		return ctx, ErrInvalidToken.Msg("invalid subject")
	}

	caller := &crmcommon.Caller{
		UserID:  strings.TrimPrefix(sub, "user/"),
		Subject: crmcommon.SubjectTypeUser,
	}
	ctx = crmcommon.WithCaller(ctx, caller)

	if claims.TenantID != "" {
		ctx = crmcommon.WithTenantID(ctx, crmcommon.TenantId(claims.TenantID))
	}

	return ctx, nil
}

func parseSessionToken(token string) (*SessionClaims, error) {
	cfg := config.Config()
	claims := &SessionClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(cfg.Auth.TokenSigningSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(cfg.Auth.GetClockSkewOrDefault()),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token validation failed")
	}

	if claims.IssuedAt != nil {
		maxAge := cfg.Auth.GetMaxTokenAgeOrDefault()
		if time.Since(claims.IssuedAt.Time) > maxAge {
			return nil, fmt.Errorf("token too old")
		}
	}

	return claims, nil
}

// CreateSessionToken issues a session token for the given user and tenant.
// Used by the login flow and by tests.
func CreateSessionToken(userID string, tenantID crmcommon.TenantId, validity time.Duration) (string, error) {
	cfg := config.Config()

	now := time.Now()
	claims := &SessionClaims{
		TenantID: string(tenantID),
		TokenUse: crmcommon.IdentityTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user/" + userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Auth.TokenSigningSecret))
	if err != nil {
		return "", ErrTokenGeneration.Err(err)
	}
	return signed, nil
}
