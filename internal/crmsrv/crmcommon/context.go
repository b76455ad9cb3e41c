// Package crmcommon provides context management utilities shared across the
// CRM service. It carries the application tenant ID and the authenticated
// caller through request contexts.
package crmcommon

import (
	"context"
)

// ctxKeyType represents the type for all context keys
type ctxKeyType string

const (
	ctxTenantIdKey    ctxKeyType = "CrmTenantId"
	ctxCallerKey      ctxKeyType = "CrmCaller"
	ctxTestContextKey ctxKeyType = "CrmTestContext"
)

// Caller represents the authenticated principal behind a request.
type Caller struct {
	// UserID is the unique identifier for the user
	UserID string
	// Subject is the type of principal acting on the service
	Subject SubjectType
}

// WithTenantID sets the application tenant ID in the provided context.
func WithTenantID(ctx context.Context, tenantId TenantId) context.Context {
	return context.WithValue(ctx, ctxTenantIdKey, tenantId)
}

// GetTenantID retrieves the application tenant ID from the provided context.
func GetTenantID(ctx context.Context) TenantId {
	if tenantId, ok := ctx.Value(ctxTenantIdKey).(TenantId); ok {
		return tenantId
	}
	return ""
}

// WithCaller sets the authenticated caller in the provided context.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, ctxCallerKey, caller)
}

// GetCaller retrieves the authenticated caller from the provided context.
// Returns nil when the request carries no authenticated identity.
func GetCaller(ctx context.Context) *Caller {
	if caller, ok := ctx.Value(ctxCallerKey).(*Caller); ok {
		return caller
	}
	return nil
}

func GetUserID(ctx context.Context) string {
	if caller := GetCaller(ctx); caller != nil {
		return caller.UserID
	}
	return ""
}

// WithTestContext sets the test context in the provided context.
func WithTestContext(ctx context.Context, isTest bool) context.Context {
	return context.WithValue(ctx, ctxTestContextKey, isTest)
}

// GetTestContext retrieves the test context from the provided context.
func GetTestContext(ctx context.Context) bool {
	if testContext, ok := ctx.Value(ctxTestContextKey).(bool); ok {
		return testContext
	}
	return false
}
