package middleware

import (
	"context"
	"fmt"
)

// TenantContextKey is a strict type for context keys to prevent collisions.
type TenantContextKey string

// TenantKey is the context key for the TenantID. AuthMiddleware injects it
// from the validated token's claims.
const TenantKey TenantContextKey = "tenant_id"

// GetTenantFromContext safely retrieves the TenantID from the context.
func GetTenantFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(TenantKey)
	if val == nil {
		return "", fmt.Errorf("tenant_id not found in context")
	}

	tenantID, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("tenant_id in context is not a string")
	}

	return tenantID, nil
}
