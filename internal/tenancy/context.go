package tenancy

import "context"

type ctxKey string

const ownerKey ctxKey = "router.owner_id"

// WithOwnerID stores the tenant owner id in context.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey, ownerID)
}

// OwnerIDFromContext extracts the tenant owner id if present.
func OwnerIDFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(ownerKey)
	if val == nil {
		return "", false
	}
	ownerID, ok := val.(string)
	return ownerID, ok && ownerID != ""
}
