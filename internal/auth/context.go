package auth

import "context"

type contextKey struct{}

// Identity is the locally known driver identity, used when the token does
// not say who the driver is.
type Identity struct {
	DriverID string
	Name     string
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

func DriverIDFromContext(ctx context.Context) string {
	id, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return id.DriverID
}
