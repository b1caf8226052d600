package identity

import "context"

type contextKey struct{}

// WithIdentity attaches the resolved caller identity to the context. The
// bearer-token middleware is the only writer.
func WithIdentity(ctx context.Context, ident *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, ident)
}

// FromContext extracts the caller identity, if the request was authenticated.
func FromContext(ctx context.Context) (*Identity, bool) {
	ident, ok := ctx.Value(contextKey{}).(*Identity)
	return ident, ok && ident != nil
}
