// ABOUTME: Principal propagation through request contexts
// ABOUTME: Provides WithPrincipal/PrincipalFromContext for handlers

package auth

import "context"

// Principal identifies an authenticated API caller.
type Principal struct {
	ID     string // subject from the token, or "static:<n>"
	Method string // "jwt" or "static"
}

// principalKey is the context key type for the authenticated principal.
type principalKey struct{}

// WithPrincipal returns a new context carrying the principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext retrieves the principal, reporting whether one is set.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
