package service

import "context"

// Principal is the caller on whose behalf a request runs.
type Principal struct {
	ID    string
	Admin bool
}

// CanActFor reports whether p may read or submit jobs owned by owner.
func (p Principal) CanActFor(owner string) bool {
	return p.Admin || (p.ID != "" && p.ID == owner)
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
