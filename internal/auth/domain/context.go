package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type principalKey struct{}

// Principal is the authenticated caller of a request.
type Principal struct {
	TokenID   snowflake.ID
	UserID    snowflake.ID
	Role      string
	TokenHash string
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != 0
}
