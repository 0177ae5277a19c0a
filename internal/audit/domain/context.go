package domain

import "context"

type clientKey struct{}

type client struct {
	ipAddress string
	userAgent string
}

// WithClient stores the caller's address and user agent for audit entries.
func WithClient(ctx context.Context, ipAddress, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey{}, client{ipAddress: ipAddress, userAgent: userAgent})
}

func ClientFromContext(ctx context.Context) (ipAddress, userAgent string) {
	if ctx == nil {
		return "", ""
	}
	c, _ := ctx.Value(clientKey{}).(client)
	return c.ipAddress, c.userAgent
}
