package authsentry

import "context"

type clientContextKey struct{}

// WithClient attaches caller metadata to ctx. Engine methods that take an
// explicit Client argument ignore the context value; everything else (audit
// events emitted from account operations, for example) reads it from here.
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientContextKey{}, c)
}

func clientFromContext(ctx context.Context) Client {
	if ctx == nil {
		return Client{}
	}
	c, _ := ctx.Value(clientContextKey{}).(Client)
	return c
}
