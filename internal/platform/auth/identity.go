package auth

import (
	"context"
	"net/http"
)

// Identity is the verified caller behind a request. Run create and
// replay handlers record the subject as the audit actor, so every
// authenticator fills at least Subject.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// Authenticator resolves the caller of an incoming request.
// Implementations return ErrUnauthenticated when credentials are
// absent, and any other error when they are present but unusable.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type identityKey struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}
