package auth

import (
	"context"
	"net/http"
)

// DevAuthenticator stamps every request with the fixed identity taken
// from the DEV_AUTH_* settings. Local pipeline work only.
type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) DevAuthenticator {
	return DevAuthenticator{identity: Identity{
		Subject: cfg.DevSubject,
		Email:   cfg.DevEmail,
		Roles:   cfg.DevRoles,
	}}
}

func (a DevAuthenticator) Authenticate(context.Context, *http.Request) (Identity, error) {
	return a.identity, nil
}
