package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier authenticates requests by verifying bearer tokens against the
// configured issuer. There is no interactive login: callers are services and
// operators that obtain tokens out of band.
type OIDCVerifier struct {
	cfg      Config
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(ctx context.Context, cfg Config) (*OIDCVerifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	return &OIDCVerifier{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
	}, nil
}

func (s *OIDCVerifier) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}

	token, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, err
	}

	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return Identity{}, err
	}

	identity := Identity{Roles: rolesFromClaim(claims[s.cfg.RolesClaim])}
	identity.Subject, _ = claims["sub"].(string)
	identity.Email, _ = claims[s.cfg.EmailClaim].(string)
	return identity, nil
}

func bearerToken(r *http.Request) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// rolesFromClaim accepts the claim shapes issuers actually emit: a JSON
// array, a string slice, or one comma separated string.
func rolesFromClaim(v any) []string {
	switch typed := v.(type) {
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s := strings.ToLower(strings.TrimSpace(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return splitRoles(typed)
	default:
		return nil
	}
}
