package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sluice-labs/sluice-go/internal/platform/env"
)

// Mode selects how callers are authenticated: oidc verifies bearer
// tokens against an issuer, dev stamps a fixed identity, disabled
// turns the guard off entirely.
type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCClientID  string

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	mode, err := parseMode(env.String("AUTH_MODE", string(ModeOIDC)))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:          mode,
		RolesClaim:    env.String("AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:    env.String("AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL: env.String("OIDC_ISSUER_URL", ""),
		OIDCClientID:  env.String("OIDC_CLIENT_ID", ""),
		DevSubject:    env.String("DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:      env.String("DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:      splitRoles(env.String("DEV_AUTH_ROLES", "admin")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeOIDC:
		return ModeOIDC, nil
	case ModeDev:
		return ModeDev, nil
	case ModeDisabled:
		return ModeDisabled, nil
	default:
		return "", fmt.Errorf("AUTH_MODE must be one of: oidc, dev, disabled (got %q)", raw)
	}
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(string(c.Mode)) == "":
		return errors.New("AUTH_MODE is required")
	case strings.TrimSpace(c.RolesClaim) == "":
		return errors.New("AUTH_ROLES_CLAIM is required")
	case strings.TrimSpace(c.EmailClaim) == "":
		return errors.New("AUTH_EMAIL_CLAIM is required")
	}

	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("OIDC_ISSUER_URL is required when AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("OIDC_CLIENT_ID is required when AUTH_MODE=oidc")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("DEV_AUTH_SUBJECT is required when AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("DEV_AUTH_ROLES must be non-empty when AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}

	return nil
}

// splitRoles parses a comma separated role list, lowercasing and
// deduplicating as it goes.
func splitRoles(value string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(value, ",") {
		role := strings.ToLower(strings.TrimSpace(part))
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}
