package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

// Role ladder for the pipeline API. Viewers inspect runs and
// transitions, operators also create and replay runs.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

func rank(role string) int {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleViewer:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// HasAtLeast reports whether any role in roles meets the required rank.
// Unknown names rank below everything, including as the requirement.
func HasAtLeast(roles []string, required string) bool {
	need := rank(required)
	if need == 0 {
		return false
	}
	for _, role := range roles {
		if rank(role) >= need {
			return true
		}
	}
	return false
}

// RequiredRoleForRequest maps read methods to viewer and mutating ones
// to operator.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	default:
		return RoleOperator
	}
}
