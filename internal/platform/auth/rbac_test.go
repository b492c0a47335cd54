package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHasAtLeast(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required string
		want     bool
	}{
		{"viewer satisfies viewer", []string{"viewer"}, RoleViewer, true},
		{"viewer cannot operate", []string{"viewer"}, RoleOperator, false},
		{"operator reads too", []string{"operator"}, RoleViewer, true},
		{"admin outranks operator", []string{"admin"}, RoleOperator, true},
		{"mixed case and padding", []string{" Admin "}, RoleOperator, true},
		{"unknown requirement never satisfied", []string{"admin"}, "unknown", false},
		{"unknown role grants nothing", []string{"wizard"}, RoleViewer, false},
		{"no roles", nil, RoleViewer, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := HasAtLeast(tc.roles, tc.required); got != tc.want {
				t.Fatalf("HasAtLeast(%v, %q)=%v, want %v", tc.roles, tc.required, got, tc.want)
			}
		})
	}
}

func TestRequiredRoleForRequest(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{http.MethodGet, RoleViewer},
		{http.MethodHead, RoleViewer},
		{http.MethodOptions, RoleViewer},
		{http.MethodPost, RoleOperator},
		{http.MethodDelete, RoleOperator},
	}

	for _, tc := range tests {
		req := httptest.NewRequest(tc.method, "http://pipeline.test/v1/runs", nil)
		if got := RequiredRoleForRequest(req); got != tc.want {
			t.Fatalf("RequiredRoleForRequest(%s)=%q, want %q", tc.method, got, tc.want)
		}
	}
}
