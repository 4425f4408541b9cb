package security

import (
	"fmt"
	"net/http"
	"strings"
)

// Roles
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
	RoleTester    = "tester"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleAdmin, RoleDeveloper, RoleTester}

// IsValidRole reports whether role is one of ValidRoles.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// CapabilitiesForRole maps a role to gate capabilities. Unknown roles get none.
func CapabilitiesForRole(role string) Capabilities {
	switch role {
	case RoleAdmin:
		return Capabilities{Admin: true, Developer: true}
	case RoleDeveloper:
		return Capabilities{Developer: true}
	default:
		return Capabilities{}
	}
}

// routePermission defines which roles can access a method+path pattern.
type routePermission struct {
	Method  string // HTTP method ("GET", "POST", "*" for any)
	Pattern string // path prefix or exact match
	Roles   []string
}

var everyone = []string{RoleAdmin, RoleDeveloper, RoleTester}

// permissions defines the RBAC permission table. The first matching entry
// decides; admin is handled before the table.
var permissions = []routePermission{
	{Method: "GET", Pattern: "/api/status", Roles: everyone},
	{Method: "POST", Pattern: "/api/check/{kind}", Roles: everyone},
	{Method: "GET", Pattern: "/api/sandbox/env", Roles: everyone},
	{Method: "GET", Pattern: "/api/events/me", Roles: everyone},
	{Method: "GET", Pattern: "/api/terminal", Roles: everyone},
	{Method: "GET", Pattern: "/api/events", Roles: []string{RoleAdmin}},
	{Method: "*", Pattern: "/api/admin/", Roles: []string{RoleAdmin}},
}

// RequirePermission returns middleware enforcing the permission table for the
// request's method and path.
func RequirePermission() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetClaims(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !CheckPermission(claims.Role, r.Method, r.URL.Path) {
				http.Error(w, fmt.Sprintf(`{"error":"%s"}`, ErrInsufficientRole.Error()), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CheckPermission checks if the given role is allowed to access method+path.
// Returns true if allowed. Admin always has access.
func CheckPermission(role, method, path string) bool {
	if role == RoleAdmin {
		return true
	}

	// Normalize path: strip trailing slash for matching
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	for _, perm := range permissions {
		if !matchRoute(perm.Pattern, path) || (perm.Method != "*" && perm.Method != method) {
			continue
		}
		for _, r := range perm.Roles {
			if r == role {
				return true
			}
		}
		return false
	}
	return false
}

// matchRoute checks if a path matches a route pattern. Patterns ending in "/"
// match by prefix; {name} segments match any single segment.
func matchRoute(pattern, path string) bool {
	prefix := strings.HasSuffix(pattern, "/")
	patParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")

	if len(pathParts) < len(patParts) || (!prefix && len(pathParts) != len(patParts)) {
		return false
	}

	for i, pp := range patParts {
		if strings.HasPrefix(pp, "{") && strings.HasSuffix(pp, "}") {
			continue // wildcard
		}
		if pp != pathParts[i] {
			return false
		}
	}
	return true
}
