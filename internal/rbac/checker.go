// Package rbac gates the admin API by a role-to-permission policy.
package rbac

import (
	"context"
	"strings"
)

// Checker answers whether a role grants a permission. Permissions are
// colon-separated names; a policy entry ending in "*" matches by prefix.
type Checker struct {
	policy map[string][]string
}

// NewChecker builds a checker over the given policy, falling back to the
// package default when nil.
func NewChecker(policy map[string][]string) *Checker {
	if policy == nil {
		policy = RolePermissions
	}
	return &Checker{policy: policy}
}

// Has reports whether the role grants the permission.
func (c *Checker) Has(role, perm string) bool {
	for _, p := range c.policy[role] {
		if p == "*" || p == perm {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(perm, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// Any reports whether the role grants at least one of the permissions.
func (c *Checker) Any(role string, perms ...string) bool {
	for _, p := range perms {
		if c.Has(role, p) {
			return true
		}
	}
	return false
}

// ---- role in context ----

type ctxKey struct{}

var ctxKeyRole = ctxKey{}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, ctxKeyRole, role)
}

func RoleFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRole).(string); ok {
		return s
	}
	return ""
}
