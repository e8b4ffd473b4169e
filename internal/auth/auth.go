// Package auth authenticates gateway requests in two modes: the shared
// operator API key, and tenant access tokens issued by the external tenant
// registry. Identity tokens without a verified signature are never accepted.
package auth

import "context"

// Permission represents a granular tenant capability carried in a token.
type Permission string

const (
	PermSessionsManage Permission = "sessions.manage"
	PermMessagesSend   Permission = "messages.send"
	PermWebhooksManage Permission = "webhooks.manage"
	PermStatsView      Permission = "stats.view"
)

// AllPermissions returns every defined permission.
func AllPermissions() []Permission {
	return []Permission{
		PermSessionsManage, PermMessagesSend, PermWebhooksManage, PermStatsView,
	}
}

// Context is the authenticated identity extracted by the middleware and
// placed in the request context.
type Context struct {
	// TenantID is the token's tenant, or the X-Tenant-ID header when the
	// operator key was used.
	TenantID    string
	Permissions []Permission
	// Admin is set for the operator API key and when auth is disabled.
	Admin       bool
	AuthEnabled bool
}

// HasPermission reports whether the identity holds the permission. Admins
// hold every permission.
func (c *Context) HasPermission(p Permission) bool {
	if c.Admin {
		return true
	}
	for _, perm := range c.Permissions {
		if perm == p {
			return true
		}
	}
	return false
}

// AllowedTenant reports whether the identity may act on the given tenant.
func (c *Context) AllowedTenant(tenantID string) bool {
	if c.Admin {
		return true
	}
	return c.TenantID != "" && c.TenantID == tenantID
}

// contextKey is an unexported type for context keys.
type contextKey struct{}

// ContextKey stores the auth Context in a context.Context.
var ContextKey = contextKey{}

// WithContext attaches the identity to ctx.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, ContextKey, ac)
}

// FromContext extracts the identity, or nil when unauthenticated.
func FromContext(ctx context.Context) *Context {
	ac, _ := ctx.Value(ContextKey).(*Context)
	return ac
}
