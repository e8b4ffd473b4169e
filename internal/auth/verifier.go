package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
)

var (
	// ErrNoToken means the request carried no credentials at all.
	ErrNoToken = errors.New("authentication required")
	// ErrInvalidToken means credentials were presented but did not verify.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Verifier authenticates HTTP requests against the operator API key and
// tenant access tokens. It decides identity only; per-route tenant checks
// happen in the handlers via Context.AllowedTenant.
type Verifier struct {
	APIKey    string
	JWTSecret string
	Require   bool
}

// Authenticate resolves the identity behind a request. With Require off it
// grants a synthetic admin identity so local development works without
// credentials. The API key wins over a bearer token when both are present.
func (v *Verifier) Authenticate(r *http.Request) (*Context, error) {
	if !v.Require {
		return &Context{Admin: true, AuthEnabled: false}, nil
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		if v.APIKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(v.APIKey)) == 1 {
			return &Context{
				TenantID:    r.Header.Get("X-Tenant-ID"),
				Admin:       true,
				AuthEnabled: true,
			}, nil
		}
		return nil, ErrInvalidToken
	}

	token := ExtractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return nil, ErrNoToken
	}
	claims, err := ParseTenantToken(v.JWTSecret, token)
	if err != nil {
		return nil, ErrInvalidToken
	}

	perms := make([]Permission, 0, len(claims.Permissions))
	for _, name := range claims.Permissions {
		perms = append(perms, Permission(name))
	}
	// Tokens without an explicit permission list get full access to their
	// own tenant.
	if len(perms) == 0 {
		perms = AllPermissions()
	}
	return &Context{
		TenantID:    claims.TenantID,
		Permissions: perms,
		AuthEnabled: true,
	}, nil
}
