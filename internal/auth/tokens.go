package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeTenant is the required "type" claim of tenant access tokens.
const TokenTypeTenant = "tenant_access"

var (
	// ErrTokenType rejects well-signed tokens of the wrong kind, such as
	// refresh or identity tokens.
	ErrTokenType = errors.New("not a tenant access token")
	// ErrTokenTenant rejects tokens without a tenant claim.
	ErrTokenTenant = errors.New("token has no tenant")
)

// TenantClaims is the payload of a tenant access token as issued by the
// tenant registry.
type TenantClaims struct {
	TenantID    string   `json:"tenantId"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	jwt.RegisteredClaims
}

// IssueTenantToken signs a tenant access token with HS256. A zero ttl issues
// a token without expiry. Primarily for tests and operator tooling; the
// tenant registry is the production issuer.
func IssueTenantToken(secret, tenantID string, perms []Permission, ttl time.Duration) (string, error) {
	now := time.Now()
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	claims := TenantClaims{
		TenantID:    tenantID,
		Permissions: names,
		TokenType:   TokenTypeTenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  tenantID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseTenantToken verifies the signature and claims of a tenant access
// token. Only HS256 is accepted; expiry is enforced by the parser.
func ParseTenantToken(secret, token string) (*TenantClaims, error) {
	claims := &TenantClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.TokenType != TokenTypeTenant {
		return nil, ErrTokenType
	}
	if claims.TenantID == "" {
		return nil, ErrTokenTenant
	}
	return claims, nil
}

// ExtractBearerToken pulls the token out of an Authorization header, or
// returns empty when absent or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
