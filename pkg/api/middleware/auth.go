// Package middleware provides HTTP middleware for the gateway API: tenant
// resolution from the request host and JWT authentication against the
// tenant's signing secret.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/tenant"
)

// Context key type for request-scoped values
type contextKey string

const (
	tenantContextKey    contextKey = "tenant"
	principalContextKey contextKey = "principal"
)

// Principal is the authenticated caller as derived from the bearer token.
// Role and claims flow into every database transaction, where row-level
// policies make the actual access decisions.
type Principal struct {
	Role   string
	Sub    *string
	RawJWT string
	Claims map[string]any
}

// Owner returns the principal's subject, nil for anonymous callers.
func (p *Principal) Owner() *string {
	if p == nil {
		return nil
	}
	return p.Sub
}

// GetTenant retrieves the resolved tenant from the request context.
// Returns nil if tenant resolution middleware has not run.
func GetTenant(ctx context.Context) *tenant.Tenant {
	tn, ok := ctx.Value(tenantContextKey).(*tenant.Tenant)
	if !ok {
		return nil
	}
	return tn
}

// GetPrincipal retrieves the authenticated principal from the request
// context. Returns nil for unauthenticated requests.
func GetPrincipal(ctx context.Context) *Principal {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}

// WithTenant stores a tenant on a context; used by tests and by the signed
// URL flow where the tenant is implied by the token rather than the host.
func WithTenant(ctx context.Context, tn *tenant.Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey, tn)
}

// WithPrincipal stores a principal on a context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// ResolveTenant resolves the tenant from X-Forwarded-Host (or Host) and
// stores it in the request context. The tenant id is the first DNS label of
// the host. In single-tenant deployments the resolver ignores the id.
func ResolveTenant(resolver *tenant.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tn, err := resolver.Resolve(r.Context(), tenantIDFromHost(requestHost(r)))
			if err != nil {
				apierr.Render(w, apierr.Wrap(apierr.CodeAccessDenied, "unknown tenant", err))
				return
			}
			if tn.Suspended {
				apierr.Render(w, apierr.New(apierr.CodeAccessDenied, "tenant is suspended"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tn)))
		})
	}
}

// Auth validates the bearer token against the tenant's JWT secret and
// stores the resulting principal. When required is false, requests without
// a token continue anonymously; a present but invalid token still fails.
func Auth(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := extractBearerToken(r)
			if !ok {
				if required {
					apierr.Render(w, apierr.New(apierr.CodeInvalidJWT, "authorization header is required"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			tn := GetTenant(r.Context())
			if tn == nil {
				apierr.Render(w, apierr.New(apierr.CodeAccessDenied, "tenant not resolved"))
				return
			}

			principal, err := parseToken(tokenString, tn.JWTSecret)
			if err != nil {
				apierr.Render(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// parseToken verifies an HS256 token and extracts role, subject and the raw
// claim set.
func parseToken(tokenString, secret string) (*Principal, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apierr.Newf(apierr.CodeInvalidJWT,
				"unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, apierr.InvalidJWT(err)
	}

	p := &Principal{
		RawJWT: tokenString,
		Claims: claims,
	}
	if role, ok := claims["role"].(string); ok {
		p.Role = role
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		p.Sub = &sub
	}
	return p, nil
}

// extractBearerToken extracts the token from a Bearer Authorization header.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// requestHost prefers the proxy-supplied host over the TCP one.
func requestHost(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		return fwd
	}
	return r.Host
}

// tenantIDFromHost takes the first DNS label of a host, dropping any port.
func tenantIDFromHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}
