package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/stowage/pkg/tenant"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestTenantIDFromHost(t *testing.T) {
	assert.Equal(t, "acme", tenantIDFromHost("acme.storage.example.com"))
	assert.Equal(t, "acme", tenantIDFromHost("acme.storage.example.com:8080"))
	assert.Equal(t, "localhost", tenantIDFromHost("localhost:5000"))
	assert.Equal(t, "storage", tenantIDFromHost("storage"))
}

func TestExtractBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := extractBearerToken(r)
	assert.False(t, ok)

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	tok, ok := extractBearerToken(r)
	require.True(t, ok)
	assert.Equal(t, "abc.def.ghi", tok)

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, ok = extractBearerToken(r)
	assert.False(t, ok)
}

func TestParseToken(t *testing.T) {
	sub := "user-42"
	tok := signToken(t, jwt.MapClaims{
		"role": "authenticated",
		"sub":  sub,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	p, err := parseToken(tok, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "authenticated", p.Role)
	require.NotNil(t, p.Sub)
	assert.Equal(t, sub, *p.Sub)
	assert.Equal(t, tok, p.RawJWT)

	_, err = parseToken(tok, "wrong-secret-wrong-secret-wrong!")
	assert.Error(t, err)

	expired := signToken(t, jwt.MapClaims{
		"role": "authenticated",
		"exp":  time.Now().Add(-time.Hour).Unix(),
	})
	_, err = parseToken(expired, testSecret)
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	tn := &tenant.Tenant{ID: "acme", JWTSecret: testSecret}
	resolver := tenant.NewSingleTenantResolver(tn)

	var seenTenant *tenant.Tenant
	var seenPrincipal *Principal
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTenant = GetTenant(r.Context())
		seenPrincipal = GetPrincipal(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := ResolveTenant(resolver)(Auth(false)(inner))

	// Anonymous request passes with no principal.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seenTenant)
	assert.Equal(t, "acme", seenTenant.ID)
	assert.Nil(t, seenPrincipal)

	// Valid token yields a principal.
	tok := signToken(t, jwt.MapClaims{
		"role": "authenticated",
		"sub":  "user-1",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seenPrincipal)
	assert.Equal(t, "authenticated", seenPrincipal.Role)

	// A present but invalid token fails even when auth is optional.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Required auth rejects anonymous callers.
	strict := ResolveTenant(resolver)(Auth(true)(inner))
	rec = httptest.NewRecorder()
	strict.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSuspendedTenantRejected(t *testing.T) {
	tn := &tenant.Tenant{ID: "acme", JWTSecret: testSecret, Suspended: true}
	resolver := tenant.NewSingleTenantResolver(tn)

	handler := ResolveTenant(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("suspended tenant must not reach handlers")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
