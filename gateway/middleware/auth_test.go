package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthenticatorEnforcesScopes(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "jwt-secret", Issuer: "issuer"}, nil)
	var seen []string
	handler := auth.Middleware("escrow:read")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ScopesFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	exp := time.Now().Add(time.Hour).Unix()

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "other", jwt.MapClaims{"iss": "issuer", "exp": exp, "scope": "escrow:read"}), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + signToken(t, "jwt-secret", jwt.MapClaims{"iss": "x", "exp": exp, "scope": "escrow:read"}), http.StatusUnauthorized},
		{"no expiry", "Bearer " + signToken(t, "jwt-secret", jwt.MapClaims{"iss": "issuer", "scope": "escrow:read"}), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, "jwt-secret", jwt.MapClaims{"iss": "issuer", "exp": time.Now().Add(-time.Hour).Unix(), "scope": "escrow:read"}), http.StatusUnauthorized},
		{"missing scope", "Bearer " + signToken(t, "jwt-secret", jwt.MapClaims{"iss": "issuer", "exp": exp, "scope": "other"}), http.StatusForbidden},
		{"ok string scope", "Bearer " + signToken(t, "jwt-secret", jwt.MapClaims{"iss": "issuer", "exp": exp, "scope": "other escrow:read"}), http.StatusOK},
		{"ok array scope", "bearer " + signToken(t, "jwt-secret", jwt.MapClaims{"iss": "issuer", "exp": exp, "scope": []string{"escrow:read"}}), http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		require.Equal(t, tc.want, res.Code, tc.name)
	}
	require.Contains(t, seen, "escrow:read")
}

func TestAuthenticatorDisabledPassesThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: false}, nil)
	handler := auth.Middleware("escrow:read")(okHandler())
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/escrows", nil))
	require.Equal(t, http.StatusOK, res.Code)
}
