package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func echoUserHandler() (http.Handler, *string) {
	var seen string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return h, &seen
}

func TestRequireAuthValidToken(t *testing.T) {
	auth := NewAuthMiddleware(testSecret)
	next, seen := echoUserHandler()

	req := httptest.NewRequest("GET", "/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "alice"))
	rec := httptest.NewRecorder()

	auth.RequireAuth(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", *seen)
}

func TestRequireAuthQueryParam(t *testing.T) {
	auth := NewAuthMiddleware(testSecret)
	next, seen := echoUserHandler()

	req := httptest.NewRequest("GET", "/subscribe?token="+signToken(t, testSecret, "bob"), nil)
	rec := httptest.NewRecorder()

	auth.RequireAuth(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", *seen)
}

func TestRequireAuthRejects(t *testing.T) {
	auth := NewAuthMiddleware(testSecret)

	tests := []struct {
		name   string
		header string
	}{
		{"missing token", ""},
		{"wrong secret", "Bearer " + signToken(t, "other-secret", "alice")},
		{"garbage token", "Bearer not.a.token"},
		{"no subject", "Bearer " + signToken(t, testSecret, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, seen := echoUserHandler()
			req := httptest.NewRequest("GET", "/conversations", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			auth.RequireAuth(next).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, *seen)
		})
	}
}

func TestRequireAuthRejectsExpiredToken(t *testing.T) {
	auth := NewAuthMiddleware(testSecret)
	next, _ := echoUserHandler()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()

	auth.RequireAuth(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
