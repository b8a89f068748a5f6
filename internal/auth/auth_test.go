package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, secret []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func TestUserIDFromValidToken(t *testing.T) {
	secret := []byte("auth-secret")
	v := NewVerifier(secret)
	token := signedToken(t, secret, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	id, err := v.UserID(req)
	require.NoError(t, err)
	assert.Equal(t, "user-42", id)
}

func TestUserIDMissingHeader(t *testing.T) {
	v := NewVerifier([]byte("auth-secret"))
	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	_, err := v.UserID(req)
	assert.ErrorIs(t, err, ErrMissingToken)

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = v.UserID(req)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestUserIDWrongSecret(t *testing.T) {
	v := NewVerifier([]byte("auth-secret"))
	token := signedToken(t, []byte("other-secret"), jwt.RegisteredClaims{Subject: "user-1"})

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, err := v.UserID(req)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUserIDExpiredToken(t *testing.T) {
	secret := []byte("auth-secret")
	v := NewVerifier(secret)
	token := signedToken(t, secret, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, err := v.UserID(req)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUserIDEmptySubject(t *testing.T) {
	secret := []byte("auth-secret")
	v := NewVerifier(secret)
	token := signedToken(t, secret, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, err := v.UserID(req)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	secret := []byte("auth-secret")
	v := NewVerifier(secret)
	var seenID string
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, secret, jwt.RegisteredClaims{
		Subject:   "user-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-7", seenID)
}
