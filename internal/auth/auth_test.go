// ABOUTME: Tests for session token verification
// ABOUTME: Covers bearer and cookie extraction, expiry, and claim validation

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

func TestCurrentUser_NoToken(t *testing.T) {
	v := NewJWTVerifier([]byte("secret"))
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	user, err := v.CurrentUser(r)
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestCurrentUser_BearerToken(t *testing.T) {
	v := NewJWTVerifier([]byte("secret"))
	token, err := v.Issue(&User{ID: "user-1", Role: "admin"}, time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	user, err := v.CurrentUser(r)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "admin", user.Role)
}

func TestCurrentUser_SessionCookie(t *testing.T) {
	v := NewJWTVerifier([]byte("secret"))
	token, err := v.Issue(&User{ID: "user-2"}, time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})

	user, err := v.CurrentUser(r)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "user-2", user.ID)
}

func TestCurrentUser_ExpiredToken(t *testing.T) {
	v := NewJWTVerifier([]byte("secret"))
	token, err := v.Issue(&User{ID: "user-1"}, -time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	_, err = v.CurrentUser(r)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestCurrentUser_WrongSecret(t *testing.T) {
	issuer := NewJWTVerifier([]byte("secret-a"))
	token, err := issuer.Issue(&User{ID: "user-1"}, time.Hour)
	require.NoError(t, err)

	v := NewJWTVerifier([]byte("secret-b"))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	_, err = v.CurrentUser(r)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCurrentUser_MissingSubject(t *testing.T) {
	secret := []byte("secret")
	claims := jwt.MapClaims{
		"role": "user",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	v := NewJWTVerifier(secret)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	_, err = v.CurrentUser(r)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestCurrentUser_DefaultRole(t *testing.T) {
	secret := []byte("secret")
	claims := jwt.MapClaims{
		"sub": "user-3",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	v := NewJWTVerifier(secret)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	user, err := v.CurrentUser(r)
	require.NoError(t, err)
	assert.Equal(t, "user", user.Role)
}

func TestCurrentUser_RejectsUnexpectedAlgorithm(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-1",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	v := NewJWTVerifier([]byte("secret"))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	_, err = v.CurrentUser(r)
	assert.Error(t, err)
}
