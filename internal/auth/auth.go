// ABOUTME: Session token verification for identifying the calling user
// ABOUTME: Uses HS256 signed JWTs carried in a cookie or bearer header

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// SessionCookie is the cookie the web frontend stores its token in.
const SessionCookie = "session"

// User identifies an authenticated caller.
type User struct {
	ID   string
	Role string
}

// Verifier resolves the current user from an HTTP request. A nil user with a
// nil error means the request carried no token at all.
type Verifier interface {
	CurrentUser(r *http.Request) (*User, error)
}

// JWTVerifier implements Verifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// CurrentUser extracts and verifies the session token from the request.
// Tokens are read from the Authorization bearer header first, then the
// session cookie. Requests without either yield (nil, nil).
func (v *JWTVerifier) CurrentUser(r *http.Request) (*User, error) {
	token := bearerToken(r)
	if token == "" {
		cookie, err := r.Cookie(SessionCookie)
		if err != nil {
			return nil, nil
		}
		token = cookie.Value
	}
	if token == "" {
		return nil, nil
	}
	return v.verify(token)
}

// verify validates the token and extracts the user from its claims.
func (v *JWTVerifier) verify(tokenString string) (*User, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	role, _ := claims["role"].(string)
	if role == "" {
		role = "user"
	}

	return &User{ID: sub, Role: role}, nil
}

// Issue creates a signed token for the given user, valid for ttl.
// Used by the login collaborator and by tests.
func (v *JWTVerifier) Issue(user *User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  user.ID,
		"role": user.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// bearerToken extracts a token from the Authorization header, if present.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
