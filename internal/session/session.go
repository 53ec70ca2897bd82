// Package session issues and verifies signed session tokens. A valid token
// identifies the caller's account and role; nothing else is trusted from the
// request.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// CookieName carries the session token for browser callers.
	CookieName = "auwntech_session"
	// DefaultTTL is how long an issued token stays valid.
	DefaultTTL = 24 * time.Hour
)

// Role is the caller's authorization level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

var (
	ErrNoSession    = errors.New("no session")
	ErrInvalidToken = errors.New("invalid session token")
)

// Caller is the authenticated principal of a request.
type Caller struct {
	AccountID string
	Role      Role
}

// IsAdmin reports whether the caller may use admin operations.
func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// Claims is the token payload.
type Claims struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Codec signs and verifies HS256 session tokens.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCodec creates a codec keyed by secret.
func NewCodec(secret string, ttl time.Duration) *Codec {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Codec{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for caller.
func (c *Codec) Issue(caller Caller) (string, error) {
	if caller.AccountID == "" {
		return "", fmt.Errorf("%w: missing account", ErrInvalidToken)
	}
	now := c.now()
	claims := &Claims{
		ID:   caller.AccountID,
		Role: string(caller.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Parse verifies token and returns its caller. Expired, tampered or
// malformed tokens all yield ErrInvalidToken.
func (c *Codec) Parse(token string) (Caller, error) {
	if token == "" {
		return Caller{}, ErrNoSession
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return Caller{}, fmt.Errorf("%w: missing id claim", ErrInvalidToken)
	}

	role := Role(claims.Role)
	if role != RoleAdmin {
		role = RoleUser
	}
	return Caller{AccountID: claims.ID, Role: role}, nil
}

// Cookie wraps token in the session cookie.
func (c *Codec) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(c.ttl.Seconds()),
	}
}
