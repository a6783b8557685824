package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenType distinguishes between access and refresh tokens
type TokenType string

const (
	AccessToken  TokenType = "access"
	RefreshToken TokenType = "refresh"
)

// UserID accepts both numeric and string user identifiers
type UserID string

func (id *UserID) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = UserID(n.String())
	return nil
}

// Claims represents the JWT claims the console cares about
type Claims struct {
	UserID    UserID    `json:"user_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	TokenType TokenType `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

var parser = jwt.NewParser()

// Inspect decodes a token's claims without verifying the signature. The
// console never holds the signing key; the result only drives expiry
// scheduling and display, never authorization.
func Inspect(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExpiresAt returns the expiry time, or the zero time when the token has none
func (c *Claims) ExpiresAt() time.Time {
	if c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}

// ExpiredAt reports whether the token is expired at now, treating tokens
// within leeway of their expiry as already expired
func (c *Claims) ExpiredAt(now time.Time, leeway time.Duration) bool {
	exp := c.ExpiresAt()
	if exp.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(exp)
}

// Expired inspects token and reports whether it is expired at now. Opaque
// (non-JWT) tokens are never considered expired; the server decides.
func Expired(token string, now time.Time, leeway time.Duration) bool {
	claims, err := Inspect(token)
	if err != nil {
		return false
	}
	return claims.ExpiredAt(now, leeway)
}

// Subject returns the best available user identifier
func (c *Claims) Subject() string {
	if c.UserID != "" {
		return string(c.UserID)
	}
	return c.RegisteredClaims.Subject
}
