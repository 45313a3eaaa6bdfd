package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zoravur/passerby/internal/backend"
)

// Claims are the access-token claims a session is built from.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// ErrNoSubject is returned for tokens without a "sub" claim.
var ErrNoSubject = errors.New("token has no subject")

// ParseToken reads the claims of an access token. With a secret the HS256
// signature and expiry are verified; without one the token is decoded
// unverified, as the platform has already verified it.
func ParseToken(token, secret string, now func() time.Time) (*Claims, error) {
	if now == nil {
		now = time.Now
	}
	var claims Claims
	if secret == "" {
		if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
			return nil, fmt.Errorf("parse token: %w", err)
		}
	} else {
		_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(now))
		if err != nil {
			return nil, fmt.Errorf("verify token: %w", err)
		}
	}
	if claims.Subject == "" {
		return nil, ErrNoSubject
	}
	return &claims, nil
}

// FromToken builds a session from a bare access token, for backends that
// have no auth service of their own.
func FromToken(token, secret string, now func() time.Time) (*backend.Session, error) {
	c, err := ParseToken(token, secret, now)
	if err != nil {
		return nil, backend.Invalid("session.token", err.Error())
	}
	s := &backend.Session{UserID: c.Subject, Email: c.Email, AccessToken: token}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return s, nil
}

// Sign issues an HS256 token for userID, used to mint development sessions
// against the direct Postgres backend.
func Sign(userID, email, secret string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Email: email,
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
