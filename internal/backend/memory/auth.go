package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/zoravur/passerby/internal/backend"
)

const tokenTTL = time.Hour

type account struct {
	id       string
	email    string
	password string
}

var _ backend.Authenticator = (*Backend)(nil)

// SignUp registers an account and creates its users row.
func (b *Backend) SignUp(_ context.Context, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.accounts[email]; ok {
		return &backend.BusinessRuleError{Code: backend.CodeUnknown, Message: "User already registered"}
	}
	a := &account{id: uuid.NewString(), email: email, password: password}
	b.accounts[email] = a
	b.tables["users"] = append(b.tables["users"], b.fill(backend.Record{"id": a.id, "username": ""}))
	return nil
}

// SignIn checks the password and issues an HS256 access token.
func (b *Backend) SignIn(_ context.Context, email, password string) (*backend.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	b.mu.Lock()
	a, ok := b.accounts[email]
	b.mu.Unlock()
	if !ok || a.password != password {
		return nil, &backend.BusinessRuleError{Code: backend.CodeUnknown, Message: "Invalid login credentials"}
	}

	exp := b.now().Add(tokenTTL)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   a.id,
		"email": a.email,
		"exp":   exp.Unix(),
		"role":  "authenticated",
	})
	signed, err := tok.SignedString(b.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &backend.Session{
		UserID:      a.id,
		Email:       a.email,
		AccessToken: signed,
		ExpiresAt:   time.Unix(exp.Unix(), 0).UTC(),
	}, nil
}

func (b *Backend) SignOut(_ context.Context, accessToken string) error {
	_, err := b.subject(accessToken)
	return err
}

func (b *Backend) UpdatePassword(_ context.Context, accessToken, password string) error {
	sub, err := b.subject(accessToken)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.accounts {
		if a.id == sub {
			a.password = password
			return nil
		}
	}
	return backend.ErrNotFound
}

func (b *Backend) subject(accessToken string) (string, error) {
	tok, err := jwt.Parse(accessToken, func(t *jwt.Token) (any, error) {
		return b.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(b.now))
	if err != nil {
		return "", &backend.BusinessRuleError{Code: backend.CodeForbidden, Message: "invalid token"}
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", &backend.BusinessRuleError{Code: backend.CodeForbidden, Message: "token has no subject"}
	}
	return sub, nil
}
