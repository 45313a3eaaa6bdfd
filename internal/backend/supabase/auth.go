package supabase

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zoravur/passerby/internal/backend"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (c *Client) SignUp(ctx context.Context, email, password string) error {
	return c.do(ctx, "sign up", http.MethodPost, c.endpoint("/auth/v1/signup", nil),
		c.anonKey, credentials{Email: normEmail(email), Password: password}, nil, nil)
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	var tr tokenResponse
	q := url.Values{"grant_type": {"password"}}
	err := c.do(ctx, "sign in", http.MethodPost, c.endpoint("/auth/v1/token", q),
		c.anonKey, credentials{Email: normEmail(email), Password: password}, &tr, nil)
	if err != nil {
		return nil, err
	}
	if tr.AccessToken == "" || tr.User.ID == "" {
		return nil, backend.Transport("sign in", backend.ErrNotFound)
	}
	s := &backend.Session{
		UserID:       tr.User.ID,
		Email:        tr.User.Email,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	switch {
	case tr.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tr.ExpiresAt, 0).UTC()
	case tr.ExpiresIn > 0:
		s.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	}
	return s, nil
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.do(ctx, "sign out", http.MethodPost, c.endpoint("/auth/v1/logout", nil),
		accessToken, nil, nil, nil)
}

func (c *Client) UpdatePassword(ctx context.Context, accessToken, password string) error {
	return c.do(ctx, "update password", http.MethodPut, c.endpoint("/auth/v1/user", nil),
		accessToken, map[string]string{"password": password}, nil, nil)
}

func normEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
