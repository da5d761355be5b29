package apiclient

import (
	"context"
	"log/slog"
	"net/http"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	User        struct {
		ID             string `json:"id"`
		OrganizationID string `json:"organizationId"`
	} `json:"user"`
}

// Login exchanges credentials for an access token and stores it. The refresh
// credential arrives as a cookie and stays in HTTP.Jar.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	var out LoginResponse
	if err := c.Do(ctx, http.MethodPost, "/auth/login", LoginRequest{Email: email, Password: password}, &out, withoutRefresh()); err != nil {
		return LoginResponse{}, err
	}
	if out.AccessToken == "" {
		return LoginResponse{}, ErrNoAccessToken
	}
	if c.Tokens != nil {
		if err := c.Tokens.SetToken(ctx, out.AccessToken); err != nil {
			return LoginResponse{}, err
		}
	}
	return out, nil
}

// Logout tells the auth service best-effort, then always clears the credential.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.Do(ctx, http.MethodPost, "/auth/logout", nil, nil, SkipErrorReport(), withoutRefresh()); err != nil {
		slog.Warn("logout request failed", "err", err)
	}
	if c.Tokens == nil {
		return nil
	}
	return c.Tokens.Clear(ctx)
}
