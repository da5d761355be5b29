// Package apiclient wraps every call to the data API: it attaches the bearer
// credential and transparently recovers from an expired one.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"inbox/internal/observability"
)

const (
	DefaultRefreshPath = "/auth/refresh"
	refreshTimeout     = 15 * time.Second
)

type Tokens interface {
	AccessToken() string
	SetToken(ctx context.Context, raw string) error
	Clear(ctx context.Context) error
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  Tokens

	// RefreshPath is exchanged for a new access token; the refresh credential
	// itself travels as an httpOnly cookie in HTTP.Jar.
	RefreshPath string

	// OnError is the default error surface. Requests made with
	// SkipErrorReport bypass it.
	OnError func(method, path string, err error)
	// OnSessionExpired runs once per failed refresh, after the credential
	// has been cleared.
	OnSessionExpired func()

	refresh singleflight.Group
}

type requestOptions struct {
	query           url.Values
	header          http.Header
	skipErrorReport bool
	retried         bool
}

type Option func(*requestOptions)

func WithQuery(q url.Values) Option {
	return func(o *requestOptions) { o.query = q }
}

func WithHeader(key, value string) Option {
	return func(o *requestOptions) {
		if o.header == nil {
			o.header = http.Header{}
		}
		o.header.Set(key, value)
	}
}

// SkipErrorReport keeps a failure away from OnError; the error is still returned.
func SkipErrorReport() Option {
	return func(o *requestOptions) { o.skipErrorReport = true }
}

// withoutRefresh marks requests whose 401 means bad credentials, not an
// expired token.
func withoutRefresh() Option {
	return func(o *requestOptions) { o.retried = true }
}

// Do sends a JSON request and decodes a JSON response into out (when non-nil).
func (c *Client) Do(ctx context.Context, method, path string, body, out any, opts ...Option) error {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	err := c.do(ctx, method, path, body, out, &o)
	if err != nil && !o.skipErrorReport && c.OnError != nil {
		c.OnError(method, path, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, o *requestOptions) error {
	used := c.accessToken()
	err := c.send(ctx, method, path, body, out, o, used)
	if err == nil {
		return nil
	}
	if !IsUnauthorized(err) || o.retried || c.isRefreshPath(path) {
		return err
	}

	fresh, refreshErr := c.refreshToken(ctx, used)
	if refreshErr != nil {
		// the caller sees why its own request failed, not the refresh failure
		return err
	}
	o.retried = true
	return c.send(ctx, method, path, body, out, o, fresh)
}

// Refresh exchanges stale for a new access token outside a request, as when
// another transport is rejected. It joins a refresh already in flight and
// returns at once if stale has been replaced meanwhile.
func (c *Client) Refresh(ctx context.Context, stale string) error {
	_, err := c.refreshToken(ctx, stale)
	return err
}

// refreshToken collapses concurrent refreshes into one call. A flight that
// starts after another caller already replaced the stale token reuses it
// without touching the network.
func (c *Client) refreshToken(ctx context.Context, stale string) (string, error) {
	v, err, _ := c.refresh.Do("refresh", func() (any, error) {
		if cur := c.accessToken(); cur != "" && cur != stale {
			return cur, nil
		}

		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		var out struct {
			AccessToken string `json:"accessToken"`
		}
		err := c.Do(refreshCtx, http.MethodPost, c.refreshPath(), nil, &out, SkipErrorReport())
		if err == nil && out.AccessToken == "" {
			err = ErrNoAccessToken
		}
		if err != nil {
			observability.TokenRefreshes.WithLabelValues("failed").Inc()
			slog.Warn("token refresh failed, ending session", "err", err)
			if c.Tokens != nil {
				if clearErr := c.Tokens.Clear(refreshCtx); clearErr != nil {
					slog.Error("clear credential failed", "err", clearErr)
				}
			}
			if c.OnSessionExpired != nil {
				c.OnSessionExpired()
			}
			return "", err
		}

		observability.TokenRefreshes.WithLabelValues("ok").Inc()
		if c.Tokens != nil {
			if err := c.Tokens.SetToken(refreshCtx, out.AccessToken); err != nil {
				// memory already holds the new token; only persistence failed
				slog.Error("store refreshed credential failed", "err", err)
			}
		}
		return out.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) send(ctx context.Context, method, path string, body, out any, o *requestOptions, token string) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, o.query), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range o.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		observability.APIRequests.WithLabelValues(method, "0").Inc()
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	observability.APIRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{}
		_ = json.Unmarshal(b, apiErr)
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}

func (c *Client) url(path string, query url.Values) string {
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) accessToken() string {
	if c.Tokens == nil {
		return ""
	}
	return c.Tokens.AccessToken()
}

func (c *Client) refreshPath() string {
	if c.RefreshPath == "" {
		return DefaultRefreshPath
	}
	return c.RefreshPath
}

func (c *Client) isRefreshPath(path string) bool {
	return strings.TrimRight(path, "/") == strings.TrimRight(c.refreshPath(), "/")
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}
