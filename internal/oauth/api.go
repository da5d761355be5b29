package oauth

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"inbox/internal/apiclient"
	"inbox/internal/domain"
)

type API interface {
	AuthorizationURL(ctx context.Context, t domain.ChannelType, redirectURI string) (string, error)
	ExchangeCode(ctx context.Context, req ExchangeRequest) (ExchangeResult, error)
}

type ExchangeRequest struct {
	ChannelType domain.ChannelType `json:"-"`
	Code        string             `json:"code"`
	RedirectURI string             `json:"redirectUri"`
	State       string             `json:"state,omitempty"`
}

type ExchangeResult struct {
	Channel     domain.ChannelConnection `json:"channel"`
	Reconnected bool                     `json:"reconnected"`
}

type Requester interface {
	Do(ctx context.Context, method, path string, body, out any, opts ...apiclient.Option) error
}

// RemoteAPI talks to the data API's channel OAuth endpoints.
type RemoteAPI struct {
	API            Requester
	OrganizationID string
}

func (r *RemoteAPI) base(t domain.ChannelType) string {
	return "/organizations/" + r.OrganizationID + "/channels/oauth/" + strings.ToLower(t.String())
}

func (r *RemoteAPI) AuthorizationURL(ctx context.Context, t domain.ChannelType, redirectURI string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	q := url.Values{"redirectUri": {redirectURI}}
	if err := r.API.Do(ctx, http.MethodGet, r.base(t)+"/authorize", nil, &out, apiclient.WithQuery(q)); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (r *RemoteAPI) ExchangeCode(ctx context.Context, req ExchangeRequest) (ExchangeResult, error) {
	var out ExchangeResult
	if err := r.API.Do(ctx, http.MethodPost, r.base(req.ChannelType)+"/callback", req, &out); err != nil {
		return ExchangeResult{}, err
	}
	return out, nil
}
