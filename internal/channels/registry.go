// Package channels is the client-side view of an organization's connected
// channels.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"inbox/internal/apiclient"
	"inbox/internal/domain"
	"inbox/internal/querycache"
)

type Requester interface {
	Do(ctx context.Context, method, path string, body, out any, opts ...apiclient.Option) error
}

const cacheKey = "channels"

type Registry struct {
	API            Requester
	Cache          *querycache.Cache
	OrganizationID string
	Logger         *slog.Logger
}

func NewRegistry(api Requester, cache *querycache.Cache, orgID string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{API: api, Cache: cache, OrganizationID: orgID, Logger: logger.With("component", "channels")}
}

func (r *Registry) base() string {
	return "/organizations/" + r.OrganizationID + "/channels"
}

func (r *Registry) key() string { return querycache.Key(cacheKey, r.OrganizationID) }

// List returns the organization's channels, from cache when still valid.
func (r *Registry) List(ctx context.Context) ([]domain.ChannelConnection, error) {
	return querycache.Fetch(ctx, r.Cache, r.key(), func(ctx context.Context) ([]domain.ChannelConnection, error) {
		var out []domain.ChannelConnection
		if err := r.API.Do(ctx, http.MethodGet, r.base(), nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// Invalidate forces the next List to refetch.
func (r *Registry) Invalidate() { r.Cache.Invalidate(r.key()) }

// SetActive toggles whether inbound traffic from the channel is accepted.
func (r *Registry) SetActive(ctx context.Context, channelID string, active bool) (domain.ChannelConnection, error) {
	var out domain.ChannelConnection
	body := map[string]bool{"isActive": active}
	if err := r.API.Do(ctx, http.MethodPatch, r.base()+"/"+channelID, body, &out); err != nil {
		return domain.ChannelConnection{}, err
	}
	r.Invalidate()
	return out, nil
}

// Test asks the API to verify the stored provider credentials.
func (r *Registry) Test(ctx context.Context, channelID string) (domain.ChannelTestResult, error) {
	var out domain.ChannelTestResult
	if err := r.API.Do(ctx, http.MethodPost, r.base()+"/"+channelID+"/test", nil, &out); err != nil {
		return domain.ChannelTestResult{}, err
	}
	r.Invalidate()
	return out, nil
}

// Disconnect hard-deletes the connection.
func (r *Registry) Disconnect(ctx context.Context, channelID string) error {
	if err := r.API.Do(ctx, http.MethodDelete, r.base()+"/"+channelID, nil, nil); err != nil {
		return err
	}
	r.Invalidate()
	r.Logger.Info("channel disconnected", "channel_id", channelID)
	return nil
}

type WhatsAppCredentials struct {
	PhoneNumberID string `json:"phoneNumberId"`
	AccessToken   string `json:"accessToken"`
	WABAID        string `json:"wabaId,omitempty"`
}

func (c WhatsAppCredentials) Validate() error {
	if strings.TrimSpace(c.PhoneNumberID) == "" || strings.TrimSpace(c.AccessToken) == "" {
		return domain.ErrMissingFields
	}
	return nil
}

type ConnectResult struct {
	Channel domain.ChannelConnection
	Updated bool
}

type whatsAppBody struct {
	Type        domain.ChannelType  `json:"type"`
	ExternalID  string              `json:"externalId"`
	Name        string              `json:"name,omitempty"`
	Credentials WhatsAppCredentials `json:"credentials"`
}

// ConnectWhatsApp creates the channel, or updates the existing one with the
// same phone number id in place so its id survives a reconnect.
func (r *Registry) ConnectWhatsApp(ctx context.Context, creds WhatsAppCredentials) (ConnectResult, error) {
	if err := creds.Validate(); err != nil {
		return ConnectResult{}, err
	}
	r.Invalidate()
	list, err := r.List(ctx)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("list channels: %w", err)
	}

	body := whatsAppBody{Type: domain.ChannelWhatsApp, ExternalID: creds.PhoneNumberID, Credentials: creds}
	var out domain.ChannelConnection
	res := ConnectResult{}
	if existing, ok := findChannel(list, domain.ChannelWhatsApp, creds.PhoneNumberID); ok {
		body.Name = existing.Name
		if err := r.API.Do(ctx, http.MethodPut, r.base()+"/"+existing.ID, body, &out); err != nil {
			return ConnectResult{}, err
		}
		if out.ID == "" {
			out.ID = existing.ID
		}
		res.Updated = true
	} else {
		if err := r.API.Do(ctx, http.MethodPost, r.base(), body, &out); err != nil {
			return ConnectResult{}, err
		}
	}
	res.Channel = out
	r.Invalidate()
	r.Logger.Info("whatsapp connected", "channel_id", out.ID, "updated", res.Updated)
	return res, nil
}

func findChannel(list []domain.ChannelConnection, t domain.ChannelType, externalID string) (domain.ChannelConnection, bool) {
	for _, c := range list {
		if c.Type == t && c.ExternalID == externalID {
			return c, true
		}
	}
	return domain.ChannelConnection{}, false
}
