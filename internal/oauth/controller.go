// Package oauth runs the redirect handshake that attaches a Facebook or
// Instagram account as a channel, binding each round trip to a one-time nonce.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"inbox/internal/domain"
	"inbox/internal/observability"
	"inbox/internal/util"
)

var (
	ErrStateMismatch   = errors.New("oauth state does not match the pending handshake")
	ErrProviderDenied  = errors.New("provider denied the authorization request")
	ErrNotRedirectType = errors.New("channel type does not use the oauth redirect flow")
)

type Phase int

const (
	Idle Phase = iota
	AwaitingRedirect
	CallbackReceived
	ValidatingState
	Complete
	Rejected
)

func (p Phase) String() string {
	switch p {
	case AwaitingRedirect:
		return "awaiting_redirect"
	case CallbackReceived:
		return "callback_received"
	case ValidatingState:
		return "validating_state"
	case Complete:
		return "complete"
	case Rejected:
		return "rejected"
	default:
		return "idle"
	}
}

type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Invalidator is the channel registry's cache.
type Invalidator interface {
	Invalidate()
}

// HandshakeState is what survives the redirect round trip.
type HandshakeState struct {
	Nonce       string             `json:"nonce"`
	RedirectURI string             `json:"redirectUri"`
	ChannelType domain.ChannelType `json:"channelType"`
}

func storageKey(t domain.ChannelType) string { return "oauth_state:" + t.String() }

type Result struct {
	// Attempted is false when the callback carried no code.
	Attempted bool
	// Duplicate is set when the same callback was already handled.
	Duplicate   bool
	Channel     domain.ChannelConnection
	Reconnected bool
}

type Controller struct {
	API      API
	Storage  Storage
	Channels Invalidator
	// Strict rejects callbacks when either the stored nonce or the returned
	// state is missing, instead of skipping the comparison.
	Strict bool
	// DefaultRedirectURI is used when the caller or the stored handshake
	// names no redirect.
	DefaultRedirectURI func(domain.ChannelType) string
	Logger             *slog.Logger

	mu      sync.Mutex
	phases  map[domain.ChannelType]Phase
	handled map[string]struct{}
}

func NewController(api API, storage Storage, channels Invalidator, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		API:      api,
		Storage:  storage,
		Channels: channels,
		Logger:   logger.With("component", "oauth"),
	}
}

func (c *Controller) Phase(t domain.ChannelType) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phases[t]
}

func (c *Controller) setPhase(t domain.ChannelType, p Phase) {
	c.mu.Lock()
	if c.phases == nil {
		c.phases = map[domain.ChannelType]Phase{}
	}
	c.phases[t] = p
	c.mu.Unlock()
}

// RequestAuthorizationURL returns the provider URL to send the user to. The
// URL's state parameter carries a fresh nonce that is persisted until the
// callback arrives.
func (c *Controller) RequestAuthorizationURL(ctx context.Context, t domain.ChannelType, redirectURI string) (string, error) {
	if !t.RedirectBased() {
		return "", ErrNotRedirectType
	}
	if redirectURI == "" && c.DefaultRedirectURI != nil {
		redirectURI = c.DefaultRedirectURI(t)
	}
	raw, err := c.API.AuthorizationURL(ctx, t, redirectURI)
	if err != nil {
		return "", err
	}

	nonce := util.NewNonce()
	authURL, err := withState(raw, nonce)
	if err != nil {
		return "", fmt.Errorf("authorization url: %w", err)
	}
	b, err := json.Marshal(HandshakeState{Nonce: nonce, RedirectURI: redirectURI, ChannelType: t})
	if err != nil {
		return "", err
	}
	if err := c.Storage.Set(ctx, storageKey(t), string(b)); err != nil {
		return "", fmt.Errorf("persist handshake: %w", err)
	}
	c.setPhase(t, AwaitingRedirect)
	c.Logger.Info("oauth handshake started", "channel", t)
	return authURL, nil
}

// HandleCallback completes the handshake from the provider's redirect query.
// The stored nonce is discarded after every attempt, successful or not.
func (c *Controller) HandleCallback(ctx context.Context, t domain.ChannelType, query url.Values) (Result, error) {
	if denied := query.Get("error"); denied != "" {
		c.discard(ctx, t)
		c.reject(t, "denied")
		if desc := query.Get("error_description"); desc != "" {
			denied += ": " + desc
		}
		return Result{Attempted: true}, fmt.Errorf("%w: %s", ErrProviderDenied, denied)
	}

	code := query.Get("code")
	if code == "" {
		return Result{}, nil
	}
	returned := query.Get("state")

	if !c.claim(code + "|" + returned) {
		c.Logger.Debug("duplicate oauth callback ignored", "channel", t)
		return Result{Attempted: true, Duplicate: true}, nil
	}
	c.setPhase(t, CallbackReceived)

	stored, err := c.load(ctx, t)
	c.discard(ctx, t)
	if err != nil {
		c.Logger.Warn("unreadable handshake state", "channel", t, "err", err)
	}

	c.setPhase(t, ValidatingState)
	if err := c.validate(stored, returned); err != nil {
		c.reject(t, "state_mismatch")
		c.Logger.Warn("oauth state rejected", "channel", t)
		return Result{Attempted: true}, err
	}

	redirectURI := ""
	if stored != nil {
		redirectURI = stored.RedirectURI
	} else if c.DefaultRedirectURI != nil {
		redirectURI = c.DefaultRedirectURI(t)
	}

	res, err := c.API.ExchangeCode(ctx, ExchangeRequest{ChannelType: t, Code: code, RedirectURI: redirectURI, State: returned})
	if err != nil {
		c.reject(t, "exchange_failed")
		return Result{Attempted: true}, err
	}

	if c.Channels != nil {
		c.Channels.Invalidate()
	}
	c.setPhase(t, Complete)
	outcome := "connected"
	if res.Reconnected {
		outcome = "reconnected"
	}
	observability.OAuthHandshakes.WithLabelValues(t.String(), outcome).Inc()
	c.Logger.Info("channel "+outcome, "channel", t, "channel_id", res.Channel.ID)
	return Result{Attempted: true, Channel: res.Channel, Reconnected: res.Reconnected}, nil
}

func (c *Controller) validate(stored *HandshakeState, returned string) error {
	if stored == nil || stored.Nonce == "" || returned == "" {
		if c.Strict {
			return ErrStateMismatch
		}
		// lenient: a lost nonce must not block reconnecting
		return nil
	}
	if stored.Nonce != returned {
		return ErrStateMismatch
	}
	return nil
}

// claim reports whether this callback is seen for the first time in the
// controller's lifetime.
func (c *Controller) claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handled == nil {
		c.handled = map[string]struct{}{}
	}
	if _, seen := c.handled[key]; seen {
		return false
	}
	c.handled[key] = struct{}{}
	return true
}

func (c *Controller) reject(t domain.ChannelType, reason string) {
	c.setPhase(t, Rejected)
	observability.OAuthHandshakes.WithLabelValues(t.String(), reason).Inc()
}

func (c *Controller) load(ctx context.Context, t domain.ChannelType) (*HandshakeState, error) {
	raw, found, err := c.Storage.Get(ctx, storageKey(t))
	if err != nil || !found {
		return nil, err
	}
	var st HandshakeState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Controller) discard(ctx context.Context, t domain.ChannelType) {
	if err := c.Storage.Delete(ctx, storageKey(t)); err != nil {
		c.Logger.Warn("failed to discard handshake state", "channel", t, "err", err)
	}
}

func withState(raw, nonce string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("state", nonce)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
