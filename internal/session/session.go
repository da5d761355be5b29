// Package session composes the client-side core for one signed-in agent:
// credential, API client, caches, inbox store, realtime bridge and AI
// orchestrator, with a single start/logout lifecycle.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"inbox/internal/aireply"
	"inbox/internal/apiclient"
	"inbox/internal/channels"
	"inbox/internal/domain"
	"inbox/internal/inbox"
	"inbox/internal/messages"
	"inbox/internal/oauth"
	"inbox/internal/querycache"
	"inbox/internal/realtime"
	"inbox/internal/token"
)

// Storage is the durable client-side key/value store.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

type Config struct {
	APIBaseURL string
	HTTP       *http.Client
	Storage    Storage
	Source     realtime.Source
	// ReconnectLimiter paces realtime resubscribes; nil disables pacing.
	ReconnectLimiter *rate.Limiter

	CookieSecure bool
	// CookieSinks receive the credential cookie in addition to the API jar.
	CookieSinks []token.CookieSink

	StrictOAuthState bool
	OAuthRedirectURI func(domain.ChannelType) string
	AIStallAfter     time.Duration
	OnSessionExpired func()
	OnRealtimeStatus func(realtime.Status)
	Logger           *slog.Logger
}

type Session struct {
	Tokens   *token.Store
	Client   *apiclient.Client
	Queries  *querycache.Cache
	Channels *channels.Registry
	OAuth    *oauth.Controller
	Messages *messages.Cache
	Inbox    *inbox.Store
	Bridge   *realtime.Bridge
	AI       *aireply.Orchestrator

	storage   Storage
	oauthAPI  *oauth.RemoteAPI
	onExpired func()
	onStatus  func(realtime.Status)
	logger    *slog.Logger

	mu            sync.Mutex
	scope         realtime.Scope
	everConnected bool
}

func New(cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(cfg.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		httpClient.Jar = jar
	}
	sinks := append([]token.CookieSink{token.JarSink{Jar: httpClient.Jar, URL: base}}, cfg.CookieSinks...)

	s := &Session{
		storage:   cfg.Storage,
		onExpired: cfg.OnSessionExpired,
		onStatus:  cfg.OnRealtimeStatus,
		logger:    logger.With("component", "session"),
	}
	s.Tokens = token.New(cfg.Storage, cfg.CookieSecure, sinks...)
	s.Client = &apiclient.Client{
		BaseURL:          cfg.APIBaseURL,
		HTTP:             httpClient,
		Tokens:           s.Tokens,
		OnError:          s.reportError,
		OnSessionExpired: s.expire,
	}
	s.Queries = querycache.New()
	s.Inbox = inbox.NewStore()

	s.Messages = messages.New(s.Client, s.Queries)
	s.Messages.OnConversations = func(list []domain.Conversation) { s.Inbox.SyncUnreadFromConversations(list) }

	s.Channels = channels.NewRegistry(s.Client, s.Queries, "", logger)
	s.oauthAPI = &oauth.RemoteAPI{API: s.Client}
	s.OAuth = oauth.NewController(s.oauthAPI, cfg.Storage, s.Channels, logger)
	s.OAuth.Strict = cfg.StrictOAuthState
	s.OAuth.DefaultRedirectURI = cfg.OAuthRedirectURI

	s.AI = aireply.New(s.Client, s.Messages, logger)
	s.AI.StallAfter = cfg.AIStallAfter

	s.Bridge = realtime.NewBridge(cfg.Source, s.HandleEvent, cfg.ReconnectLimiter, logger)
	s.Bridge.OnStatus = s.statusChanged
	return s, nil
}

// Restore loads a persisted credential. It reports whether one was found.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	if err := s.Tokens.Load(ctx); err != nil {
		return false, err
	}
	_, ok := s.Tokens.Token()
	return ok, nil
}

// Login signs in and starts the session for the returned user.
func (s *Session) Login(ctx context.Context, email, password string) (realtime.Scope, error) {
	resp, err := s.Client.Login(ctx, email, password)
	if err != nil {
		return realtime.Scope{}, err
	}
	scope := realtime.Scope{OrganizationID: resp.User.OrganizationID, UserID: resp.User.ID}
	if s.storage != nil {
		if err := s.storage.Set(ctx, scopeKey, scope.OrganizationID+"/"+scope.UserID); err != nil {
			s.logger.Warn("persist scope failed", "err", err)
		}
	}
	return scope, nil
}

// Start scopes the session to an organization and user, subscribes to
// realtime events and performs the first bulk unread sync.
func (s *Session) Start(ctx context.Context, scope realtime.Scope) error {
	s.Bind(scope)
	s.Bridge.Connect(ctx, scope)
	if _, err := s.Messages.Conversations(ctx, ""); err != nil {
		return fmt.Errorf("initial conversation sync: %w", err)
	}
	s.logger.Info("session started", "org_id", scope.OrganizationID, "user_id", scope.UserID)
	return nil
}

// Bind scopes the organization-level APIs without subscribing to realtime
// events, for one-shot commands.
func (s *Session) Bind(scope realtime.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope = scope
	s.everConnected = false
	s.Channels.OrganizationID = scope.OrganizationID
	s.oauthAPI.OrganizationID = scope.OrganizationID
}

func (s *Session) Scope() realtime.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Logout ends the session everywhere: subscription, server session,
// credential, durable storage and every in-memory view.
func (s *Session) Logout(ctx context.Context) error {
	s.Bridge.Disconnect()
	err := s.Client.Logout(ctx)
	if s.storage != nil {
		if clearErr := s.storage.Clear(ctx); clearErr != nil && err == nil {
			err = clearErr
		}
	}
	s.resetViews()
	s.logger.Info("logged out")
	return err
}

func (s *Session) resetViews() {
	s.Queries.Clear()
	s.Inbox.Reset()
	s.AI.Reset()
	s.mu.Lock()
	s.scope = realtime.Scope{}
	s.mu.Unlock()
}

// expire runs when a refresh failed and the credential is already cleared.
// It may be called from any goroutine doing an API call, including the
// bridge's, so the teardown runs asynchronously.
func (s *Session) expire() {
	s.logger.Warn("session expired")
	go func() {
		s.Bridge.Disconnect()
		s.resetViews()
		if s.onExpired != nil {
			s.onExpired()
		}
	}()
}

func (s *Session) statusChanged(st realtime.Status) {
	s.logger.Info("realtime status", "status", st)
	if st == realtime.Connected {
		s.mu.Lock()
		reconnect := s.everConnected
		s.everConnected = true
		s.mu.Unlock()
		// pushes missed while disconnected are recovered by a bulk sync;
		// the first connect is covered by Start
		if reconnect {
			go s.resync()
		}
	}
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

func (s *Session) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Queries.Invalidate(querycache.Key("conversations", "list"))
	if _, err := s.Messages.Conversations(ctx, ""); err != nil {
		s.logger.Warn("resync failed", "err", err)
	}
}

func (s *Session) reportError(method, path string, err error) {
	s.logger.Error("api request failed", "method", method, "path", path, "err", err)
}

const scopeKey = "scope"

// StoredScope returns the scope persisted at login.
func (s *Session) StoredScope(ctx context.Context) (realtime.Scope, bool) {
	if s.storage == nil {
		return realtime.Scope{}, false
	}
	raw, found, err := s.storage.Get(ctx, scopeKey)
	if err != nil || !found {
		return realtime.Scope{}, false
	}
	org, user, ok := strings.Cut(raw, "/")
	if !ok {
		return realtime.Scope{}, false
	}
	return realtime.Scope{OrganizationID: org, UserID: user}, true
}
