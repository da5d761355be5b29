package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"inbox/internal/config"
	"inbox/internal/domain"
	"inbox/internal/realtime"
	"inbox/internal/realtime/amqp"
	"inbox/internal/realtime/ws"
	"inbox/internal/session"
	"inbox/internal/store/local"
)

type agent struct {
	cfg     config.AgentConfig
	logger  *slog.Logger
	storage *local.Store
	sess    *session.Session

	// expired is closed when the server rejected the credential for good
	expired chan struct{}
}

func newAgent(cfg config.AgentConfig, logger *slog.Logger) (*agent, error) {
	stallAfter, err := time.ParseDuration(cfg.AIStallAfter)
	if err != nil {
		return nil, fmt.Errorf("invalid AI_STALL_AFTER: %w", err)
	}
	storage, err := local.Open(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &agent{cfg: cfg, logger: logger, storage: storage, expired: make(chan struct{})}
	src, err := a.source()
	if err != nil {
		storage.Close()
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.ReconnectPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ReconnectPerSecond), cfg.ReconnectBurst)
	}

	a.sess, err = session.New(session.Config{
		APIBaseURL:       cfg.APIBaseURL,
		HTTP:             &http.Client{Timeout: 30 * time.Second},
		Storage:          storage,
		Source:           src,
		ReconnectLimiter: limiter,
		CookieSecure:     cfg.CookieSecure,
		StrictOAuthState: cfg.StrictOAuthState,
		OAuthRedirectURI: a.redirectURI,
		AIStallAfter:     stallAfter,
		OnSessionExpired: a.onExpired,
		Logger:           logger,
	})
	if err != nil {
		storage.Close()
		return nil, err
	}
	return a, nil
}

func (a *agent) source() (realtime.Source, error) {
	switch strings.ToLower(a.cfg.RealtimeTransport) {
	case "", "ws":
		if a.cfg.RealtimeURL == "" {
			return nil, fmt.Errorf("REALTIME_URL is required for the ws transport")
		}
		// the session is built after the source; the token is read per dial
		return &ws.Source{
			URL:      a.cfg.RealtimeURL,
			Token:    func() string { return a.sess.Tokens.AccessToken() },
			Refresh:  func(ctx context.Context, stale string) error { return a.sess.Client.Refresh(ctx, stale) },
			PongWait: 60 * time.Second,
		}, nil
	case "amqp":
		if a.cfg.AMQPURL == "" {
			return nil, fmt.Errorf("AMQP_URL is required for the amqp transport")
		}
		return &amqp.Source{URL: a.cfg.AMQPURL, Exchange: a.cfg.RealtimeExchange, Prefetch: 50}, nil
	default:
		return nil, fmt.Errorf("unknown realtime transport %q", a.cfg.RealtimeTransport)
	}
}

func (a *agent) redirectURI(t domain.ChannelType) string {
	return strings.TrimRight(a.cfg.PublicURL, "/") + "/oauth/" + strings.ToLower(t.String()) + "/callback"
}

func (a *agent) onExpired() {
	select {
	case <-a.expired:
	default:
		close(a.expired)
	}
}

// scope prefers explicit configuration over the one stored at login.
func (a *agent) scope(ctx context.Context) (realtime.Scope, error) {
	scope, _ := a.sess.StoredScope(ctx)
	if a.cfg.OrganizationID != "" {
		scope.OrganizationID = a.cfg.OrganizationID
	}
	if a.cfg.UserID != "" {
		scope.UserID = a.cfg.UserID
	}
	if !scope.Valid() {
		return realtime.Scope{}, fmt.Errorf("organization and user unknown: run login or set ORGANIZATION_ID and USER_ID")
	}
	return scope, nil
}

// restore loads the stored credential and scope for commands that need a
// signed-in agent.
func (a *agent) restore(ctx context.Context) (realtime.Scope, error) {
	ok, err := a.sess.Restore(ctx)
	if err != nil {
		return realtime.Scope{}, fmt.Errorf("load credential: %w", err)
	}
	if !ok {
		return realtime.Scope{}, fmt.Errorf("not signed in: run the login command first")
	}
	return a.scope(ctx)
}

func (a *agent) close() {
	if a.sess != nil {
		a.sess.Bridge.Disconnect()
	}
	if err := a.storage.Close(); err != nil {
		a.logger.Warn("close storage", "err", err)
	}
}
