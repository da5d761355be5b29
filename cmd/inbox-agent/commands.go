package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"inbox/internal/channels"
	"inbox/internal/domain"
	"inbox/internal/httpapi"
	"inbox/internal/realtime"
)

func runLogin(ctx context.Context, a *agent, args []string) error {
	var email, password string
	fs := pflag.NewFlagSet("login", pflag.ContinueOnError)
	fs.StringVar(&email, "email", "", "account email")
	fs.StringVar(&password, "password", "", "account password (default $INBOX_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if password == "" {
		password = os.Getenv("INBOX_PASSWORD")
	}
	if email == "" || password == "" {
		return errors.New("--email and --password are required")
	}

	scope, err := a.sess.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Printf("signed in as %s (organization %s)\n", scope.UserID, scope.OrganizationID)
	return nil
}

func runAgent(ctx context.Context, a *agent, args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	listen := fs.String("listen", a.cfg.ListenAddr, "address of the local surface")
	if err := fs.Parse(args); err != nil {
		return err
	}

	scope, err := a.restore(ctx)
	if err != nil {
		return err
	}

	s := httpapi.New()
	api := &httpapi.API{
		OAuth:        a.sess.OAuth,
		Inbox:        a.sess.Inbox,
		Tokens:       a.sess.Tokens,
		Stalled:      a.sess.AI.Stalled,
		CookieSecure: a.cfg.CookieSecure,
	}
	api.Register(s.Router)
	s.Router.HandleFunc("/readyz", httpapi.Readyz(time.Second, httpapi.Check{
		Name: "realtime",
		Fn: func(context.Context) error {
			if st := a.sess.Bridge.Status(); st != realtime.Connected {
				return fmt.Errorf("realtime %s", st)
			}
			return nil
		},
	}))
	srv := &http.Server{Addr: *listen, Handler: s.Handler()}

	srvErr := make(chan error, 1)
	go func() {
		a.logger.Info("local surface listening", "addr", *listen)
		srvErr <- srv.ListenAndServe()
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := a.sess.Start(ctx, scope); err != nil {
		return err
	}
	defer a.sess.Bridge.Disconnect()

	updates, unsubscribe := a.sess.Inbox.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping")
			return nil
		case <-a.expired:
			return errors.New("session expired: run the login command again")
		case err := <-srvErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("local surface: %w", err)
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			v := st.View()
			a.logger.Info("inbox updated",
				"total_unread", v.TotalUnread,
				"conversations_unread", len(v.Unread),
				"typing", len(v.Typing),
				"suggestions", len(v.Suggestions),
			)
		}
	}
}

func runConnect(ctx context.Context, a *agent, args []string) error {
	var creds channels.WhatsAppCredentials
	var redirectURI string
	fs := pflag.NewFlagSet("connect", pflag.ContinueOnError)
	fs.StringVar(&creds.PhoneNumberID, "phone-number-id", "", "WhatsApp Business phone number id")
	fs.StringVar(&creds.AccessToken, "access-token", "", "WhatsApp Business access token")
	fs.StringVar(&creds.WABAID, "waba-id", "", "WhatsApp Business account id")
	fs.StringVar(&redirectURI, "redirect-uri", "", "OAuth redirect (default: the local surface callback)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: connect FACEBOOK|INSTAGRAM|WHATSAPP [flags]")
	}
	ct, err := domain.ParseChannelType(fs.Arg(0))
	if err != nil {
		return err
	}

	scope, err := a.restore(ctx)
	if err != nil {
		return err
	}
	a.sess.Bind(scope)

	switch {
	case ct.RedirectBased():
		u, err := a.sess.OAuth.RequestAuthorizationURL(ctx, ct, redirectURI)
		if err != nil {
			return fmt.Errorf("authorization url: %w", err)
		}
		fmt.Printf("open this URL to connect %s (keep `inbox-agent run` up for the callback):\n%s\n", ct, u)
		return nil
	case ct == domain.ChannelWhatsApp:
		res, err := a.sess.Channels.ConnectWhatsApp(ctx, creds)
		if err != nil {
			return fmt.Errorf("connect whatsapp: %w", err)
		}
		verb := "connected"
		if res.Updated {
			verb = "updated"
		}
		fmt.Printf("%s WhatsApp channel %s (%s)\n", verb, res.Channel.ID, res.Channel.ExternalID)
		return nil
	default:
		return fmt.Errorf("%s channels are not connected from the agent", ct)
	}
}

func runLogout(ctx context.Context, a *agent, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if _, err := a.sess.Restore(ctx); err != nil {
		a.logger.Warn("load credential", "err", err)
	}
	// the server side is best effort; local state is always cleared
	if err := a.sess.Logout(ctx); err != nil {
		a.logger.Warn("logout incomplete", "err", err)
	}
	fmt.Println("signed out")
	return nil
}
