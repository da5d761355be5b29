// Package ws subscribes to realtime events over a websocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"inbox/internal/realtime"
)

var ErrUnauthorized = errors.New("realtime endpoint rejected the credential")

type Source struct {
	URL string
	// Token returns the current access token; it is read on every dial so a
	// refreshed credential is picked up on reconnect.
	Token func() string
	// Refresh, when set, renews a token the endpoint rejected. The dial is
	// retried once with whatever Token returns afterwards.
	Refresh func(ctx context.Context, stale string) error
	Dialer  *websocket.Dialer
	// PongWait bounds how long a silent connection is considered alive.
	PongWait time.Duration
}

func (s *Source) Subscribe(ctx context.Context, scope realtime.Scope) (realtime.Stream, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}
	q := u.Query()
	q.Set("orgId", scope.OrganizationID)
	q.Set("userId", scope.UserID)
	u.RawQuery = q.Encode()

	conn, err := s.dial(ctx, u.String())
	if errors.Is(err, ErrUnauthorized) && s.Refresh != nil {
		if rerr := s.Refresh(ctx, s.token()); rerr != nil {
			return nil, fmt.Errorf("%w: refresh: %v", ErrUnauthorized, rerr)
		}
		conn, err = s.dial(ctx, u.String())
	}
	if err != nil {
		return nil, err
	}

	st := &stream{conn: conn, pongWait: s.PongWait, closed: make(chan struct{})}
	if st.pongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(st.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(st.pongWait))
		})
		go st.ping()
	}
	return st, nil
}

func (s *Source) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	header := http.Header{}
	if tok := s.token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return conn, nil
}

func (s *Source) token() string {
	if s.Token == nil {
		return ""
	}
	return s.Token()
}

type stream struct {
	conn     *websocket.Conn
	pongWait time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *stream) Next(ctx context.Context) (realtime.Event, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return realtime.Event{}, ctx.Err()
		}
		return realtime.Event{}, err
	}
	var ev realtime.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return realtime.Event{}, fmt.Errorf("%w: %v", realtime.ErrMalformedEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return realtime.Event{}, err
	}
	return ev, nil
}

func (s *stream) ping() {
	t := time.NewTicker(s.pongWait * 9 / 10)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
