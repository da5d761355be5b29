// Package token holds the session's short-lived access credential.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StorageKey is the durable storage key the credential is persisted under.
const StorageKey = "accessToken"

type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

type Credential struct {
	AccessToken string
	// ExpiresAt is read from the JWT exp claim; zero when the token is opaque.
	ExpiresAt time.Time
}

func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Store is the single owner of the credential. Writes go to memory, durable
// storage and every cookie sink; reads are served from memory.
type Store struct {
	storage Storage
	sinks   []CookieSink
	secure  bool
	logger  *slog.Logger

	mu  sync.RWMutex
	cur Credential
	ok  bool
}

func New(storage Storage, secure bool, sinks ...CookieSink) *Store {
	return &Store{
		storage: storage,
		sinks:   sinks,
		secure:  secure,
		logger:  slog.Default().With("component", "token"),
	}
}

// Load hydrates the in-memory credential from durable storage.
func (s *Store) Load(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}
	raw, found, err := s.storage.Get(ctx, StorageKey)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if !found || raw == "" {
		return nil
	}
	s.mu.Lock()
	s.cur, s.ok = parse(raw), true
	s.mu.Unlock()
	s.mirror(raw)
	return nil
}

func (s *Store) Token() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur, s.ok
}

func (s *Store) AccessToken() string {
	c, _ := s.Token()
	return c.AccessToken
}

// SetToken replaces the credential. An empty token clears it.
func (s *Store) SetToken(ctx context.Context, raw string) error {
	if raw == "" {
		return s.Clear(ctx)
	}
	s.mu.Lock()
	s.cur, s.ok = parse(raw), true
	s.mu.Unlock()

	s.mirror(raw)
	if s.storage != nil {
		if err := s.storage.Set(ctx, StorageKey, raw); err != nil {
			return fmt.Errorf("persist credential: %w", err)
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.cur, s.ok = Credential{}, false
	s.mu.Unlock()

	for _, sink := range s.sinks {
		sink.SetCookie(ExpiredCookie(s.secure))
	}
	if s.storage != nil {
		if err := s.storage.Delete(ctx, StorageKey); err != nil {
			return fmt.Errorf("delete credential: %w", err)
		}
	}
	s.logger.Info("credential cleared")
	return nil
}

func (s *Store) mirror(raw string) {
	for _, sink := range s.sinks {
		sink.SetCookie(AccessCookie(raw, s.secure))
	}
}

// parse never verifies the signature: the client only needs the expiry hint,
// the API remains the authority on validity.
func parse(raw string) Credential {
	c := Credential{AccessToken: raw}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return c
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time.UTC()
	}
	return c
}
