package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	claimSubject = "sub"
	claimUserID  = "user_id"
	claimOrgID   = "org_id"
)

// Principal is the authenticated caller of a gateway route.
type Principal struct {
	UserID         string
	OrganizationID string
}

type principalKey struct{}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Auth verifies HS256 bearer tokens issued by the auth service.
type Auth struct {
	Secret []byte
}

func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.authenticate(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, ErrUnauthorized, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func (a *Auth) authenticate(header string) (Principal, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return Principal{}, errors.New("missing bearer token")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, err
	}

	p := Principal{
		UserID:         claimString(claims, claimUserID),
		OrganizationID: claimString(claims, claimOrgID),
	}
	if p.UserID == "" {
		p.UserID = claimString(claims, claimSubject)
	}
	if p.UserID == "" {
		return Principal{}, errors.New("user id missing")
	}
	return p, nil
}

// GenerateToken signs a gateway bearer token.
func GenerateToken(secret []byte, p Principal, expiresIn time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is required")
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		claimSubject: p.UserID,
		claimUserID:  p.UserID,
		claimOrgID:   p.OrganizationID,
		"iat":        now.Unix(),
		"exp":        now.Add(expiresIn).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
