package token

import (
	"net/http"
	"net/url"
)

const (
	CookieName = "accessToken"
	// CookieMaxAge is deliberately short; the cookie only gates routes.
	CookieMaxAge = 900
)

func AccessCookie(value string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   CookieMaxAge,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	}
}

func ExpiredCookie(secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	}
}

// CookieSink receives the credential cookie whenever the credential changes.
type CookieSink interface {
	SetCookie(c *http.Cookie)
}

// JarSink mirrors the credential cookie into an http.CookieJar for the API
// origin, so edge routing in front of the API sees it on every request.
type JarSink struct {
	Jar http.CookieJar
	URL *url.URL
}

func (j JarSink) SetCookie(c *http.Cookie) {
	if j.Jar == nil || j.URL == nil {
		return
	}
	j.Jar.SetCookies(j.URL, []*http.Cookie{c})
}
