package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"inbox/internal/aireply"
	"inbox/internal/domain"
	"inbox/internal/inbox"
	"inbox/internal/oauth"
	"inbox/internal/token"
)

type OAuthCallbacks interface {
	HandleCallback(ctx context.Context, t domain.ChannelType, query url.Values) (oauth.Result, error)
}

type Snapshotter interface {
	Snapshot() *inbox.State
}

type Credentials interface {
	AccessToken() string
}

// API is the agent's local surface: OAuth redirect landing, the cookie-gated
// inbox view and the cookie mirror.
type API struct {
	OAuth        OAuthCallbacks
	Inbox        Snapshotter
	Tokens       Credentials
	Stalled      func() []aireply.Job
	CookieSecure bool
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/oauth/{channel}/callback", a.handleOAuthCallback).Methods(http.MethodGet)
	r.HandleFunc("/login", a.handleLogin).Methods(http.MethodGet)
	r.Handle("/inbox", Gate(http.HandlerFunc(a.handleInbox))).Methods(http.MethodGet)
}

type callbackResponse struct {
	Status  string                    `json:"status"`
	Channel *domain.ChannelConnection `json:"channel,omitempty"`
}

func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ct, err := domain.ParseChannelType(mux.Vars(r)["channel"])
	if err != nil || !ct.RedirectBased() {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	res, err := a.OAuth.HandleCallback(r.Context(), ct, r.URL.Query())
	switch {
	case errors.Is(err, oauth.ErrStateMismatch):
		http.Error(w, "state mismatch, start the connection again", http.StatusBadRequest)
		return
	case errors.Is(err, oauth.ErrProviderDenied):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case err != nil:
		slog.Error("oauth exchange failed", "err", err, "channel", ct)
		http.Error(w, "could not connect channel", http.StatusBadGateway)
		return
	case !res.Attempted:
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	out := callbackResponse{Status: "connected"}
	switch {
	case res.Duplicate:
		out.Status = "duplicate"
	case res.Reconnected:
		out.Status = "reconnected"
	}
	if !res.Duplicate {
		out.Channel = &res.Channel
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLogin mirrors the stored credential into the browser cookie so the
// gated pages open.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	tok := a.Tokens.AccessToken()
	if tok == "" {
		http.Error(w, "not signed in: run the login command first", http.StatusUnauthorized)
		return
	}
	http.SetCookie(w, token.AccessCookie(tok, a.CookieSecure))
	next := r.URL.Query().Get("next")
	if next == "" || next[0] != '/' || (len(next) > 1 && next[1] == '/') {
		next = "/inbox"
	}
	http.Redirect(w, r, next, http.StatusFound)
}

type inboxResponse struct {
	inbox.View
	Stalled []stalledJob `json:"stalledAiReplies,omitempty"`
}

type stalledJob struct {
	ConversationID string `json:"conversationId"`
	RequestedAt    string `json:"requestedAt"`
}

func (a *API) handleInbox(w http.ResponseWriter, r *http.Request) {
	out := inboxResponse{View: a.Inbox.Snapshot().View()}
	if a.Stalled != nil {
		for _, j := range a.Stalled() {
			out.Stalled = append(out.Stalled, stalledJob{
				ConversationID: j.ConversationID,
				RequestedAt:    j.RequestedAt.UTC().Format(http.TimeFormat),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
