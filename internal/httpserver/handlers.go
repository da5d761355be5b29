package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"inbox/internal/domain"
	"inbox/internal/service"
	"inbox/internal/util"
)

type API struct {
	Svc   *service.AIReplyService
	Auth  *Auth
	IDGen func() string
}

func (a *API) Register(r *mux.Router) {
	v1 := r.PathPrefix("/v1/conversations").Subrouter()
	v1.Use(a.Auth.Middleware)
	v1.HandleFunc("/{id}/ai-reply", a.handleAIReply).Methods(http.MethodPost)
}

func (a *API) handleAIReply(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	p, _ := PrincipalFrom(r.Context())
	if p.OrganizationID == "" {
		http.Error(w, ErrMissingOrg, http.StatusForbidden)
		return
	}

	// the body is optional; an empty one means no force
	var req domain.AIReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	ack, err := a.Svc.Trigger(r.Context(), service.Trigger{
		OrganizationID: p.OrganizationID,
		ConversationID: id,
		RequestedBy:    p.UserID,
		Force:          req.Force,
	}, a.IDGen(), util.NowUTC())
	if err != nil {
		slog.Error("trigger ai reply failed",
			"err", err,
			"organization_id", p.OrganizationID,
			"conversation_id", id,
			"user_id", p.UserID,
		)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	status := http.StatusOK
	if ack.Queued {
		status = http.StatusAccepted
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ack)
}
