package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"inbox/internal/domain"
	"inbox/internal/observability"
	"inbox/internal/realtime"
	"inbox/internal/store"
	"inbox/internal/util"
)

const maxCallbackBytes = 1 << 20

const (
	ModeReply      = "reply"
	ModeSuggestion = "suggestion"
)

type WebhookStore interface {
	GetJob(ctx context.Context, id string) (store.AIReplyJob, bool, error)
	TransitionJob(ctx context.Context, in store.JobTransition) (bool, error)
}

// Publisher fans realtime events out to agents.
type Publisher interface {
	PublishToOrg(ctx context.Context, orgID string, ev realtime.Event) error
	PublishToUser(ctx context.Context, orgID, userID string, ev realtime.Event) error
}

type WorkflowCallback struct {
	JobID          string          `json:"jobId"`
	ConversationID string          `json:"conversationId"`
	OrganizationID string          `json:"organizationId"`
	Mode           string          `json:"mode"`
	Message        *domain.Message `json:"message,omitempty"`
	Suggestion     string          `json:"suggestion,omitempty"`
}

type Webhook struct {
	Store           WebhookStore
	Publisher       Publisher
	VerifySignature func(secret string, body []byte, provided string) bool
	SignatureHeader string
	Secret          string
}

func (w *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/workflow", w.handleWorkflow).Methods(http.MethodPost)
}

func (w *Webhook) handleWorkflow(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if w.VerifySignature == nil || !w.VerifySignature(w.Secret, body, r.Header.Get(w.SignatureHeader)) {
		observability.WebhookEvents.WithLabelValues("unknown", "bad_signature").Inc()
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	var cb WorkflowCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if cb.JobID == "" {
		http.Error(rw, ErrMissingID, http.StatusBadRequest)
		return
	}
	ev, ok := w.event(rw, cb)
	if !ok {
		return
	}

	job, found, err := w.Store.GetJob(r.Context(), cb.JobID)
	if err != nil {
		slog.Error("webhook get job failed", "err", err, "job_id", cb.JobID)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(rw, ErrNotFound, http.StatusNotFound)
		return
	}

	// a newer trigger or an earlier callback already settled this job
	if !job.State.Active() {
		observability.WebhookEvents.WithLabelValues(cb.Mode, "dropped_"+string(job.State)).Inc()
		slog.Info("dropping workflow callback", "job_id", job.ID, "state", job.State)
		rw.WriteHeader(http.StatusOK)
		return
	}

	ev.ConversationID = job.ConversationID
	if ev.Message != nil {
		ev.Message.ConversationID = job.ConversationID
	}
	if cb.Mode == ModeSuggestion {
		err = w.Publisher.PublishToUser(r.Context(), job.OrganizationID, job.RequestedBy, ev)
	} else {
		err = w.Publisher.PublishToOrg(r.Context(), job.OrganizationID, ev)
	}
	if err != nil {
		observability.WebhookEvents.WithLabelValues(cb.Mode, "publish_error").Inc()
		slog.Error("webhook publish failed", "err", err, "job_id", job.ID, "mode", cb.Mode)
		http.Error(rw, ErrDependency, http.StatusBadGateway)
		return
	}

	applied, err := w.Store.TransitionJob(r.Context(), store.JobTransition{
		ID:   job.ID,
		From: []store.JobState{store.JobQueued, store.JobDispatched},
		To:   store.JobDelivered,
		Now:  util.NowUTC(),
	})
	if err != nil {
		slog.Error("webhook mark delivered failed", "err", err, "job_id", job.ID)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	if !applied {
		slog.Warn("job settled while publishing", "job_id", job.ID)
	}
	observability.WebhookEvents.WithLabelValues(cb.Mode, "delivered").Inc()
	rw.WriteHeader(http.StatusOK)
}

func (w *Webhook) event(rw http.ResponseWriter, cb WorkflowCallback) (realtime.Event, bool) {
	switch cb.Mode {
	case ModeReply:
		if cb.Message == nil {
			http.Error(rw, ErrMissingMessage, http.StatusBadRequest)
			return realtime.Event{}, false
		}
		msg := *cb.Message
		if msg.Sender == "" {
			msg.Sender = domain.SenderAI
		}
		msg.IsAIGenerated = true
		return realtime.Event{Kind: realtime.KindNewMessage, Message: &msg}, true
	case ModeSuggestion:
		return realtime.Event{Kind: realtime.KindAISuggestion, Suggestion: cb.Suggestion}, true
	default:
		observability.WebhookEvents.WithLabelValues("unknown", "bad_mode").Inc()
		http.Error(rw, ErrInvalidMode, http.StatusBadRequest)
		return realtime.Event{}, false
	}
}
