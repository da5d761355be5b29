// Package aireply triggers AI replies and tracks which conversations still
// wait for one. The reply itself arrives later as an ordinary message.
package aireply

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"inbox/internal/apiclient"
	"inbox/internal/domain"
	"inbox/internal/observability"
)

var ErrMissingConversation = errors.New("conversation id is required")

type Requester interface {
	Do(ctx context.Context, method, path string, body, out any, opts ...apiclient.Option) error
}

// Invalidator is the message cache.
type Invalidator interface {
	InvalidateConversation(conversationID string)
}

// Job is the client's record of the latest queued trigger per conversation.
type Job struct {
	ConversationID string
	RequestedAt    time.Time
	Force          bool
	Queued         bool
	Message        string
}

type Orchestrator struct {
	API   Requester
	Cache Invalidator
	// StallAfter lists a job as stalled when no AI message arrived within
	// it. Zero disables stall reporting. Stalled jobs are never retried.
	StallAfter time.Duration
	Now        func() time.Time
	Logger     *slog.Logger

	mu   sync.Mutex
	jobs map[string]Job
}

func New(api Requester, cache Invalidator, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{API: api, Cache: cache, Now: time.Now, Logger: logger.With("component", "aireply")}
}

// Trigger asks the backend to queue an AI reply. Only the acknowledgement is
// returned; failures of the trigger call are surfaced, delivery is not
// awaited.
func (o *Orchestrator) Trigger(ctx context.Context, conversationID string, force bool) (domain.AIReplyAck, error) {
	if conversationID == "" {
		return domain.AIReplyAck{}, ErrMissingConversation
	}
	var ack domain.AIReplyAck
	err := o.API.Do(ctx, http.MethodPost, "/conversations/"+conversationID+"/ai-reply", domain.AIReplyRequest{Force: force}, &ack)
	if err != nil {
		observability.AITriggers.WithLabelValues("failed").Inc()
		return domain.AIReplyAck{}, err
	}

	if ack.Queued {
		observability.AITriggers.WithLabelValues("queued").Inc()
		o.mu.Lock()
		if o.jobs == nil {
			o.jobs = map[string]Job{}
		}
		o.jobs[conversationID] = Job{
			ConversationID: conversationID,
			RequestedAt:    o.now(),
			Force:          force,
			Queued:         true,
			Message:        ack.Message,
		}
		o.mu.Unlock()
	} else {
		observability.AITriggers.WithLabelValues("not_queued").Inc()
	}
	if o.Cache != nil {
		o.Cache.InvalidateConversation(conversationID)
	}
	o.Logger.Info("ai reply triggered", "conversation_id", conversationID, "queued", ack.Queued, "force", force)
	return ack, nil
}

// Pending returns the outstanding job for a conversation.
func (o *Orchestrator) Pending(conversationID string) (Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[conversationID]
	return j, ok
}

// ObserveMessage settles the conversation's job when m came from the AI.
func (o *Orchestrator) ObserveMessage(m domain.Message) bool {
	if !m.FromAI() {
		return false
	}
	o.mu.Lock()
	j, ok := o.jobs[m.ConversationID]
	if ok {
		delete(o.jobs, m.ConversationID)
	}
	o.mu.Unlock()
	if ok {
		o.Logger.Debug("ai reply delivered", "conversation_id", m.ConversationID, "after", o.now().Sub(j.RequestedAt))
	}
	return ok
}

// Stalled lists jobs older than StallAfter, oldest first.
func (o *Orchestrator) Stalled() []Job {
	if o.StallAfter <= 0 {
		return nil
	}
	now := o.now()
	o.mu.Lock()
	var out []Job
	for _, j := range o.jobs {
		if now.Sub(j.RequestedAt) >= o.StallAfter {
			out = append(out, j)
		}
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].RequestedAt.Before(out[k].RequestedAt) })
	return out
}

// Forget drops the job, as when the agent dismisses a stalled reply.
func (o *Orchestrator) Forget(conversationID string) {
	o.mu.Lock()
	delete(o.jobs, conversationID)
	o.mu.Unlock()
}

func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.jobs = nil
	o.mu.Unlock()
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}
