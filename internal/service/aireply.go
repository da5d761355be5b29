package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"inbox/internal/domain"
	"inbox/internal/observability"
	sqsqueue "inbox/internal/queue/sqs"
	"inbox/internal/store"
)

const (
	MsgQueued     = "AI reply queued"
	MsgInProgress = "AI reply already in progress"
)

var ErrMissingConversation = errors.New("conversation id is required")

type Store interface {
	FindActiveJob(ctx context.Context, orgID, conversationID string) (store.AIReplyJob, bool, error)
	InsertJob(ctx context.Context, in store.JobInsert) (int64, error)
	TransitionJob(ctx context.Context, in store.JobTransition) (bool, error)
}

type Queue interface {
	EnqueueAIReply(ctx context.Context, job sqsqueue.AIReplyJob) error
}

type Trigger struct {
	OrganizationID string
	ConversationID string
	RequestedBy    string
	Force          bool
}

type AIReplyService struct {
	Store Store
	Queue Queue
}

// Trigger records a job and hands it to the worker queue. The newest trigger
// for a conversation supersedes any job still in flight.
func (s *AIReplyService) Trigger(ctx context.Context, t Trigger, jobID string, now time.Time) (domain.AIReplyAck, error) {
	if strings.TrimSpace(t.ConversationID) == "" {
		return domain.AIReplyAck{}, ErrMissingConversation
	}

	// 1) in-flight check
	if !t.Force {
		if _, found, err := s.Store.FindActiveJob(ctx, t.OrganizationID, t.ConversationID); err != nil {
			return domain.AIReplyAck{}, err
		} else if found {
			observability.AITriggers.WithLabelValues("in_progress").Inc()
			return domain.AIReplyAck{Queued: false, Message: MsgInProgress}, nil
		}
	}

	// 2) ledger row
	if _, err := s.Store.InsertJob(ctx, store.JobInsert{
		ID:             jobID,
		OrganizationID: t.OrganizationID,
		ConversationID: t.ConversationID,
		RequestedBy:    t.RequestedBy,
		Force:          t.Force,
		Now:            now,
	}); err != nil {
		return domain.AIReplyAck{}, err
	}

	// 3) enqueue
	if err := s.Queue.EnqueueAIReply(ctx, sqsqueue.AIReplyJob{
		JobID:          jobID,
		OrganizationID: t.OrganizationID,
		ConversationID: t.ConversationID,
		RequestedBy:    t.RequestedBy,
		Force:          t.Force,
	}); err != nil {
		observability.AITriggers.WithLabelValues("enqueue_error").Inc()
		_, _ = s.Store.TransitionJob(ctx, store.JobTransition{
			ID: jobID, From: []store.JobState{store.JobQueued}, To: store.JobFailed, LastError: "enqueue_failed", Now: now,
		})
		return domain.AIReplyAck{}, err
	}
	observability.AITriggers.WithLabelValues("queued").Inc()

	return domain.AIReplyAck{Queued: true, Message: MsgQueued}, nil
}
