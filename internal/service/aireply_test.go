package service

import (
	"context"
	"errors"
	"testing"
	"time"

	sqsqueue "inbox/internal/queue/sqs"
	"inbox/internal/store"
)

type memStore struct {
	jobs        map[string]store.AIReplyJob
	transitions []store.JobTransition
}

func newMemStore() *memStore { return &memStore{jobs: map[string]store.AIReplyJob{}} }

func (m *memStore) FindActiveJob(_ context.Context, orgID, conversationID string) (store.AIReplyJob, bool, error) {
	for _, j := range m.jobs {
		if j.OrganizationID == orgID && j.ConversationID == conversationID && j.State.Active() {
			return j, true, nil
		}
	}
	return store.AIReplyJob{}, false, nil
}

func (m *memStore) InsertJob(_ context.Context, in store.JobInsert) (int64, error) {
	var n int64
	for id, j := range m.jobs {
		if j.OrganizationID == in.OrganizationID && j.ConversationID == in.ConversationID && j.State.Active() {
			j.State = store.JobSuperseded
			m.jobs[id] = j
			n++
		}
	}
	m.jobs[in.ID] = store.AIReplyJob{ID: in.ID, OrganizationID: in.OrganizationID, ConversationID: in.ConversationID, Force: in.Force, State: store.JobQueued}
	return n, nil
}

func (m *memStore) TransitionJob(_ context.Context, in store.JobTransition) (bool, error) {
	m.transitions = append(m.transitions, in)
	j, ok := m.jobs[in.ID]
	if !ok {
		return false, nil
	}
	j.State = in.To
	m.jobs[in.ID] = j
	return true, nil
}

type memQueue struct {
	jobs []sqsqueue.AIReplyJob
	err  error
}

func (q *memQueue) EnqueueAIReply(_ context.Context, job sqsqueue.AIReplyJob) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func TestTriggerQueuesJob(t *testing.T) {
	st, q := newMemStore(), &memQueue{}
	svc := &AIReplyService{Store: st, Queue: q}

	ack, err := svc.Trigger(context.Background(), Trigger{OrganizationID: "o1", ConversationID: "c1", RequestedBy: "u1"}, "aij_1", time.Now())
	if err != nil || !ack.Queued || ack.Message != MsgQueued {
		t.Fatalf("unexpected ack %+v %v", ack, err)
	}
	if len(q.jobs) != 1 || q.jobs[0].JobID != "aij_1" || q.jobs[0].RequestedBy != "u1" {
		t.Fatalf("unexpected queue %+v", q.jobs)
	}
}

func TestTriggerInProgressWithoutForce(t *testing.T) {
	st, q := newMemStore(), &memQueue{}
	svc := &AIReplyService{Store: st, Queue: q}
	ctx := context.Background()
	tr := Trigger{OrganizationID: "o1", ConversationID: "c1"}

	if _, err := svc.Trigger(ctx, tr, "aij_1", time.Now()); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	ack, err := svc.Trigger(ctx, tr, "aij_2", time.Now())
	if err != nil || ack.Queued || ack.Message != MsgInProgress {
		t.Fatalf("unexpected ack %+v %v", ack, err)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("expected no second enqueue, got %d", len(q.jobs))
	}
}

func TestForcedTriggerSupersedes(t *testing.T) {
	st, q := newMemStore(), &memQueue{}
	svc := &AIReplyService{Store: st, Queue: q}
	ctx := context.Background()

	_, _ = svc.Trigger(ctx, Trigger{OrganizationID: "o1", ConversationID: "c1"}, "aij_1", time.Now())
	ack, err := svc.Trigger(ctx, Trigger{OrganizationID: "o1", ConversationID: "c1", Force: true}, "aij_2", time.Now())
	if err != nil || !ack.Queued {
		t.Fatalf("unexpected ack %+v %v", ack, err)
	}
	if st.jobs["aij_1"].State != store.JobSuperseded || st.jobs["aij_2"].State != store.JobQueued {
		t.Fatalf("unexpected states %+v", st.jobs)
	}
}

func TestTriggerEnqueueFailureMarksFailed(t *testing.T) {
	st, q := newMemStore(), &memQueue{err: errors.New("sqs down")}
	svc := &AIReplyService{Store: st, Queue: q}

	if _, err := svc.Trigger(context.Background(), Trigger{OrganizationID: "o1", ConversationID: "c1"}, "aij_1", time.Now()); err == nil {
		t.Fatalf("expected enqueue error")
	}
	if st.jobs["aij_1"].State != store.JobFailed || st.transitions[0].LastError != "enqueue_failed" {
		t.Fatalf("expected failed job, got %+v", st.jobs["aij_1"])
	}
}

func TestTriggerRequiresConversation(t *testing.T) {
	svc := &AIReplyService{Store: newMemStore(), Queue: &memQueue{}}
	if _, err := svc.Trigger(context.Background(), Trigger{OrganizationID: "o1"}, "aij_1", time.Now()); !errors.Is(err, ErrMissingConversation) {
		t.Fatalf("expected ErrMissingConversation, got %v", err)
	}
}
