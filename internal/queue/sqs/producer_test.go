package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type fakeSQS struct {
	mu       sync.Mutex
	sent     []*sqs.SendMessageInput
	inbox    []types.Message
	deleted  []string
	received chan struct{}
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	msgs := f.inbox
	f.inbox = nil
	f.mu.Unlock()
	if len(msgs) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func TestMessageGroupIDPerConversation(t *testing.T) {
	a := messageGroupID("o1", "c1")
	if a != messageGroupID("o1", "c1") {
		t.Fatalf("expected stable group id")
	}
	if a == messageGroupID("o1", "c2") || a == messageGroupID("o2", "c1") {
		t.Fatalf("conversations must not share a group")
	}
}

func TestEnqueueAIReplySetsGroupAndDedup(t *testing.T) {
	f := &fakeSQS{}
	p := &Producer{SQS: f, QueueURL: "q"}
	job := AIReplyJob{JobID: "aij_1", OrganizationID: "o1", ConversationID: "c1", RequestedBy: "u1", Force: true}
	if err := p.EnqueueAIReply(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	in := f.sent[0]
	if *in.MessageGroupId != "o1:c1" || *in.MessageDeduplicationId != "aij_1" {
		t.Fatalf("unexpected group/dedup %s/%s", *in.MessageGroupId, *in.MessageDeduplicationId)
	}
	var got AIReplyJob
	if err := json.Unmarshal([]byte(*in.MessageBody), &got); err != nil || got != job {
		t.Fatalf("unexpected body %s (%v)", *in.MessageBody, err)
	}
}

func msg(handle, body string) types.Message {
	return types.Message{ReceiptHandle: str(handle), Body: str(body)}
}

func TestPollConcurrentDeletesOnlyHandledAndPoison(t *testing.T) {
	f := &fakeSQS{inbox: []types.Message{
		msg("ok", `{"jobId":"aij_1","conversationId":"c1"}`),
		msg("fail", `{"jobId":"aij_2","conversationId":"c2"}`),
		msg("poison", `not json`),
		{ReceiptHandle: str("empty")},
	}}
	c := &Consumer{SQS: f, QueueURL: "q", MaxMessages: 10}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	handled := map[string]bool{}
	done := make(chan error, 1)
	go func() {
		done <- c.PollConcurrent(ctx, 2, func(_ context.Context, job AIReplyJob) error {
			mu.Lock()
			handled[job.JobID] = true
			n := len(handled)
			mu.Unlock()
			if n == 2 {
				defer cancel()
			}
			if job.JobID == "aij_2" {
				return errors.New("workflow down")
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not stop")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	deleted := map[string]bool{}
	for _, h := range f.deleted {
		deleted[h] = true
	}
	if !deleted["ok"] || !deleted["poison"] || !deleted["empty"] {
		t.Fatalf("expected ok, poison and empty deleted, got %v", f.deleted)
	}
	if deleted["fail"] {
		t.Fatalf("failed job must be left for redrive")
	}
}
