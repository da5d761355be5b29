package sqsqueue

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type Producer struct {
	SQS      API
	QueueURL string
}

type AIReplyJob struct {
	JobID          string `json:"jobId"`
	OrganizationID string `json:"organizationId"`
	ConversationID string `json:"conversationId"`
	RequestedBy    string `json:"requestedBy"`
	Force          bool   `json:"force,omitempty"`
}

func (p *Producer) EnqueueAIReply(ctx context.Context, job AIReplyJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &p.QueueURL,
		MessageBody:            str(string(body)),
		MessageGroupId:         str(messageGroupID(job.OrganizationID, job.ConversationID)),
		MessageDeduplicationId: str(job.JobID),
	})
	return err
}

// messageGroupID keeps jobs of one conversation in FIFO order while
// conversations proceed in parallel.
func messageGroupID(orgID, conversationID string) string {
	return orgID + ":" + conversationID
}

func str(s string) *string { return &s }
