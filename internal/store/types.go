package store

import "time"

type JobState string

const (
	JobQueued     JobState = "queued"
	JobDispatched JobState = "dispatched"
	JobDelivered  JobState = "delivered"
	JobFailed     JobState = "failed"
	JobSuperseded JobState = "superseded"
)

// Active reports whether the job may still produce a reply.
func (s JobState) Active() bool { return s == JobQueued || s == JobDispatched }

type AIReplyJob struct {
	ID             string
	OrganizationID string
	ConversationID string
	RequestedBy    string
	Force          bool
	State          JobState
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type JobInsert struct {
	ID             string
	OrganizationID string
	ConversationID string
	RequestedBy    string
	Force          bool
	Now            time.Time
}

// JobTransition moves a job to To only while it is in one of From.
type JobTransition struct {
	ID        string
	From      []JobState
	To        JobState
	LastError string
	Now       time.Time
}
