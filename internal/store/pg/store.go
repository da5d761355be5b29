package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"inbox/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

// InsertJob records a queued job and supersedes every job still in flight for
// the same conversation. It returns how many jobs were superseded.
func (s *Store) InsertJob(ctx context.Context, in store.JobInsert) (int64, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE ai_reply_jobs SET state=$3, updated_at=$4
		WHERE organization_id=$1 AND conversation_id=$2 AND state IN ('queued','dispatched')
	`, in.OrganizationID, in.ConversationID, store.JobSuperseded, in.Now)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ai_reply_jobs (id, organization_id, conversation_id, requested_by, force, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
	`, in.ID, in.OrganizationID, in.ConversationID, in.RequestedBy, in.Force, store.JobQueued, in.Now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

const jobColumns = `id, organization_id, conversation_id, requested_by, force, state, COALESCE(last_error,''), created_at, updated_at`

func scanJob(row pgx.Row) (store.AIReplyJob, bool, error) {
	var j store.AIReplyJob
	err := row.Scan(&j.ID, &j.OrganizationID, &j.ConversationID, &j.RequestedBy, &j.Force, &j.State, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.AIReplyJob{}, false, nil
	}
	if err != nil {
		return store.AIReplyJob{}, false, err
	}
	return j, true, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (store.AIReplyJob, bool, error) {
	return scanJob(s.DB.QueryRow(ctx, `SELECT `+jobColumns+` FROM ai_reply_jobs WHERE id=$1`, id))
}

// FindActiveJob returns the conversation's queued or dispatched job.
func (s *Store) FindActiveJob(ctx context.Context, orgID, conversationID string) (store.AIReplyJob, bool, error) {
	return scanJob(s.DB.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM ai_reply_jobs
		WHERE organization_id=$1 AND conversation_id=$2 AND state IN ('queued','dispatched')
		ORDER BY created_at DESC LIMIT 1
	`, orgID, conversationID))
}

// TransitionJob applies in only while the job is still in one of in.From.
func (s *Store) TransitionJob(ctx context.Context, in store.JobTransition) (bool, error) {
	from := make([]string, len(in.From))
	for i, st := range in.From {
		from[i] = string(st)
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE ai_reply_jobs SET state=$2, last_error=$3, updated_at=$4
		WHERE id=$1 AND state = ANY($5)
	`, in.ID, in.To, nullIfEmpty(in.LastError), in.Now, from)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
