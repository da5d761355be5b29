package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"inbox/internal/observability"
	"inbox/internal/providers/workflow"
	sqsqueue "inbox/internal/queue/sqs"
	"inbox/internal/store"
	"inbox/internal/util"
)

const maxAttempts = 3

type Store interface {
	GetJob(ctx context.Context, id string) (store.AIReplyJob, bool, error)
	TransitionJob(ctx context.Context, in store.JobTransition) (bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req workflow.DispatchRequest) (workflow.DispatchResponse, int, error)
}

type Processor struct {
	Store       Store
	Workflow    Dispatcher
	CallbackURL string
	Limiter     *rate.Limiter
	Breaker     *gobreaker.CircuitBreaker

	// Backoff defaults to workflow.Backoff.
	Backoff func(attempt int) time.Duration
}

// NewBreaker trips after five consecutive dispatch failures.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:          name,
		MaxRequests:   1,
		Timeout:       30 * time.Second,
		ReadyToTrip:   func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		IsSuccessful:  dispatchSucceeded,
		OnStateChange: logBreakerChange,
	})
}

// 4xx answers reach the engine fine; they are the request's fault.
func dispatchSucceeded(err error) bool {
	var ce clientError
	return err == nil || errors.As(err, &ce)
}

func logBreakerChange(name string, from, to gobreaker.State) {
	slog.Warn("workflow breaker state change", "name", name, "from", from.String(), "to", to.String())
}

// Process hands one queued job to the workflow engine. A nil return deletes
// the message; errors leave it on the queue for redrive.
func (p *Processor) Process(ctx context.Context, msg sqsqueue.AIReplyJob) error {
	job, found, err := p.Store.GetJob(ctx, msg.JobID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("ai reply job not in ledger", "job_id", msg.JobID)
		return nil
	}

	// Idempotent consumer: superseded, final or already handed over
	if job.State != store.JobQueued {
		observability.WorkflowDispatch.WithLabelValues("skipped_"+string(job.State), "0").Inc()
		return nil
	}

	req := workflow.DispatchRequest{
		JobID:          job.ID,
		ConversationID: job.ConversationID,
		OrganizationID: job.OrganizationID,
		Force:          job.Force,
		CallbackURL:    p.CallbackURL,
	}

	var lastErr error
	start := time.Now()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		// 1) Rate limit before calling the engine (per pod)
		if p.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := p.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				observability.WorkflowDispatch.WithLabelValues("rate_limited_local", "0").Inc()
				lastErr = err
				p.sleep(ctx, attempt)
				continue
			}
		}

		// 2) Circuit breaker wraps the engine call
		httpStatus, err := p.executeWithBreaker(ctx, req)

		// 3) Breaker open: fail fast and let SQS redrive later
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.WorkflowDispatch.WithLabelValues("cb_open", "0").Inc()
			return err
		}

		if err == nil {
			observability.WorkflowDispatch.WithLabelValues("ok", strconv.Itoa(httpStatus)).Inc()
			observability.WorkflowLatency.Observe(time.Since(start).Seconds())
			// not applied means a newer trigger superseded the job meanwhile
			_, err := p.Store.TransitionJob(ctx, store.JobTransition{
				ID: job.ID, From: []store.JobState{store.JobQueued}, To: store.JobDispatched, Now: util.NowUTC(),
			})
			return err
		}

		lastErr = err
		observability.WorkflowDispatch.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()

		// shutting down: keep the job queued and the message on the queue
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !workflow.ShouldRetry(err, httpStatus) {
			p.fail(ctx, job.ID, "workflow_non_retryable: "+err.Error())
			return nil
		}
		p.sleep(ctx, attempt)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.fail(ctx, job.ID, "workflow_retry_exhausted: "+errString(lastErr))
	return nil
}

func (p *Processor) executeWithBreaker(ctx context.Context, req workflow.DispatchRequest) (int, error) {
	var httpStatus int
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		defer cancel()

		_, status, err := p.Workflow.Dispatch(reqCtx, req)
		httpStatus = status
		if err != nil && httpStatus >= 400 && httpStatus < 500 && !workflow.ShouldRetry(err, httpStatus) {
			return nil, clientError{err}
		}
		return nil, err
	}

	var err error
	if p.Breaker == nil {
		_, err = call()
	} else {
		_, err = p.Breaker.Execute(call)
	}
	var ce clientError
	if errors.As(err, &ce) {
		err = ce.err
	}
	return httpStatus, err
}

func (p *Processor) fail(ctx context.Context, jobID, reason string) {
	slog.Error("ai reply dispatch failed", "job_id", jobID, "reason", reason)
	if _, err := p.Store.TransitionJob(ctx, store.JobTransition{
		ID: jobID, From: []store.JobState{store.JobQueued}, To: store.JobFailed, LastError: reason, Now: util.NowUTC(),
	}); err != nil {
		slog.Error("mark job failed", "job_id", jobID, "err", err)
	}
}

func (p *Processor) sleep(ctx context.Context, attempt int) {
	backoff := workflow.Backoff
	if p.Backoff != nil {
		backoff = p.Backoff
	}
	t := time.NewTimer(backoff(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

type clientError struct{ err error }

func (e clientError) Error() string { return e.err.Error() }
