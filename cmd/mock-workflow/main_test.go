package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"inbox/internal/httpserver"
	"inbox/internal/providers/workflow"
)

func testConfig(outcomes ...string) config {
	return config{
		APIKey:            "k",
		SigningSecret:     "sig",
		OutcomeMode:       "round_robin",
		Outcomes:          outcomes,
		ReplyText:         "hello",
		CallbackRetryBase: time.Millisecond,
		CallbackRetryMax:  5 * time.Millisecond,
	}
}

func TestDispatchSendsSignedCallback(t *testing.T) {
	got := make(chan httpserver.WorkflowCallback, 1)
	cbSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !workflow.VerifySignature("sig", body, r.Header.Get(workflow.SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var cb httpserver.WorkflowCallback
		_ = json.Unmarshal(body, &cb)
		got <- cb
	}))
	defer cbSrv.Close()

	s := newServer(testConfig("suggestion", "reply"))
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	c := &workflow.Client{BaseURL: srv.URL, APIKey: "k", HTTP: srv.Client()}
	_, status, err := c.Dispatch(context.Background(), workflow.DispatchRequest{
		JobID: "aij_1", ConversationID: "c1", OrganizationID: "o1", CallbackURL: cbSrv.URL,
	})
	if err != nil || status != http.StatusAccepted {
		t.Fatalf("dispatch: %d %v", status, err)
	}

	select {
	case cb := <-got:
		if cb.JobID != "aij_1" || cb.Mode != httpserver.ModeSuggestion || cb.Suggestion != "hello" {
			t.Fatalf("unexpected callback %+v", cb)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no callback received")
	}
	s.wg.Wait()
}

func TestDispatchFailureOutcomes(t *testing.T) {
	s := newServer(testConfig("rate_limit", "bad_request"))
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	c := &workflow.Client{BaseURL: srv.URL, APIKey: "k", HTTP: srv.Client()}
	req := workflow.DispatchRequest{JobID: "aij_1", ConversationID: "c1"}

	_, status, err := c.Dispatch(context.Background(), req)
	if err == nil || status != http.StatusTooManyRequests || !workflow.ShouldRetry(err, status) {
		t.Fatalf("expected retryable 429, got %d %v", status, err)
	}
	_, status, err = c.Dispatch(context.Background(), req)
	if err == nil || status != http.StatusBadRequest || workflow.ShouldRetry(err, status) {
		t.Fatalf("expected terminal 400, got %d %v", status, err)
	}

	bad := &workflow.Client{BaseURL: srv.URL, APIKey: "wrong", HTTP: srv.Client()}
	if _, status, _ := bad.Dispatch(context.Background(), req); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", status)
	}
}

func TestCallbackRetriesTransientFailures(t *testing.T) {
	calls := 0
	cbSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer cbSrv.Close()

	cfg := testConfig("reply")
	cfg.CallbackMaxRetries = 4
	s := newServer(cfg)
	cb := s.callback(workflow.DispatchRequest{JobID: "aij_1", ConversationID: "c1"}, "run_1", httpserver.ModeReply)
	if err := s.postCallbackWithRetry(context.Background(), cbSrv.URL, cb); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if cb.Message == nil || !cb.Message.FromAI() {
		t.Fatalf("reply callback must carry an AI message")
	}
}
