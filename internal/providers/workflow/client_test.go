package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDispatchPostsJob(t *testing.T) {
	var got DispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/workflows/ai-reply" || r.Method != http.MethodPost {
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Fatalf("missing api key")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"runId":"run-1","status":"accepted"}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL + "/", APIKey: "k", HTTP: srv.Client()}
	resp, status, err := c.Dispatch(context.Background(), DispatchRequest{JobID: "aij_1", ConversationID: "c1", CallbackURL: "http://gw/v1/webhooks/workflow"})
	if err != nil || status != http.StatusAccepted || resp.RunID != "run-1" {
		t.Fatalf("unexpected result %+v %d %v", resp, status, err)
	}
	if got.JobID != "aij_1" || got.CallbackURL == "" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestDispatchErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"engine overloaded"}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
	_, status, err := c.Dispatch(context.Background(), DispatchRequest{JobID: "aij_1"})
	if err == nil || err.Error() != "engine overloaded" || status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected %d %v", status, err)
	}
	if !ShouldRetry(err, status) {
		t.Fatalf("503 should be retried")
	}
}

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		err    error
		status int
		want   bool
	}{
		{context.DeadlineExceeded, 0, true},
		{errors.New("connection refused"), 0, false},
		{errors.New("x"), 429, true},
		{errors.New("x"), 408, true},
		{errors.New("x"), 502, true},
		{errors.New("x"), 400, false},
		{errors.New("x"), 401, false},
	}
	for _, c := range cases {
		if got := ShouldRetry(c.err, c.status); got != c.want {
			t.Fatalf("ShouldRetry(%v, %d) = %v", c.err, c.status, got)
		}
	}
}

func TestBackoffClamps(t *testing.T) {
	if Backoff(-1) != 200*time.Millisecond || Backoff(10) != 1400*time.Millisecond {
		t.Fatalf("backoff not clamped")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"jobId":"aij_1"}`)
	sig := Sign("s3cret", body)
	if !VerifySignature("s3cret", body, sig) || !VerifySignature("s3cret", body, "sha256="+sig) {
		t.Fatalf("valid signature rejected")
	}
	if VerifySignature("other", body, sig) || VerifySignature("s3cret", []byte(`{}`), sig) || VerifySignature("", body, sig) {
		t.Fatalf("invalid signature accepted")
	}
}
