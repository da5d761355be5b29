package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"inbox/internal/domain"
	"inbox/internal/httpapi"
	"inbox/internal/providers/workflow"
	sqsqueue "inbox/internal/queue/sqs"
	"inbox/internal/realtime"
	"inbox/internal/service"
	"inbox/internal/store"
)

var secret = []byte("jwt-secret")

type memStore struct {
	mu   sync.Mutex
	jobs map[string]store.AIReplyJob
}

func newMemStore() *memStore { return &memStore{jobs: map[string]store.AIReplyJob{}} }

func (m *memStore) GetJob(_ context.Context, id string) (store.AIReplyJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok, nil
}

func (m *memStore) FindActiveJob(_ context.Context, orgID, conversationID string) (store.AIReplyJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.OrganizationID == orgID && j.ConversationID == conversationID && j.State.Active() {
			return j, true, nil
		}
	}
	return store.AIReplyJob{}, false, nil
}

func (m *memStore) InsertJob(_ context.Context, in store.JobInsert) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[in.ID] = store.AIReplyJob{ID: in.ID, OrganizationID: in.OrganizationID, ConversationID: in.ConversationID, RequestedBy: in.RequestedBy, State: store.JobQueued}
	return 0, nil
}

func (m *memStore) TransitionJob(_ context.Context, in store.JobTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[in.ID]
	if !ok {
		return false, nil
	}
	for _, f := range in.From {
		if j.State == f {
			j.State = in.To
			m.jobs[in.ID] = j
			return true, nil
		}
	}
	return false, nil
}

type memQueue struct{ jobs []sqsqueue.AIReplyJob }

func (q *memQueue) EnqueueAIReply(_ context.Context, job sqsqueue.AIReplyJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type published struct {
	org, user string
	ev        realtime.Event
}

type memPublisher struct {
	out []published
	err error
}

func (p *memPublisher) PublishToOrg(_ context.Context, orgID string, ev realtime.Event) error {
	if p.err != nil {
		return p.err
	}
	p.out = append(p.out, published{org: orgID, ev: ev})
	return nil
}

func (p *memPublisher) PublishToUser(_ context.Context, orgID, userID string, ev realtime.Event) error {
	if p.err != nil {
		return p.err
	}
	p.out = append(p.out, published{org: orgID, user: userID, ev: ev})
	return nil
}

func newGateway(st *memStore, q *memQueue, pub *memPublisher) *Server {
	s := New()
	ids := 0
	api := &API{
		Svc:  &service.AIReplyService{Store: st, Queue: q},
		Auth: &Auth{Secret: secret},
		IDGen: func() string {
			ids++
			return "aij_" + string(rune('0'+ids))
		},
	}
	api.Register(s.Mux)
	wh := &Webhook{
		Store:           st,
		Publisher:       pub,
		VerifySignature: workflow.VerifySignature,
		SignatureHeader: workflow.SignatureHeader,
		Secret:          "wf-secret",
	}
	wh.Register(s.Mux)
	return s
}

func bearer(t *testing.T, p Principal) string {
	t.Helper()
	tok, err := GenerateToken(secret, p, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return "Bearer " + tok
}

func trigger(t *testing.T, s *Server, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/c1/ai-reply", strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	return rec
}

func TestAIReplyTrigger(t *testing.T) {
	st, q := newMemStore(), &memQueue{}
	s := newGateway(st, q, &memPublisher{})
	auth := bearer(t, Principal{UserID: "u1", OrganizationID: "o1"})

	rec := trigger(t, s, auth, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var ack domain.AIReplyAck
	_ = json.Unmarshal(rec.Body.Bytes(), &ack)
	if !ack.Queued || len(q.jobs) != 1 || q.jobs[0].RequestedBy != "u1" || q.jobs[0].OrganizationID != "o1" {
		t.Fatalf("unexpected ack %+v jobs %+v", ack, q.jobs)
	}

	rec = trigger(t, s, auth, `{}`)
	_ = json.Unmarshal(rec.Body.Bytes(), &ack)
	if rec.Code != http.StatusOK || ack.Queued || ack.Message != service.MsgInProgress {
		t.Fatalf("expected in-progress ack, got %d %+v", rec.Code, ack)
	}

	rec = trigger(t, s, auth, `{"force":true}`)
	if rec.Code != http.StatusAccepted || len(q.jobs) != 2 || !q.jobs[1].Force {
		t.Fatalf("expected forced enqueue, got %d %+v", rec.Code, q.jobs)
	}
}

func TestAIReplyTriggerAuth(t *testing.T) {
	s := newGateway(newMemStore(), &memQueue{}, &memPublisher{})

	if rec := trigger(t, s, "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	forged, _ := GenerateToken([]byte("other"), Principal{UserID: "u1", OrganizationID: "o1"}, time.Hour)
	if rec := trigger(t, s, "Bearer "+forged, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", rec.Code)
	}
	expired, _ := GenerateToken(secret, Principal{UserID: "u1", OrganizationID: "o1"}, -time.Minute)
	if rec := trigger(t, s, "Bearer "+expired, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
	if rec := trigger(t, s, bearer(t, Principal{UserID: "u1"}), ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without org, got %d", rec.Code)
	}
	if rec := trigger(t, s, bearer(t, Principal{UserID: "u1", OrganizationID: "o1"}), "{"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}
}

func callback(t *testing.T, s *Server, cb WorkflowCallback, sig string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(cb)
	if sig == "" {
		sig = workflow.Sign("wf-secret", body)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/workflow", strings.NewReader(string(body)))
	req.Header.Set(workflow.SignatureHeader, sig)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	return rec
}

func seed(st *memStore, id string, state store.JobState) {
	st.jobs[id] = store.AIReplyJob{ID: id, OrganizationID: "o1", ConversationID: "c1", RequestedBy: "u1", State: state}
}

func TestWorkflowReplyPublishesToOrg(t *testing.T) {
	st, pub := newMemStore(), &memPublisher{}
	seed(st, "aij_1", store.JobDispatched)
	s := newGateway(st, &memQueue{}, pub)

	rec := callback(t, s, WorkflowCallback{JobID: "aij_1", Mode: ModeReply, Message: &domain.Message{ID: "m9", Content: "hi"}}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(pub.out) != 1 || pub.out[0].org != "o1" || pub.out[0].user != "" {
		t.Fatalf("unexpected publish %+v", pub.out)
	}
	ev := pub.out[0].ev
	if ev.Kind != realtime.KindNewMessage || ev.ConversationID != "c1" || !ev.Message.FromAI() || ev.Message.ConversationID != "c1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if st.jobs["aij_1"].State != store.JobDelivered {
		t.Fatalf("expected delivered, got %s", st.jobs["aij_1"].State)
	}
}

func TestWorkflowSuggestionGoesToRequester(t *testing.T) {
	st, pub := newMemStore(), &memPublisher{}
	seed(st, "aij_1", store.JobQueued)
	s := newGateway(st, &memQueue{}, pub)

	rec := callback(t, s, WorkflowCallback{JobID: "aij_1", Mode: ModeSuggestion, Suggestion: "Try rebooting"}, "")
	if rec.Code != http.StatusOK || len(pub.out) != 1 {
		t.Fatalf("unexpected %d %+v", rec.Code, pub.out)
	}
	if pub.out[0].user != "u1" || pub.out[0].ev.Kind != realtime.KindAISuggestion || pub.out[0].ev.Suggestion != "Try rebooting" {
		t.Fatalf("unexpected publish %+v", pub.out[0])
	}
}

func TestWorkflowDropsSupersededAndDuplicate(t *testing.T) {
	st, pub := newMemStore(), &memPublisher{}
	seed(st, "old", store.JobSuperseded)
	seed(st, "done", store.JobDelivered)
	s := newGateway(st, &memQueue{}, pub)

	for _, id := range []string{"old", "done"} {
		rec := callback(t, s, WorkflowCallback{JobID: id, Mode: ModeSuggestion, Suggestion: "x"}, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 ack for %s, got %d", id, rec.Code)
		}
	}
	if len(pub.out) != 0 {
		t.Fatalf("expected nothing published, got %+v", pub.out)
	}
}

func TestWorkflowCallbackRejections(t *testing.T) {
	st, pub := newMemStore(), &memPublisher{}
	seed(st, "aij_1", store.JobDispatched)
	s := newGateway(st, &memQueue{}, pub)

	cases := []struct {
		name string
		cb   WorkflowCallback
		sig  string
		want int
	}{
		{"bad signature", WorkflowCallback{JobID: "aij_1", Mode: ModeReply}, "deadbeef", http.StatusUnauthorized},
		{"missing job", WorkflowCallback{Mode: ModeReply}, "", http.StatusBadRequest},
		{"bad mode", WorkflowCallback{JobID: "aij_1", Mode: "shout"}, "", http.StatusBadRequest},
		{"reply without message", WorkflowCallback{JobID: "aij_1", Mode: ModeReply}, "", http.StatusBadRequest},
		{"unknown job", WorkflowCallback{JobID: "nope", Mode: ModeSuggestion}, "", http.StatusNotFound},
	}
	for _, c := range cases {
		if rec := callback(t, s, c.cb, c.sig); rec.Code != c.want {
			t.Fatalf("%s: expected %d, got %d", c.name, c.want, rec.Code)
		}
	}
	if st.jobs["aij_1"].State != store.JobDispatched {
		t.Fatalf("rejected callbacks must not settle the job")
	}
}

func TestWorkflowPublishFailureKeepsJobActive(t *testing.T) {
	st, pub := newMemStore(), &memPublisher{err: errors.New("broker down")}
	seed(st, "aij_1", store.JobDispatched)
	s := newGateway(st, &memQueue{}, pub)

	rec := callback(t, s, WorkflowCallback{JobID: "aij_1", Mode: ModeSuggestion, Suggestion: "x"}, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if st.jobs["aij_1"].State != store.JobDispatched {
		t.Fatalf("expected job still active for the engine retry")
	}
}

func TestMetricsUsesRouteTemplate(t *testing.T) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_requests"}, []string{"route", "status"})
	s := New()
	s.Mux.Use(httpapi.Metrics(counter))
	s.Mux.HandleFunc("/v1/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	for _, id := range []string{"a", "b"} {
		s.Mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/things/"+id, nil))
	}
	var m dto.Metric
	if err := counter.WithLabelValues("/v1/things/{id}", "418").Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 requests under the template, got %v", got)
	}
}
