package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"inbox/internal/domain"
	"inbox/internal/httpapi"
	"inbox/internal/httpserver"
	"inbox/internal/logging"
	"inbox/internal/providers/workflow"
)

type config struct {
	APIKey        string        `envconfig:"WORKFLOW_API_KEY" default:"mock_key"`
	SigningSecret string        `envconfig:"WORKFLOW_SIGNING_SECRET" default:"mock_secret"`
	Port          string        `envconfig:"PORT" default:"8090"`
	OutcomeMode   string        `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw   string        `envconfig:"MOCK_OUTCOMES" default:"reply"`
	ReplyText     string        `envconfig:"MOCK_REPLY_TEXT" default:"Thanks for reaching out! An agent will follow up shortly."`
	TimeoutDelay  time.Duration `envconfig:"MOCK_TIMEOUT_DELAY" default:"12s"`

	CallbackDelayMin time.Duration `envconfig:"MOCK_CALLBACK_DELAY_MIN" default:"300ms"`
	CallbackDelayMax time.Duration `envconfig:"MOCK_CALLBACK_DELAY_MAX" default:"1500ms"`

	// Callback retries happen on non-2xx retryable responses and transport errors.
	CallbackMaxRetries int           `envconfig:"MOCK_CALLBACK_MAX_RETRIES" default:"6"`
	CallbackRetryBase  time.Duration `envconfig:"MOCK_CALLBACK_RETRY_BASE" default:"250ms"`
	CallbackRetryMax   time.Duration `envconfig:"MOCK_CALLBACK_RETRY_MAX" default:"10s"`

	Outcomes []string
}

type server struct {
	cfg    config
	idx    uint64
	rr     uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
	wg     sync.WaitGroup
}

func main() {
	cfg := loadConfig()
	logging.Init("mock-workflow", "json", "info")

	s := newServer(cfg)
	slog.Info("mock workflow listening", "port", cfg.Port, "outcomes", cfg.Outcomes)
	if err := http.ListenAndServe(":"+cfg.Port, httpapi.Logging(s.router())); err != nil {
		slog.Error("mock workflow server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg config) *server {
	return &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/workflows/ai-reply", s.handleDispatch).Methods(http.MethodPost)
	return r
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock workflow config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	if cfg.CallbackMaxRetries < 0 {
		cfg.CallbackMaxRetries = 0
	}
	if cfg.CallbackDelayMax < cfg.CallbackDelayMin {
		cfg.CallbackDelayMin, cfg.CallbackDelayMax = cfg.CallbackDelayMax, cfg.CallbackDelayMin
	}
	return cfg
}

func (s *server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
		writeJSON(w, http.StatusUnauthorized, workflow.DispatchResponse{Status: "rejected", Message: "invalid api key"})
		return
	}
	var req workflow.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" || req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, workflow.DispatchResponse{Status: "rejected", Message: "jobId and conversationId are required"})
		return
	}

	mode, httpStatus, callErr := classifyOutcome(s.nextOutcome())
	if callErr != nil {
		if errors.Is(callErr, context.DeadlineExceeded) {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.cfg.TimeoutDelay):
			}
		}
		writeJSON(w, httpStatus, workflow.DispatchResponse{Status: "failed", Message: callErr.Error()})
		return
	}

	runID := fmt.Sprintf("run_%06d", atomic.AddUint64(&s.idx, 1))
	writeJSON(w, http.StatusAccepted, workflow.DispatchResponse{RunID: runID, Status: "accepted"})

	if req.CallbackURL == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		time.Sleep(s.randDuration(s.cfg.CallbackDelayMin, s.cfg.CallbackDelayMax))
		_ = s.postCallbackWithRetry(context.Background(), req.CallbackURL, s.callback(req, runID, mode))
	}()
}

func (s *server) callback(req workflow.DispatchRequest, runID, mode string) httpserver.WorkflowCallback {
	cb := httpserver.WorkflowCallback{
		JobID:          req.JobID,
		ConversationID: req.ConversationID,
		OrganizationID: req.OrganizationID,
		Mode:           mode,
	}
	if mode == httpserver.ModeSuggestion {
		cb.Suggestion = s.cfg.ReplyText
		return cb
	}
	cb.Message = &domain.Message{
		ID:             "msg_" + runID,
		ConversationID: req.ConversationID,
		Direction:      domain.DirectionOutbound,
		Sender:         domain.SenderAI,
		Status:         domain.MessageSent,
		Content:        s.cfg.ReplyText,
		IsAIGenerated:  true,
		CreatedAt:      time.Now().UTC(),
	}
	return cb
}

func (s *server) postCallbackWithRetry(ctx context.Context, callbackURL string, cb httpserver.WorkflowCallback) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return err
	}
	sig := workflow.Sign(s.cfg.SigningSecret, body)
	maxAttempts := s.cfg.CallbackMaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(workflow.SignatureHeader, sig)

		resp, err := s.client.Do(req)
		status := 0
		retryAfter := time.Duration(0)
		if resp != nil {
			status = resp.StatusCode
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}

		if attempt == maxAttempts-1 {
			slog.Error("mock callback post failed", "url", callbackURL, "attempt", attempt+1, "status", status, "err", err)
			if err != nil {
				return err
			}
			return fmt.Errorf("callback post failed: status=%d", status)
		}
		if err == nil && !workflow.ShouldRetry(nil, status) {
			slog.Error("mock callback post non-retryable", "url", callbackURL, "attempt", attempt+1, "status", status)
			return fmt.Errorf("callback post non-retryable: status=%d", status)
		}

		wait := retryAfter
		if wait <= 0 {
			wait = s.retryBackoff(attempt)
		}
		slog.Warn("mock callback post retrying", "url", callbackURL, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}
	return nil
}

// retryBackoff is base * 2^attempt capped at the configured max, with 20% jitter.
func (s *server) retryBackoff(attempt int) time.Duration {
	wait := s.cfg.CallbackRetryBase * time.Duration(1<<attempt)
	if wait <= 0 || wait > s.cfg.CallbackRetryMax {
		wait = s.cfg.CallbackRetryMax
	}
	delta := int64(wait) / 5
	if delta <= 0 {
		return wait
	}
	s.rngMu.Lock()
	j := s.rng.Int63n(2*delta+1) - delta
	s.rngMu.Unlock()
	return time.Duration(int64(wait) + j)
}

func (s *server) randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	s.rngMu.Lock()
	n := s.rng.Int63n(int64(max-min) + 1)
	s.rngMu.Unlock()
	return min + time.Duration(n)
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.rr, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

// classifyOutcome maps a configured outcome to the callback mode or the
// synchronous failure the engine answers with.
func classifyOutcome(raw string) (mode string, httpStatus int, callErr error) {
	switch strings.TrimSpace(raw) {
	case "", "ok", "reply":
		return httpserver.ModeReply, http.StatusAccepted, nil
	case "suggestion":
		return httpserver.ModeSuggestion, http.StatusAccepted, nil
	case "rate_limit", "429":
		return "", http.StatusTooManyRequests, errors.New("rate limited")
	case "bad_request", "400":
		return "", http.StatusBadRequest, errors.New("bad request")
	case "server_error", "500":
		return "", http.StatusInternalServerError, errors.New("server error")
	case "timeout":
		return "", http.StatusGatewayTimeout, context.DeadlineExceeded
	default:
		return "", http.StatusInternalServerError, errors.New("mock error: " + raw)
	}
}

func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"reply"}
	}
	return out
}
