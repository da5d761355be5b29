package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client triggers AI reply runs on the external workflow engine. The engine
// answers asynchronously through the gateway webhook.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

type DispatchRequest struct {
	JobID          string `json:"jobId"`
	ConversationID string `json:"conversationId"`
	OrganizationID string `json:"organizationId"`
	Force          bool   `json:"force"`
	CallbackURL    string `json:"callbackUrl"`
}

type DispatchResponse struct {
	RunID   string `json:"runId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResponse, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return DispatchResponse{}, 0, err
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/v1/workflows/ai-reply"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return DispatchResponse{}, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return DispatchResponse{}, 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out DispatchResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, errors.New(out.Message)
		}
		return out, resp.StatusCode, errors.New("workflow dispatch failed")
	}
	return out, resp.StatusCode, nil
}

// ShouldRetry reports whether a dispatch failure is transient.
func ShouldRetry(err error, httpStatus int) bool {
	if httpStatus == 0 && err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		return errors.As(err, &ne) && ne.Timeout()
	}
	if httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
