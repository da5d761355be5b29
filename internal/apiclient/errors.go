package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response from the data API. Callers can use errors.As:
//
//	var apiErr *apiclient.Error
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict { ... }
type Error struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	// Alt is the "error" field some endpoints use instead of "message".
	Alt string `json:"error,omitempty"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Alt
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("api: %s (%d): %s", e.Code, e.StatusCode, msg)
	}
	return fmt.Sprintf("api: %d: %s", e.StatusCode, msg)
}

func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func IsUnauthorized(err error) bool { return StatusCode(err) == http.StatusUnauthorized }

func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }

var ErrNoAccessToken = errors.New("response carried no access token")
