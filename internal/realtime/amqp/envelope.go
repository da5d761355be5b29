// Package amqp carries realtime events over a RabbitMQ topic exchange. The
// gateway publishes; agents consume through an exclusive queue bound to their
// own routing keys.
package amqp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"inbox/internal/realtime"
)

type Meta struct {
	ID            string    `json:"id"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

type Envelope struct {
	Meta Meta           `json:"meta"`
	Data realtime.Event `json:"data"`
}

// routing keys use dots as separators, so ids must not contain them
func segment(id string) string { return strings.ReplaceAll(id, ".", "_") }

// UserKey routes an event to one agent of an organization.
func UserKey(orgID, userID string) string {
	return "org." + segment(orgID) + ".user." + segment(userID)
}

// BroadcastKey routes an event to every agent of an organization.
func BroadcastKey(orgID string) string {
	return "org." + segment(orgID) + ".broadcast"
}

func decode(body []byte) (realtime.Event, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return realtime.Event{}, fmt.Errorf("%w: %v", realtime.ErrMalformedEvent, err)
	}
	if err := env.Data.Validate(); err != nil {
		return realtime.Event{}, err
	}
	return env.Data, nil
}
