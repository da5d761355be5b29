package amqp

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"inbox/internal/domain"
	"inbox/internal/realtime"
)

func TestRoutingKeys(t *testing.T) {
	if got := UserKey("org-1", "u-9"); got != "org.org-1.user.u-9" {
		t.Fatalf("unexpected user key %q", got)
	}
	if got := BroadcastKey("org-1"); got != "org.org-1.broadcast" {
		t.Fatalf("unexpected broadcast key %q", got)
	}
	// a dotted id must not widen the binding
	if got := UserKey("a.b", "c"); got != "org.a_b.user.c" {
		t.Fatalf("dots should be escaped, got %q", got)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env := Envelope{
		Meta: Meta{ID: "id-1", Time: time.Unix(10, 0).UTC(), Type: "new-message"},
		Data: realtime.Event{
			Kind:           realtime.KindNewMessage,
			ConversationID: "c1",
			Message:        &domain.Message{ID: "m1", ConversationID: "c1", Sender: domain.SenderAI, IsAIGenerated: true},
		},
	}
	body, _ := json.Marshal(env)
	ev, err := decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Message == nil || !ev.Message.FromAI() {
		t.Fatalf("expected AI message, got %+v", ev.Message)
	}

	if _, err := decode([]byte(`{"meta":{},"data":{"kind":"typing"}}`)); !errors.Is(err, realtime.ErrMalformedEvent) {
		t.Fatalf("expected malformed event, got %v", err)
	}
	if _, err := decode([]byte(`garbage`)); !errors.Is(err, realtime.ErrMalformedEvent) {
		t.Fatalf("expected malformed event, got %v", err)
	}
}
