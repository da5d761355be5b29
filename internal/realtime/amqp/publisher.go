package amqp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"inbox/internal/realtime"
)

type Publisher struct {
	conn     *amqp091.Connection
	exchange string
	producer string
	log      *slog.Logger
}

func NewPublisher(url, exchange, producer string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, exchange: exchange, producer: producer, log: logger}, nil
}

// Publish sends ev under key. A channel is opened per publish; publishes are
// rare compared to the connection's lifetime.
func (p *Publisher) Publish(ctx context.Context, key string, ev realtime.Event) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	env := Envelope{
		Meta: Meta{ID: uuid.NewString(), Producer: &p.producer, Time: time.Now().UTC(), Type: string(ev.Kind)},
		Data: ev,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Transient,
		MessageId:    env.Meta.ID,
		Timestamp:    env.Meta.Time,
		Body:         body,
	})
	if err == nil {
		p.log.Debug("published", "key", key, "kind", ev.Kind)
	}
	return err
}

func (p *Publisher) PublishToUser(ctx context.Context, orgID, userID string, ev realtime.Event) error {
	return p.Publish(ctx, UserKey(orgID, userID), ev)
}

func (p *Publisher) PublishToOrg(ctx context.Context, orgID string, ev realtime.Event) error {
	return p.Publish(ctx, BroadcastKey(orgID), ev)
}

func (p *Publisher) Close() error { return p.conn.Close() }
