package amqp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"inbox/internal/realtime"
)

var ErrClosed = errors.New("amqp delivery channel closed")

type Source struct {
	URL      string
	Exchange string
	Prefetch int
}

// Subscribe declares a server-named exclusive queue bound to the scope's user
// key and the organization broadcast key. The queue disappears with the
// connection.
func (s *Source) Subscribe(ctx context.Context, scope realtime.Scope) (realtime.Stream, error) {
	conn, err := amqp091.DialConfig(s.URL, amqp091.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp091.DefaultDial(dialTimeout(ctx)),
	})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	fail := func(err error) (realtime.Stream, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(s.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail(err)
	}
	prefetch := s.Prefetch
	if prefetch <= 0 {
		prefetch = 32
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fail(err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fail(err)
	}
	for _, key := range []string{UserKey(scope.OrganizationID, scope.UserID), BroadcastKey(scope.OrganizationID)} {
		if err := ch.QueueBind(q.Name, key, s.Exchange, false, nil); err != nil {
			return fail(err)
		}
	}
	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fail(err)
	}
	return &stream{conn: conn, ch: ch, msgs: msgs}, nil
}

type stream struct {
	conn *amqp091.Connection
	ch   *amqp091.Channel
	msgs <-chan amqp091.Delivery
	once sync.Once
}

// Next acks each delivery once it is decoded; undecodable ones are dropped.
func (s *stream) Next(ctx context.Context) (realtime.Event, error) {
	select {
	case <-ctx.Done():
		return realtime.Event{}, ctx.Err()
	case d, ok := <-s.msgs:
		if !ok {
			return realtime.Event{}, ErrClosed
		}
		ev, err := decode(d.Body)
		if err != nil {
			_ = d.Nack(false, false)
			return realtime.Event{}, err
		}
		_ = d.Ack(false)
		return ev, nil
	}
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.ch.Close()
		err = s.conn.Close()
	})
	return err
}

func dialTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
	}
	return 30 * time.Second
}
