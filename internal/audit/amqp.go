package audit

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPSink publishes audit events as JSON messages to a RabbitMQ exchange.
// Publish failures are dropped; audit delivery must never gate auth flows.
type AMQPSink struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
	mu         sync.Mutex
}

// NewAMQPSink dials the broker and declares a durable topic exchange.
func NewAMQPSink(url, exchange, routingKey string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AMQPSink{
		conn:       conn,
		ch:         ch,
		exchange:   exchange,
		routingKey: routingKey,
	}, nil
}

func (s *AMQPSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.ch == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		return
	}

	key := s.routingKey
	if key == "" {
		key = event.Event
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ch.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   event.Timestamp,
	})
}

func (s *AMQPSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
