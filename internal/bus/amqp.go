package bus

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/npezzotti/studygroup-relay/internal/types"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Notifications go through a fanout exchange so every relay process gets its
// own copy on an exclusive, auto-deleted queue.
const exchangeKind = "fanout"

type amqpSubscriber struct {
	url      string
	exchange string
	log      *log.Logger
}

func (s *amqpSubscriber) Subscribe(ctx context.Context, handle func(types.Notification)) error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(s.exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp exchange declare: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("amqp queue declare: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", s.exchange, false, nil); err != nil {
		return fmt.Errorf("amqp queue bind: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	s.log.Printf("subscribed to amqp exchange %q", s.exchange)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("amqp connection closed: %w", amqpErr)
			}
			return errors.New("amqp connection closed")
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp deliveries closed")
			}

			n, err := DecodeNotification(d.Body)
			if err != nil {
				s.log.Println("decode notification:", err)
				continue
			}
			handle(n)
		}
	}
}

func (s *amqpSubscriber) Close() error {
	return nil
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func newAMQPPublisher(url, exchange string) (*amqpPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}

	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, n types.Notification) error {
	body, err := encodeNotification(n)
	if err != nil {
		return err
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
