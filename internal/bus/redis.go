package bus

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/npezzotti/studygroup-relay/internal/types"
	"github.com/redis/go-redis/v9"
)

type redisSubscriber struct {
	client  *redis.Client
	channel string
	log     *log.Logger
}

func (s *redisSubscriber) Subscribe(ctx context.Context, handle func(types.Notification)) error {
	ps := s.client.Subscribe(ctx, s.channel)
	defer ps.Close()

	// wait for the subscription to be confirmed before reading
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	s.log.Printf("subscribed to redis channel %q", s.channel)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}

			n, err := DecodeNotification([]byte(msg.Payload))
			if err != nil {
				s.log.Println("decode notification:", err)
				continue
			}
			handle(n)
		}
	}
}

func (s *redisSubscriber) Close() error {
	return s.client.Close()
}

type redisPublisher struct {
	client  *redis.Client
	channel string
}

func (p *redisPublisher) Publish(ctx context.Context, n types.Notification) error {
	body, err := encodeNotification(n)
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}
