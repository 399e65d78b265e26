package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"

	"github.com/npezzotti/studygroup-relay/internal/types"
	"github.com/redis/go-redis/v9"
)

var (
	ErrUnsupportedScheme   = errors.New("unsupported bus scheme")
	ErrInvalidNotification = errors.New("invalid notification")
)

// Subscriber delivers notifications published on the shared bus.
// Subscribe blocks until ctx is done or the subscription fails; handle is
// called serially from the subscribing goroutine.
type Subscriber interface {
	Subscribe(ctx context.Context, handle func(types.Notification)) error
	Close() error
}

// Publisher puts notifications on the shared bus.
type Publisher interface {
	Publish(ctx context.Context, n types.Notification) error
	Close() error
}

// NewSubscriber picks a backend from the URL scheme. An empty URL yields a
// subscriber that never delivers anything.
func NewSubscriber(busURL, channel string, logger *log.Logger) (Subscriber, error) {
	if busURL == "" {
		logger.Println("bus disabled, using noop subscriber")
		return noopSubscriber{}, nil
	}

	u, err := url.Parse(busURL)
	if err != nil {
		return nil, fmt.Errorf("parse bus url: %w", err)
	}

	switch u.Scheme {
	case "redis", "rediss":
		opts, err := redis.ParseURL(busURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return &redisSubscriber{
			client:  redis.NewClient(opts),
			channel: channel,
			log:     logger,
		}, nil
	case "amqp", "amqps":
		return &amqpSubscriber{
			url:      busURL,
			exchange: channel,
			log:      logger,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func NewPublisher(busURL, channel string) (Publisher, error) {
	if busURL == "" {
		return nil, fmt.Errorf("bus url cannot be empty")
	}

	u, err := url.Parse(busURL)
	if err != nil {
		return nil, fmt.Errorf("parse bus url: %w", err)
	}

	switch u.Scheme {
	case "redis", "rediss":
		opts, err := redis.ParseURL(busURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return &redisPublisher{client: redis.NewClient(opts), channel: channel}, nil
	case "amqp", "amqps":
		return newAMQPPublisher(busURL, channel)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// DecodeNotification parses a bus message. Recipient ids may be JSON strings
// or numbers; the payload is kept verbatim.
func DecodeNotification(raw []byte) (types.Notification, error) {
	var aux struct {
		RecipientId any             `json:"recipient_id"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return types.Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	recipient := types.IdString(aux.RecipientId)
	if recipient == "" {
		return types.Notification{}, fmt.Errorf("%w: missing recipient_id", ErrInvalidNotification)
	}

	return types.Notification{
		RecipientId: recipient,
		Payload:     aux.Payload,
	}, nil
}

func encodeNotification(n types.Notification) ([]byte, error) {
	if n.RecipientId == "" {
		return nil, fmt.Errorf("%w: missing recipient_id", ErrInvalidNotification)
	}
	if len(n.Payload) > 0 && !json.Valid(n.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidNotification)
	}
	return json.Marshal(n)
}

type noopSubscriber struct{}

func (noopSubscriber) Subscribe(ctx context.Context, _ func(types.Notification)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (noopSubscriber) Close() error {
	return nil
}
