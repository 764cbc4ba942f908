package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	DriverRedis  = "redis"
	DriverMemory = "memory"

	requestQueuePrefix  = "requestQueue:"
	responseQueuePrefix = "responseQueue:"

	// ControlTopic carries server operations to every broker instance.
	ControlTopic = "serverOperations"

	subscriptionBuffer = 64
)

var (
	// ErrEmpty is returned by Receive when nothing arrived before the timeout.
	ErrEmpty = errors.New("queue: empty")

	// ErrMalformedMessage marks a payload that could not be decoded. The
	// message has already been consumed.
	ErrMalformedMessage = errors.New("queue: malformed message")

	ErrClosed = errors.New("queue: closed")
)

// Message is the queue envelope. CorrelationID links a response to the
// request that produced it.
type Message struct {
	CorrelationID string          `json:"correlationId"`
	Body          json.RawMessage `json:"body"`
}

// Queue is a point-to-point named queue plus a broadcast topic.
type Queue interface {
	// Send enqueues msg on name. A positive ttl bounds how long the queue keeps it.
	Send(ctx context.Context, name string, msg Message, ttl time.Duration) error
	// Receive blocks up to timeout for the next message on name.
	Receive(ctx context.Context, name string, timeout time.Duration) (*Message, error)
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

type Subscription interface {
	// Messages is closed when the subscription ends.
	Messages() <-chan []byte
	Close() error
}

type Config struct {
	Driver string `mapstructure:"driver"`
	Url    string `mapstructure:"url"`
}

// RequestQueue names the queue consumed by one broker instance.
func RequestQueue(serverNode string) string {
	return requestQueuePrefix + serverNode
}

// ResponseQueue names the queue a caller waits on for one correlation id.
func ResponseQueue(correlationID string) string {
	return responseQueuePrefix + correlationID
}

func New(ctx context.Context, cfg Config) (Queue, error) {
	switch cfg.Driver {
	case DriverRedis, "":
		return NewRedis(ctx, cfg.Url)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}
