package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hearing-system/apiserver/config"
	"github.com/hearing-system/apiserver/types"
)

// Backend names accepted by Open.
const (
	BackendNone     = "none"
	BackendRabbitMQ = "rabbitmq"
	BackendPubSub   = "pubsub"
)

// ErrDisabled is returned when subscribing with no broker configured.
var ErrDisabled = errors.New("mq: no broker configured")

// Message represents a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. Return an error to signal a retry/nack.
type Handler func(ctx context.Context, msg Message) error

// Backend defines the broker-agnostic operations used by the app.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// MQ binds a backend to the channel consultation events travel on.
type MQ struct {
	backend Backend
	channel string
}

// New wraps backend. A nil backend discards published events.
func New(backend Backend, channel string) *MQ {
	if backend == nil {
		backend = noopBackend{}
	}
	return &MQ{backend: backend, channel: channel}
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.MQConfig) (*MQ, error) {
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = "consultation-events"
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendNone:
		return New(nil, channel), nil
	case BackendRabbitMQ:
		backend, err := NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, fmt.Errorf("mq: rabbitmq: %w", err)
		}
		return New(backend, channel), nil
	case BackendPubSub:
		backend, err := NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("mq: pubsub: %w", err)
		}
		return New(backend, channel), nil
	default:
		return nil, fmt.Errorf("mq: unknown backend %q", cfg.Backend)
	}
}

// Channel returns the channel events are published on.
func (m *MQ) Channel() string {
	return m.channel
}

// PublishConsultationEvent sends event as JSON with its type as an attribute.
func (m *MQ) PublishConsultationEvent(ctx context.Context, event types.ConsultationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("mq: encode event: %w", err)
	}
	if _, err := m.backend.Publish(ctx, m.channel, data, map[string]string{"type": string(event.Type)}); err != nil {
		return fmt.Errorf("mq: publish %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe consumes raw messages from the channel.
func (m *MQ) Subscribe(ctx context.Context, handler Handler) error {
	return m.backend.Subscribe(ctx, m.channel, handler)
}

// SubscribeConsultationEvents decodes events from the channel and passes them
// to handle. Undecodable messages are acknowledged and skipped.
func (m *MQ) SubscribeConsultationEvents(ctx context.Context, handle func(context.Context, types.ConsultationEvent) error) error {
	return m.backend.Subscribe(ctx, m.channel, func(ctx context.Context, msg Message) error {
		var event types.ConsultationEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return nil
		}
		return handle(ctx, event)
	})
}

// Close closes the underlying backend.
func (m *MQ) Close() error {
	return m.backend.Close()
}

type noopBackend struct{}

func (noopBackend) Publish(context.Context, string, []byte, map[string]string) (string, error) {
	return "", nil
}

func (noopBackend) Subscribe(context.Context, string, Handler) error {
	return ErrDisabled
}

func (noopBackend) Close() error { return nil }
