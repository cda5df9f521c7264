package domain

import (
	"context"
	"time"
)

// TopicSalesRecorded carries a JSON-encoded Sale accepted by the API and
// waiting to be written by the ingest worker.
const TopicSalesRecorded = "sales.recorded"

// EventBus moves events from publishers to the ingest worker. Implementations
// route by (tenant, topic) and never deliver one tenant's events to a
// subscriber of another.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler is invoked once per delivered message. A returned error is
// logged by the bus; the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every bus puts around a payload.
type Message struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Topic       string    `json:"topic"`
	Payload     []byte    `json:"payload"`
	PublishedAt time.Time `json:"publishedAt"`
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects the bus. "channel" keeps events inside the process;
// "nats" shares them between processes through a queue group.
type EventBusConfig struct {
	Type              string `koanf:"type"`
	ChannelBufferSize int    `koanf:"channel_buffer_size"`

	NATSUrl           string `koanf:"nats_url"`
	NATSToken         string `koanf:"nats_token"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait"` // seconds
	NATSQueueGroup    string `koanf:"nats_queue_group"`
}
