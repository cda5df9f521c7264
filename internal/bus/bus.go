// Package bus carries ingestion events between publishers and the ingest
// worker.
package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/pricewise/internal/domain"
)

// New returns the bus named by cfg.Type. An empty type means "channel".
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	}
	return nil, fmt.Errorf("unknown event bus %q", cfg.Type)
}

func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}
}
