package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-retry"

	"github.com/opensource-finance/pricewise/internal/domain"
)

// NATSBus carries sales events between processes of a pro deployment.
// Every subscription joins the configured queue group, so an event published
// once is ingested by exactly one worker.
type NATSBus struct {
	conn  *nats.Conn
	group string

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus dials cfg.NATSUrl. The first connection is retried with a fixed
// wait; later disconnects are handled by the client's own reconnect loop.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	cfg = withNATSDefaults(cfg)

	var conn *nats.Conn
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(cfg.NATSMaxReconnects-1),
		retry.NewConstant(time.Duration(cfg.NATSReconnectWait)*time.Second))
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		attempt++
		c, err := nats.Connect(cfg.NATSUrl, natsOptions(cfg)...)
		if err != nil {
			slog.Warn("nats dial failed", "url", cfg.NATSUrl, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("nats %s unreachable after %d attempts: %w", cfg.NATSUrl, attempt, err)
	}

	slog.Info("nats connected", "url", conn.ConnectedUrl(), "queue_group", cfg.NATSQueueGroup)
	return &NATSBus{
		conn:  conn,
		group: cfg.NATSQueueGroup,
		subs:  make(map[*natsSubscription]struct{}),
	}, nil
}

func withNATSDefaults(cfg domain.EventBusConfig) domain.EventBusConfig {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	if cfg.NATSQueueGroup == "" {
		cfg.NATSQueueGroup = "pricewise-ingest"
	}
	return cfg
}

func natsOptions(cfg domain.EventBusConfig) []nats.Option {
	opts := []nats.Option{
		nats.Name("pricewise"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "subject", sub.Subject)
			}
			slog.Error("nats async error", attrs...)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// Publish sends the envelope with its id in the Nats-Msg-Id header, which
// lets a JetStream-backed subject drop redeliveries of the same event.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	env := newMessage(tenantID, topic, payload)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	msg := nats.NewMsg(Subject(tenantID, topic))
	msg.Header.Set(nats.MsgIdHdr, env.ID)
	msg.Data = data
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe attaches handler to the tenant's subject inside the queue group.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	subject := Subject(tenantID, topic)
	ns, err := b.conn.QueueSubscribe(subject, b.group, func(m *nats.Msg) {
		deliver(ctx, tenantID, m, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	sub := &natsSubscription{topic: topic, sub: ns, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// deliver decodes m and runs handler. Envelopes for another tenant are
// dropped even if they arrive on this tenant's subject.
func deliver(ctx context.Context, tenantID string, m *nats.Msg, handler domain.MessageHandler) {
	var msg domain.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		slog.Error("undecodable nats message", "subject", m.Subject, "error", err)
		return
	}
	if msg.TenantID != tenantID {
		slog.Warn("dropping message for foreign tenant", "subject", m.Subject, "tenant_id", msg.TenantID)
		return
	}
	if err := handler(ctx, &msg); err != nil {
		slog.Error("message handler failed", "subject", m.Subject, "message_id", msg.ID, "error", err)
	}
}

func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("nats: not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close unsubscribes everything and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for s := range b.subs {
		_ = s.sub.Unsubscribe()
	}
	clear(b.subs)
	b.mu.Unlock()

	b.conn.Close()
	return nil
}

// Subject is the NATS subject of a tenant topic.
func Subject(tenantID, topic string) string {
	return fmt.Sprintf("pricewise.%s.%s", tenantID, topic)
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
