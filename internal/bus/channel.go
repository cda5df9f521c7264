package bus

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/opensource-finance/pricewise/internal/domain"
)

// ErrBusClosed is returned by a ChannelBus after Close.
var ErrBusClosed = errors.New("bus: closed")

type route struct {
	tenantID string
	topic    string
}

// ChannelBus delivers events inside one process. Each subscriber owns a
// buffered queue drained by its own goroutine, so a subscriber sees its
// messages in publish order. Publish waits while a queue is full.
type ChannelBus struct {
	depth int

	mu     sync.RWMutex
	routes map[route][]*channelSubscription
	closed bool

	running sync.WaitGroup
}

type channelSubscription struct {
	route   route
	queue   chan *domain.Message
	handler domain.MessageHandler
	ctx     context.Context
	stop    context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus gives every subscriber a queue of depth messages.
func NewChannelBus(depth int) *ChannelBus {
	if depth <= 0 {
		depth = 1000
	}
	return &ChannelBus{depth: depth, routes: make(map[route][]*channelSubscription)}
}

func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := slices.Clone(b.routes[route{tenantID, topic}])
	b.mu.RUnlock()

	msg := newMessage(tenantID, topic, payload)
	for _, s := range subs {
		select {
		case s.queue <- msg:
		case <-s.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sctx, stop := context.WithCancel(ctx)
	s := &channelSubscription{
		route:   route{tenantID, topic},
		queue:   make(chan *domain.Message, b.depth),
		handler: handler,
		ctx:     sctx,
		stop:    stop,
		bus:     b,
	}
	b.routes[s.route] = append(b.routes[s.route], s)

	b.running.Add(1)
	go s.drain(&b.running)
	return s, nil
}

func (s *channelSubscription) drain(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("message handler failed",
					"tenant_id", msg.TenantID,
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Close stops all subscribers and waits for in-flight handlers. Queued
// messages that were not yet handled are dropped.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.routes {
		for _, s := range subs {
			s.stop()
		}
	}
	clear(b.routes)
	b.mu.Unlock()

	b.running.Wait()
	return nil
}

func (s *channelSubscription) Unsubscribe() error {
	s.stop()

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	rest := slices.DeleteFunc(b.routes[s.route], func(o *channelSubscription) bool { return o == s })
	if len(rest) == 0 {
		delete(b.routes, s.route)
	} else {
		b.routes[s.route] = rest
	}
	return nil
}

func (s *channelSubscription) Topic() string {
	return s.route.topic
}
