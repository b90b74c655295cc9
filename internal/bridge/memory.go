package bridge

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"messenger/relay/internal/logging"
)

const (
	chatTopic         = "chat-messages"
	notificationTopic = "user-notifications"

	// memoryBusBuffer bounds each subscriber's undelivered backlog.
	memoryBusBuffer = 256
)

// event is one published record: routing key plus payload.
type event struct {
	key  string
	data []byte
}

// memorySubscriber drains its buffered backlog on a dedicated goroutine so
// publishers never block on a handler.
type memorySubscriber struct {
	ch   chan event
	done chan struct{}
}

// MemoryBus is an in-process ordered log. It serves tests and single-node
// deployments; cross-instance fan-out requires the NATS-backed bus.
type MemoryBus struct {
	mu          sync.Mutex
	closed      bool
	subscribers map[string][]*memorySubscriber
	log         *logging.Logger
}

// NewMemoryBus constructs an empty in-process bus.
func NewMemoryBus(logger *logging.Logger) *MemoryBus {
	if logger == nil {
		logger = logging.L()
	}
	return &MemoryBus{
		subscribers: make(map[string][]*memorySubscriber),
		log:         logger,
	}
}

// PublishChatMessage implements Bus.
func (b *MemoryBus) PublishChatMessage(ctx context.Context, chatID int64, data []byte) error {
	return b.publish(ctx, chatTopic, strconv.FormatInt(chatID, 10), data)
}

// PublishNotification implements Bus.
func (b *MemoryBus) PublishNotification(ctx context.Context, userID int64, data []byte) error {
	return b.publish(ctx, notificationTopic, strconv.FormatInt(userID, 10), data)
}

func (b *MemoryBus) publish(ctx context.Context, topic, key string, data []byte) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload := make([]byte, len(data))
	copy(payload, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus closed")
	}
	for _, sub := range b.subscribers[topic] {
		select {
		case sub.ch <- event{key: key, data: payload}:
		default:
			b.log.Warn("memory bus subscriber backlog full, event dropped",
				logging.String("topic", topic),
				logging.String("routing_key", key))
		}
	}
	return nil
}

// SubscribeChatMessages implements Bus.
func (b *MemoryBus) SubscribeChatMessages(handler Handler) (func(), error) {
	return b.subscribe(chatTopic, handler)
}

// SubscribeNotifications implements Bus.
func (b *MemoryBus) SubscribeNotifications(handler Handler) (func(), error) {
	return b.subscribe(notificationTopic, handler)
}

func (b *MemoryBus) subscribe(topic string, handler Handler) (func(), error) {
	if b == nil || handler == nil {
		return nil, errors.New("nil bus or handler")
	}
	sub := &memorySubscriber{
		ch:   make(chan event, memoryBusBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bus closed")
	}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case evt := <-sub.ch:
				handler(evt.key, evt.data)
			case <-sub.done:
				return
			}
		}
	}()

	cancel := func() { b.unsubscribe(topic, sub) }
	return cancel, nil
}

func (b *MemoryBus) unsubscribe(topic string, sub *memorySubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[topic]
	for i, candidate := range subs {
		if candidate == sub {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			close(sub.done)
			return
		}
	}
}

// Connected implements Bus; an open in-process bus is always reachable.
func (b *MemoryBus) Connected() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.done)
		}
		delete(b.subscribers, topic)
	}
	return nil
}
