package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"messenger/relay/internal/logging"
	"messenger/relay/internal/protocol"
	"messenger/relay/internal/session"
)

// Bridge is the adapter between the session registry and the shared log. It
// holds no durable state: outbound it encodes and publishes envelopes with a
// bounded timeout, inbound it resolves each event's routing key and calls
// the registry's fan-out operations for the sessions this instance holds.
type Bridge struct {
	bus            Bus
	registry       *session.Registry
	publishTimeout time.Duration
	log            *logging.Logger

	cancels   []func()
	published atomic.Int64
	dropped   atomic.Int64
}

// New wires a bridge between the bus and the registry.
func New(bus Bus, registry *session.Registry, publishTimeout time.Duration, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.L()
	}
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	return &Bridge{
		bus:            bus,
		registry:       registry,
		publishTimeout: publishTimeout,
		log:            logger,
	}
}

// Start opens the standing subscriptions on the chat-message and
// personal-notification topics.
func (b *Bridge) Start() error {
	if b == nil || b.bus == nil || b.registry == nil {
		return errors.New("bridge not initialised")
	}
	cancelChat, err := b.bus.SubscribeChatMessages(b.handleChatEvent)
	if err != nil {
		return err
	}
	b.cancels = append(b.cancels, cancelChat)

	cancelNotify, err := b.bus.SubscribeNotifications(b.handleNotification)
	if err != nil {
		b.Stop()
		return err
	}
	b.cancels = append(b.cancels, cancelNotify)
	return nil
}

// Stop cancels the standing subscriptions.
func (b *Bridge) Stop() {
	if b == nil {
		return
	}
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
}

// PublishChatMessage appends the delivery envelope to the shared log keyed
// by chat id. Local sessions receive it only once the log delivers it back,
// so every instance, the originating one included, follows the same path.
func (b *Bridge) PublishChatMessage(ctx context.Context, chatID int64, envelope *protocol.Envelope) error {
	data, err := envelope.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	if err := b.bus.PublishChatMessage(ctx, chatID, data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// PublishNotification appends a personal notification keyed by user id.
// Best-effort: failures are returned for logging, never retried.
func (b *Bridge) PublishNotification(ctx context.Context, userID int64, envelope *protocol.Envelope) error {
	data, err := envelope.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	if err := b.bus.PublishNotification(ctx, userID, data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Published reports how many events this instance has appended to the log.
func (b *Bridge) Published() int64 {
	if b == nil {
		return 0
	}
	return b.published.Load()
}

// eventFields are the payload fields consulted when the routing key alone
// does not resolve, matching what the persistence and auth services publish.
type eventFields struct {
	ChatID      int64 `json:"chatId"`
	RecipientID int64 `json:"recipientId"`
	UserID      int64 `json:"userId"`
}

func (b *Bridge) handleChatEvent(routingKey string, data []byte) {
	chatID, ok := b.resolveKey(routingKey, data, func(fields eventFields) int64 { return fields.ChatID })
	if !ok {
		b.dropped.Add(1)
		b.log.Warn("chat event without resolvable chat id dropped",
			logging.String("routing_key", routingKey))
		return
	}
	delivered := b.registry.BroadcastToChat(chatID, data)
	b.log.Debug("chat event fanned out",
		logging.Int64("chat_id", chatID),
		logging.Int("deliveries", delivered))
}

func (b *Bridge) handleNotification(routingKey string, data []byte) {
	userID, ok := b.resolveKey(routingKey, data, func(fields eventFields) int64 {
		if fields.RecipientID != 0 {
			return fields.RecipientID
		}
		return fields.UserID
	})
	if !ok {
		b.dropped.Add(1)
		b.log.Warn("notification without resolvable recipient dropped",
			logging.String("routing_key", routingKey))
		return
	}
	delivered := b.registry.SendToUser(userID, data)
	b.log.Debug("notification fanned out",
		logging.Int64("user_id", userID),
		logging.Int("deliveries", delivered))
}

// resolveKey prefers the routing key and falls back to the payload fields.
// Events resolving to neither are reported unroutable.
func (b *Bridge) resolveKey(routingKey string, data []byte, pick func(eventFields) int64) (int64, bool) {
	if id, err := strconv.ParseInt(routingKey, 10, 64); err == nil && id > 0 {
		return id, true
	}
	var fields eventFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return 0, false
	}
	if id := pick(fields); id > 0 {
		return id, true
	}
	return 0, false
}
