package bridge

import "context"

// Handler consumes one event from the shared log. The routing key is the
// chat id or user id the event was published under, as a string; data is the
// event payload exactly as published.
type Handler func(routingKey string, data []byte)

// Bus abstracts the shared publish/subscribe log the relay instances use to
// propagate events between each other. Offsets, partitions and reconnection
// are owned entirely by the implementation.
type Bus interface {
	// PublishChatMessage appends a chat event keyed by chat id.
	PublishChatMessage(ctx context.Context, chatID int64, data []byte) error
	// PublishNotification appends a personal notification keyed by user id.
	PublishNotification(ctx context.Context, userID int64, data []byte) error
	// SubscribeChatMessages registers a standing subscription on the chat
	// topic. The returned func cancels the subscription.
	SubscribeChatMessages(handler Handler) (func(), error)
	// SubscribeNotifications registers a standing subscription on the
	// personal-notification topic.
	SubscribeNotifications(handler Handler) (func(), error)
	// Connected reports whether the bus can currently reach the log.
	Connected() bool
	// Close releases every subscription and the underlying connection.
	Close() error
}
