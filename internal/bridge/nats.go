package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"messenger/relay/internal/logging"
)

const (
	chatStream        = "CHAT_MESSAGES"
	chatSubjectPrefix = "chat.messages."
	chatSubjects      = chatSubjectPrefix + ">"

	notificationStream        = "USER_NOTIFICATIONS"
	notificationSubjectPrefix = "user.notifications."
	notificationSubjects      = notificationSubjectPrefix + ">"
)

// NATSBus carries events between relay instances over JetStream. Every
// instance subscribes without a queue group so each one observes every event
// and fans it out to its own sessions.
type NATSBus struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *logging.Logger
}

// NewNATSBus connects to the shared log and ensures the chat and
// notification streams exist.
func NewNATSBus(url string, logger *logging.Logger) (*NATSBus, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("nats url must not be empty")
	}
	if logger == nil {
		logger = logging.L()
	}
	nc, err := nats.Connect(url,
		nats.Name("messenger-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("shared log disconnected", logging.Error(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("shared log reconnected", logging.String("url", conn.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to shared log: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	bus := &NATSBus{nc: nc, js: js, log: logger}
	for _, stream := range []struct {
		name     string
		subjects string
	}{
		{chatStream, chatSubjects},
		{notificationStream, notificationSubjects},
	} {
		if err := bus.ensureStream(stream.name, stream.subjects); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return bus, nil
}

func (b *NATSBus) ensureStream(name, subjects string) error {
	_, err := b.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("inspect stream %s: %w", name, err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subjects},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// PublishChatMessage implements Bus.
func (b *NATSBus) PublishChatMessage(ctx context.Context, chatID int64, data []byte) error {
	return b.publish(ctx, fmt.Sprintf("%s%d", chatSubjectPrefix, chatID), data)
}

// PublishNotification implements Bus.
func (b *NATSBus) PublishNotification(ctx context.Context, userID int64, data []byte) error {
	return b.publish(ctx, fmt.Sprintf("%s%d", notificationSubjectPrefix, userID), data)
}

func (b *NATSBus) publish(ctx context.Context, subject string, data []byte) error {
	if b == nil || b.js == nil {
		return errors.New("bus not initialised")
	}
	_, err := b.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeChatMessages implements Bus.
func (b *NATSBus) SubscribeChatMessages(handler Handler) (func(), error) {
	return b.subscribe(chatSubjects, chatSubjectPrefix, handler)
}

// SubscribeNotifications implements Bus.
func (b *NATSBus) SubscribeNotifications(handler Handler) (func(), error) {
	return b.subscribe(notificationSubjects, notificationSubjectPrefix, handler)
}

// subscribe attaches an ephemeral push consumer delivering only events newer
// than the subscription; missed history is not replayed because offline
// catch-up is out of scope.
func (b *NATSBus) subscribe(subjects, prefix string, handler Handler) (func(), error) {
	if b == nil || b.js == nil {
		return nil, errors.New("bus not initialised")
	}
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	sub, err := b.js.Subscribe(subjects, func(msg *nats.Msg) {
		handler(strings.TrimPrefix(msg.Subject, prefix), msg.Data)
	}, nats.DeliverNew(), nats.AckNone())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subjects, err)
	}
	cancel := func() {
		if err := sub.Unsubscribe(); err != nil {
			b.log.Warn("unsubscribe failed", logging.String("subjects", subjects), logging.Error(err))
		}
	}
	return cancel, nil
}

// Connected implements Bus.
func (b *NATSBus) Connected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Close implements Bus.
func (b *NATSBus) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
