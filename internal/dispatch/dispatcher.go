package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"messenger/relay/internal/logging"
	"messenger/relay/internal/protocol"
	"messenger/relay/internal/session"
)

// Publisher appends accepted chat messages to the shared log. The dispatcher
// never delivers through the registry directly: local recipients, the
// sender's own devices included, receive the message when the log round-trips
// it back through the fan-out bridge.
type Publisher interface {
	PublishChatMessage(ctx context.Context, chatID int64, envelope *protocol.Envelope) error
}

// Dispatcher interprets inbound application envelopes against the session's
// current state. Protocol faults produce a single ERROR reply and leave both
// the session and the connection intact.
type Dispatcher struct {
	registry  *session.Registry
	publisher Publisher
	log       *logging.Logger
	now       func() time.Time
}

// New constructs a dispatcher over the given registry and publisher.
func New(registry *session.Registry, publisher Publisher, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.L()
	}
	return &Dispatcher{
		registry:  registry,
		publisher: publisher,
		log:       logger,
		now:       time.Now,
	}
}

// WithClock overrides the timestamp source, enabling deterministic tests.
func (d *Dispatcher) WithClock(clock func() time.Time) {
	if d != nil && clock != nil {
		d.now = clock
	}
}

// HandleFrame processes one inbound frame for an authenticated session.
// Frames are handled in arrival order by the connection's read pump, so no
// additional serialisation happens here.
func (d *Dispatcher) HandleFrame(ctx context.Context, sess *session.Session, raw []byte) {
	if d == nil || sess == nil {
		return
	}
	envelope, err := protocol.Decode(raw)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnknownKind):
			d.reply(sess, protocol.NewError("unsupported message type"))
		default:
			d.reply(sess, protocol.NewError("invalid message format"))
		}
		d.log.Debug("rejected inbound frame",
			logging.String("connection_id", sess.ID),
			logging.Error(err))
		return
	}

	switch envelope.Type {
	case protocol.KindAuth:
		// Identity was bound at the upgrade handshake; confirm it.
		d.reply(sess, protocol.NewAuthSuccess(sess.UserID, sess.Username))
	case protocol.KindJoinChat:
		d.handleJoinChat(sess, envelope.ChatID)
	case protocol.KindLeaveChat:
		d.handleLeaveChat(sess, envelope.ChatID)
	case protocol.KindSendMessage:
		d.handleSendMessage(ctx, sess, envelope)
	case protocol.KindPing:
		d.reply(sess, protocol.NewPong())
	}
}

// handleJoinChat moves the session into the target chat. A session holds at
// most one active chat, so any previous membership is left first.
func (d *Dispatcher) handleJoinChat(sess *session.Session, chatID int64) {
	for _, previous := range d.registry.Memberships(sess.ID) {
		if previous != chatID {
			d.registry.LeaveChat(sess.ID, previous)
		}
	}
	d.registry.JoinChat(sess.ID, chatID)
	d.reply(sess, protocol.NewSystem(fmt.Sprintf("joined chat %d", chatID)))
	d.log.Info("session joined chat",
		logging.String("connection_id", sess.ID),
		logging.Int64("user_id", sess.UserID),
		logging.Int64("chat_id", chatID))
}

func (d *Dispatcher) handleLeaveChat(sess *session.Session, chatID int64) {
	d.registry.LeaveChat(sess.ID, chatID)
	d.reply(sess, protocol.NewSystem(fmt.Sprintf("left chat %d", chatID)))
	d.log.Info("session left chat",
		logging.String("connection_id", sess.ID),
		logging.Int64("user_id", sess.UserID),
		logging.Int64("chat_id", chatID))
}

// handleSendMessage accepts a chat message from a member and appends it to
// the shared log; local delivery happens only on the log round-trip.
func (d *Dispatcher) handleSendMessage(ctx context.Context, sess *session.Session, envelope *protocol.Envelope) {
	if !d.registry.IsMember(sess.ID, envelope.ChatID) {
		d.reply(sess, protocol.NewError(fmt.Sprintf("not a member of chat %d", envelope.ChatID)))
		return
	}
	delivery := protocol.NewChatMessage(envelope.ChatID, sess.UserID, sess.Username, envelope.Content, d.now())
	if err := d.publisher.PublishChatMessage(ctx, envelope.ChatID, delivery); err != nil {
		d.log.Error("chat message publish failed",
			logging.String("connection_id", sess.ID),
			logging.Int64("chat_id", envelope.ChatID),
			logging.Error(err))
		d.reply(sess, protocol.NewError("message could not be accepted"))
	}
}

func (d *Dispatcher) reply(sess *session.Session, envelope *protocol.Envelope) {
	data, err := envelope.Encode()
	if err != nil {
		d.log.Error("encode reply", logging.Error(err))
		return
	}
	if err := sess.Enqueue(data); err != nil {
		d.log.Debug("reply dropped",
			logging.String("connection_id", sess.ID),
			logging.Error(err))
	}
}
