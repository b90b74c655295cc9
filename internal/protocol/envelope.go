package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Kind discriminates the application envelopes exchanged over a connection.
// The wire values match what the surrounding services already produce and
// consume, so they stay SCREAMING_SNAKE.
type Kind string

const (
	KindAuth          Kind = "AUTH"
	KindAuthSuccess   Kind = "AUTH_SUCCESS"
	KindJoinChat      Kind = "JOIN_CHAT"
	KindLeaveChat     Kind = "LEAVE_CHAT"
	KindSendMessage   Kind = "SEND_MESSAGE"
	KindChatMessage   Kind = "CHAT_MESSAGE"
	KindSystemMessage Kind = "SYSTEM_MESSAGE"
	KindUserOnline    Kind = "USER_ONLINE"
	KindUserOffline   Kind = "USER_OFFLINE"
	KindPing          Kind = "PING"
	KindPong          Kind = "PONG"
	KindError         Kind = "ERROR"
)

var inboundKinds = map[Kind]struct{}{
	KindAuth:        {},
	KindJoinChat:    {},
	KindLeaveChat:   {},
	KindSendMessage: {},
	KindPing:        {},
}

var (
	// ErrMalformed reports an envelope whose JSON could not be parsed.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownKind reports an envelope whose type is not accepted inbound.
	ErrUnknownKind = errors.New("unsupported envelope type")
)

var validate = validator.New()

// Envelope is one typed application message. Which fields are meaningful
// depends on Type; everything else is ignored on receipt.
type Envelope struct {
	Type           Kind   `json:"type"`
	Content        string `json:"content,omitempty"`
	Token          string `json:"token,omitempty"`
	ChatID         int64  `json:"chatId,omitempty"`
	UserID         int64  `json:"userId,omitempty"`
	SenderID       int64  `json:"senderId,omitempty"`
	Username       string `json:"username,omitempty"`
	SenderUsername string `json:"senderUsername,omitempty"`
	// Timestamp is stamped by the server on outbound delivery events and
	// never trusted from the client.
	Timestamp string `json:"timestamp,omitempty"`
	LastSeen  string `json:"lastSeen,omitempty"`
	IsOnline  *bool  `json:"isOnline,omitempty"`
}

// Decode parses a single inbound envelope and rejects unknown kinds before
// any field-level validation happens.
func Decode(raw []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := inboundKinds[envelope.Type]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, envelope.Type)
	}
	if err := envelope.validateFields(); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// validateFields enforces the per-kind field requirements.
func (e *Envelope) validateFields() error {
	switch e.Type {
	case KindJoinChat, KindLeaveChat:
		if err := validate.Var(e.ChatID, "required,gt=0"); err != nil {
			return fmt.Errorf("%w: %s requires a positive chatId", ErrMalformed, e.Type)
		}
	case KindSendMessage:
		if err := validate.Var(e.ChatID, "required,gt=0"); err != nil {
			return fmt.Errorf("%w: %s requires a positive chatId", ErrMalformed, e.Type)
		}
		if err := validate.Var(e.Content, "required,max=4000"); err != nil {
			return fmt.Errorf("%w: %s requires content up to 4000 characters", ErrMalformed, e.Type)
		}
	}
	return nil
}

// Encode serialises the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	if e == nil {
		return nil, errors.New("nil envelope")
	}
	return json.Marshal(e)
}

// Timestamp formatting shared by every server-stamped envelope.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewError builds the per-message error reply sent back to a misbehaving sender.
func NewError(content string) *Envelope {
	return &Envelope{Type: KindError, Content: content}
}

// NewSystem builds an informational acknowledgement for the connection.
func NewSystem(content string) *Envelope {
	return &Envelope{Type: KindSystemMessage, Content: content}
}

// NewPong answers a liveness probe.
func NewPong() *Envelope {
	return &Envelope{Type: KindPong}
}

// NewAuthSuccess confirms the identity bound to the connection.
func NewAuthSuccess(userID int64, username string) *Envelope {
	return &Envelope{Type: KindAuthSuccess, UserID: userID, Username: username}
}

// NewChatMessage builds the delivery event fanned out to chat participants.
func NewChatMessage(chatID, senderID int64, senderUsername, content string, at time.Time) *Envelope {
	return &Envelope{
		Type:           KindChatMessage,
		ChatID:         chatID,
		SenderID:       senderID,
		SenderUsername: senderUsername,
		Content:        content,
		Timestamp:      FormatTime(at),
	}
}

// NewPresence builds a USER_ONLINE or USER_OFFLINE notification payload.
func NewPresence(online bool, userID int64, username string, at time.Time) *Envelope {
	envelope := &Envelope{
		UserID:   userID,
		Username: username,
		IsOnline: &online,
	}
	if online {
		envelope.Type = KindUserOnline
	} else {
		envelope.Type = KindUserOffline
		envelope.LastSeen = FormatTime(at)
	}
	return envelope
}
