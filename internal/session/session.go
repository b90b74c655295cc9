package session

import "errors"

// ErrQueueFull reports that a connection's bounded outbound queue rejected a
// payload; the owning pipeline treats the connection as non-responsive.
var ErrQueueFull = errors.New("outbound queue full")

// Sender enqueues one outbound payload without blocking. Implementations
// belong to the connection pipeline; the registry only ever calls Enqueue and
// never touches the transport underneath.
type Sender interface {
	Enqueue(payload []byte) error
}

// Session is the server-side record of one live, authenticated connection.
// Identity fields are immutable for the connection's lifetime; chat
// membership is tracked by the Registry's indices, never here.
type Session struct {
	// ID is the opaque connection identifier, unique per live connection.
	ID       string
	UserID   int64
	Username string

	sender Sender
}

// New binds a verified identity to a connection's outbound sender.
func New(id string, userID int64, username string, sender Sender) *Session {
	return &Session{ID: id, UserID: userID, Username: username, sender: sender}
}

// Enqueue hands a payload to the connection's outbound queue.
func (s *Session) Enqueue(payload []byte) error {
	if s == nil || s.sender == nil {
		return errors.New("session has no sender")
	}
	return s.sender.Enqueue(payload)
}
