package session

import (
	"errors"
	"sync"
	"sync/atomic"

	"messenger/relay/internal/logging"
)

// ErrDuplicateSession reports an Add for a connection id that is already
// registered; callers treat this as a logic fault.
var ErrDuplicateSession = errors.New("connection id already registered")

// Stats is a point-in-time summary of registry activity.
type Stats struct {
	Sessions   int   `json:"sessions"`
	Users      int   `json:"users"`
	Chats      int   `json:"chats"`
	Broadcasts int64 `json:"broadcasts"`
	Deliveries int64 `json:"deliveries"`
	Dropped    int64 `json:"dropped"`
}

// Registry is the concurrent store of all live sessions, indexed by
// connection id, by user id, and by chat membership. All three tables are
// mutated as one atomic unit under a single lock so an index never references
// a session absent from the primary map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[int64]map[string]*Session
	byChat   map[int64]map[string]*Session

	broadcasts atomic.Int64
	deliveries atomic.Int64
	dropped    atomic.Int64

	log *logging.Logger
}

// NewRegistry constructs an empty registry. A nil logger falls back to the
// process-wide logger.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.L()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[int64]map[string]*Session),
		byChat:   make(map[int64]map[string]*Session),
		log:      logger,
	}
}

// Add registers a new authenticated session under its connection id.
func (r *Registry) Add(sess *Session) error {
	if r == nil || sess == nil {
		return errors.New("nil registry or session")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sess.ID]; exists {
		return ErrDuplicateSession
	}
	r.sessions[sess.ID] = sess
	if r.byUser[sess.UserID] == nil {
		r.byUser[sess.UserID] = make(map[string]*Session)
	}
	r.byUser[sess.UserID][sess.ID] = sess
	r.log.Info("session registered",
		logging.String("connection_id", sess.ID),
		logging.Int64("user_id", sess.UserID),
		logging.Int("active_sessions", len(r.sessions)))
	return nil
}

// Remove unregisters a connection and strips it from every index it belonged
// to. Removing an id that is already absent is not an error.
func (r *Registry) Remove(connectionID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[connectionID]
	if !ok {
		return
	}
	delete(r.sessions, connectionID)
	if peers := r.byUser[sess.UserID]; peers != nil {
		delete(peers, connectionID)
		if len(peers) == 0 {
			delete(r.byUser, sess.UserID)
		}
	}
	for chatID, members := range r.byChat {
		if _, member := members[connectionID]; member {
			delete(members, connectionID)
			if len(members) == 0 {
				delete(r.byChat, chatID)
			}
		}
	}
	r.log.Info("session removed",
		logging.String("connection_id", connectionID),
		logging.Int64("user_id", sess.UserID),
		logging.Int("active_sessions", len(r.sessions)))
}

// JoinChat adds the connection to a chat-membership index. An unknown
// connection id is a race with a concurrent disconnect and is only logged.
func (r *Registry) JoinChat(connectionID string, chatID int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[connectionID]
	if !ok {
		r.log.Debug("join for unknown connection",
			logging.String("connection_id", connectionID),
			logging.Int64("chat_id", chatID))
		return
	}
	if r.byChat[chatID] == nil {
		r.byChat[chatID] = make(map[string]*Session)
	}
	r.byChat[chatID][connectionID] = sess
}

// LeaveChat removes the connection from a chat-membership index. An unknown
// connection id is a race with a concurrent disconnect and is only logged;
// non-memberships are ignored.
func (r *Registry) LeaveChat(connectionID string, chatID int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[connectionID]; !ok {
		r.log.Debug("leave for unknown connection",
			logging.String("connection_id", connectionID),
			logging.Int64("chat_id", chatID))
		return
	}
	members, ok := r.byChat[chatID]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.byChat, chatID)
	}
}

// IsAuthenticated reports whether the connection id maps to a live session.
// Only authenticated sessions are ever registered, so an unknown id yields
// false rather than a default identity.
func (r *Registry) IsAuthenticated(connectionID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[connectionID]
	return ok
}

// UserID looks up the owning user of a connection.
func (r *Registry) UserID(connectionID string) (int64, bool) {
	if r == nil {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[connectionID]
	if !ok {
		return 0, false
	}
	return sess.UserID, true
}

// Username looks up the username bound to a connection.
func (r *Registry) Username(connectionID string) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[connectionID]
	if !ok {
		return "", false
	}
	return sess.Username, true
}

// Memberships returns the chat ids the connection currently belongs to.
func (r *Registry) Memberships(connectionID string) []int64 {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var chats []int64
	for chatID, members := range r.byChat {
		if _, member := members[connectionID]; member {
			chats = append(chats, chatID)
		}
	}
	return chats
}

// IsMember reports whether a connection currently belongs to a chat.
func (r *Registry) IsMember(connectionID string, chatID int64) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, member := r.byChat[chatID][connectionID]
	return member
}

// BroadcastToChat delivers the payload to every session joined to the chat,
// one non-blocking enqueue per connection. A slow or dead connection never
// stalls delivery to the others. Returns the number of delivery attempts.
func (r *Registry) BroadcastToChat(chatID int64, payload []byte) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.byChat[chatID]))
	for _, sess := range r.byChat[chatID] {
		targets = append(targets, sess)
	}
	r.mu.RUnlock()

	r.broadcasts.Add(1)
	return r.deliver(targets, payload)
}

// SendToUser delivers the payload to every session the user holds, covering
// multiple concurrent devices. Returns the number of delivery attempts.
func (r *Registry) SendToUser(userID int64, payload []byte) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.byUser[userID]))
	for _, sess := range r.byUser[userID] {
		targets = append(targets, sess)
	}
	r.mu.RUnlock()

	return r.deliver(targets, payload)
}

// deliver enqueues outside the registry lock so backpressure stays confined
// to individual connections.
func (r *Registry) deliver(targets []*Session, payload []byte) int {
	for _, sess := range targets {
		r.deliveries.Add(1)
		if err := sess.Enqueue(payload); err != nil {
			r.dropped.Add(1)
			r.log.Debug("delivery dropped",
				logging.String("connection_id", sess.ID),
				logging.Error(err))
		}
	}
	return len(targets)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns current registry statistics.
func (r *Registry) Snapshot() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.RLock()
	stats := Stats{
		Sessions: len(r.sessions),
		Users:    len(r.byUser),
		Chats:    len(r.byChat),
	}
	r.mu.RUnlock()
	stats.Broadcasts = r.broadcasts.Load()
	stats.Deliveries = r.deliveries.Load()
	stats.Dropped = r.dropped.Load()
	return stats
}
