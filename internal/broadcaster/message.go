package broadcaster

import "time"

const DefaultRoom = "general"

type Message struct {
	Id         string    `json:"id"`
	AuthorName string    `json:"authorName"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sentAt"`
	Room       string    `json:"room"`
}

type PresenceRecord struct {
	Username   string    `json:"username"`
	IsOnline   bool      `json:"isOnline"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type PresencePatch struct {
	IsOnline   bool
	LastSeenAt time.Time
}

const (
	EventPreviousMessages  = "previous-messages"
	EventMessage           = "message"
	EventUserJoined        = "user-joined"
	EventUserLeft          = "user-left"
	EventUsersUpdate       = "users-update"
	EventUserTyping        = "user-typing"
	EventUserStoppedTyping = "user-stopped-typing"
	EventError             = "error"
)

// Event is a server-originated notification queued for delivery to a session.
type Event struct {
	Name    string
	Payload any
}

type PresenceEvent struct {
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type TypingEvent struct {
	Username string `json:"username"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}
