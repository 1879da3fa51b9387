package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/goevery/chatrelay/internal/broadcaster"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
)

type Engine interface {
	Setup(ctx context.Context) error
	MessageStore
	broadcaster.PresenceStore
	UserStore
}

// MessageStore is append-only. AppendMessage assigns id and sentAt when they
// are missing and returns the message as stored.
type MessageStore interface {
	AppendMessage(ctx context.Context, message broadcaster.Message) (broadcaster.Message, error)

	// RecentMessages returns at most limit of the newest messages, oldest first.
	// A non-positive limit yields no messages.
	RecentMessages(ctx context.Context, limit int) ([]broadcaster.Message, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user User) (User, error)
	FindUserByUsername(ctx context.Context, username string) (User, error)
}

type User struct {
	Id           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}
