package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/persistence"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Engine keeps everything in process memory. It backs PERSISTENCE_ENGINE=memory
// and the test suites.
type Engine struct {
	mu       sync.RWMutex
	messages []broadcaster.Message
	presence map[string]broadcaster.PresenceRecord
	users    map[string]persistence.User
}

func NewEngine() *Engine {
	return &Engine{
		presence: make(map[string]broadcaster.PresenceRecord),
		users:    make(map[string]persistence.User),
	}
}

func (e *Engine) Setup(ctx context.Context) error {
	return nil
}

func (e *Engine) AppendMessage(ctx context.Context, message broadcaster.Message) (broadcaster.Message, error) {
	if err := ctx.Err(); err != nil {
		return broadcaster.Message{}, err
	}

	if message.Id == "" {
		message.Id = gonanoid.Must()
	}

	if message.SentAt.IsZero() {
		message.SentAt = time.Now().UTC()
	}

	if message.Room == "" {
		message.Room = broadcaster.DefaultRoom
	}

	e.mu.Lock()
	e.messages = append(e.messages, message)
	e.mu.Unlock()

	return message, nil
}

func (e *Engine) RecentMessages(ctx context.Context, limit int) ([]broadcaster.Message, error) {
	if limit <= 0 {
		return []broadcaster.Message{}, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	start := max(len(e.messages)-limit, 0)

	return slices.Clone(e.messages[start:]), nil
}

func (e *Engine) UpsertPresence(ctx context.Context, username string, patch broadcaster.PresencePatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	record := e.presence[username]
	record.Username = username
	record.IsOnline = patch.IsOnline

	if patch.LastSeenAt.After(record.LastSeenAt) {
		record.LastSeenAt = patch.LastSeenAt
	}

	e.presence[username] = record

	return nil
}

func (e *Engine) ListPresence(ctx context.Context) ([]broadcaster.PresenceRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	records := make([]broadcaster.PresenceRecord, 0, len(e.presence))
	for _, record := range e.presence {
		records = append(records, record)
	}

	slices.SortFunc(records, func(a, b broadcaster.PresenceRecord) int {
		return strings.Compare(a.Username, b.Username)
	})

	return records, nil
}

func (e *Engine) CreateUser(ctx context.Context, user persistence.User) (persistence.User, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.users[user.Username]; ok {
		return persistence.User{}, persistence.ErrUserExists
	}

	if user.Id == "" {
		user.Id = gonanoid.Must()
	}

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	e.users[user.Username] = user

	return user, nil
}

func (e *Engine) FindUserByUsername(ctx context.Context, username string) (persistence.User, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	user, ok := e.users[username]
	if !ok {
		return persistence.User{}, persistence.ErrUserNotFound
	}

	return user, nil
}
