package handler

import (
	"context"
	"testing"
	"time"

	"github.com/goevery/chatrelay/internal/auth"
	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) AppendMessage(ctx context.Context, message broadcaster.Message) (broadcaster.Message, error) {
	args := m.Called(ctx, message)

	return args.Get(0).(broadcaster.Message), args.Error(1)
}

func (m *MockMessageStore) RecentMessages(ctx context.Context, limit int) ([]broadcaster.Message, error) {
	args := m.Called(ctx, limit)

	messages, _ := args.Get(0).([]broadcaster.Message)

	return messages, args.Error(1)
}

type room struct {
	registry *broadcaster.InMemoryRegistry
	router   *broadcaster.Router
}

func newRoom() *room {
	logger := zap.NewNop()
	registry := broadcaster.NewInMemoryRegistry(logger)

	return &room{
		registry: registry,
		router:   broadcaster.NewRouter(logger, registry),
	}
}

func (r *room) join(t *testing.T, username string, options broadcaster.ConnectionOptions) (*broadcaster.Connection, context.Context) {
	t.Helper()

	if options.TypingTimeout == 0 {
		options.TypingTimeout = time.Hour
	}

	connection := broadcaster.NewConnection(auth.Identity{Id: "id-" + username, DisplayName: username}, options)
	require.NoError(t, connection.Activate(broadcaster.Event{Name: broadcaster.EventPreviousMessages}, nil))
	<-connection.Outbound()

	_, err := r.registry.Register(connection)
	require.NoError(t, err)

	return connection, broadcaster.WithConnection(context.Background(), connection)
}

func drain(connection *broadcaster.Connection) []broadcaster.Event {
	var events []broadcaster.Event

	for {
		select {
		case frame := <-connection.Outbound():
			events = append(events, frame.(broadcaster.Event))
		default:
			return events
		}
	}
}

func eventNames(events []broadcaster.Event) []string {
	names := make([]string, 0, len(events))
	for _, event := range events {
		names = append(names, event.Name)
	}

	return names
}
