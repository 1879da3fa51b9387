package broadcaster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goevery/chatrelay/internal/auth"
	"github.com/stretchr/testify/require"
)

func newTestConnection(username string) *Connection {
	return NewConnection(auth.Identity{Id: "id-" + username, DisplayName: username}, ConnectionOptions{
		SendBufferSize: 16,
		TypingTimeout:  time.Hour,
	})
}

func newActiveConnection(t *testing.T, username string) *Connection {
	t.Helper()

	connection := newTestConnection(username)
	require.NoError(t, connection.Activate(Event{Name: EventPreviousMessages, Payload: []Message{}}, nil))
	<-connection.Outbound()

	return connection
}

// drain returns every frame currently queued on the connection.
func drain(connection *Connection) []Event {
	var events []Event

	for {
		select {
		case frame := <-connection.Outbound():
			events = append(events, frame.(Event))
		default:
			return events
		}
	}
}

func eventNames(events []Event) []string {
	names := make([]string, 0, len(events))
	for _, event := range events {
		names = append(names, event.Name)
	}

	return names
}

type fakePresenceStore struct {
	mu      sync.Mutex
	records map[string]PresenceRecord
	err     error
}

func newFakePresenceStore() *fakePresenceStore {
	return &fakePresenceStore{records: make(map[string]PresenceRecord)}
}

func (s *fakePresenceStore) UpsertPresence(_ context.Context, username string, patch PresencePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	record := s.records[username]
	record.Username = username
	record.IsOnline = patch.IsOnline
	if patch.LastSeenAt.After(record.LastSeenAt) {
		record.LastSeenAt = patch.LastSeenAt
	}
	s.records[username] = record

	return nil
}

func (s *fakePresenceStore) ListPresence(_ context.Context) ([]PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	records := make([]PresenceRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record)
	}

	return records, nil
}

func (s *fakePresenceStore) get(username string) (PresenceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[username]

	return record, ok
}
