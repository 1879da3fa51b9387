package broadcaster

import (
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Registry is the single source of truth for who is online right now.
type Registry interface {
	// Register adds a connection. joined is true when it is the first live
	// connection of its username.
	Register(connection *Connection) (joined bool, err error)

	// Deregister removes a connection. Unknown ids are ignored. left is true
	// when the username has no live connection anymore.
	Deregister(connectionId string) (connection *Connection, left bool)

	// Connections returns a snapshot of every registered connection.
	Connections() []*Connection

	// OnlineUsernames returns a sorted snapshot of usernames with at least one
	// live connection.
	OnlineUsernames() []string

	IsOnline(username string) bool

	// CloseAll closes every registered connection and rejects later
	// registrations.
	CloseAll()

	Closed() bool
}

type InMemoryRegistry struct {
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool

	connections           map[string]*Connection
	connectionsByUsername map[string]map[string]struct{}
}

func NewInMemoryRegistry(
	logger *zap.Logger,
) *InMemoryRegistry {
	return &InMemoryRegistry{
		logger:                logger,
		connections:           make(map[string]*Connection),
		connectionsByUsername: make(map[string]map[string]struct{}),
	}
}

func (r *InMemoryRegistry) Register(connection *Connection) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, ErrRegistryClosed
	}

	if _, ok := r.connections[connection.Id]; ok {
		return false, ErrAlreadyRegistered
	}

	username := connection.Username()

	// Ensure map for the username exists
	userConnections, ok := r.connectionsByUsername[username]
	if !ok {
		userConnections = make(map[string]struct{})
		r.connectionsByUsername[username] = userConnections
	}

	userConnections[connection.Id] = struct{}{}
	r.connections[connection.Id] = connection

	r.logger.Debug("connection registered",
		zap.String("connectionId", connection.Id),
		zap.String("username", username),
		zap.Int("userConnections", len(userConnections)))

	return len(userConnections) == 1, nil
}

func (r *InMemoryRegistry) Deregister(connectionId string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connection, ok := r.connections[connectionId]
	if !ok {
		return nil, false
	}

	username := connection.Username()

	userConnections, ok := r.connectionsByUsername[username]
	if !ok {
		panic("inconsistent state: username not found in connectionsByUsername")
	}

	delete(userConnections, connectionId)
	delete(r.connections, connectionId)

	left := len(userConnections) == 0
	if left {
		delete(r.connectionsByUsername, username)
	}

	r.logger.Debug("connection deregistered",
		zap.String("connectionId", connectionId),
		zap.String("username", username),
		zap.Bool("left", left))

	return connection, left
}

func (r *InMemoryRegistry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connections := make([]*Connection, 0, len(r.connections))
	for _, connection := range r.connections {
		connections = append(connections, connection)
	}

	return connections
}

func (r *InMemoryRegistry) OnlineUsernames() []string {
	r.mu.RLock()

	usernames := make([]string, 0, len(r.connectionsByUsername))
	for username := range r.connectionsByUsername {
		usernames = append(usernames, username)
	}

	r.mu.RUnlock()

	slices.Sort(usernames)

	return usernames
}

func (r *InMemoryRegistry) IsOnline(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.connectionsByUsername[username]

	return ok
}

func (r *InMemoryRegistry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	for _, connection := range r.Connections() {
		connection.Close()
	}
}

func (r *InMemoryRegistry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.closed
}
