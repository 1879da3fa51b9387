package broadcaster

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type PresenceStore interface {
	UpsertPresence(ctx context.Context, username string, patch PresencePatch) error
	ListPresence(ctx context.Context) ([]PresenceRecord, error)
}

// PresenceCoordinator reconciles registry membership with the persisted
// presence rows and announces join/leave transitions.
//
// Settle is level-triggered: it reads the registry under a per-username lock
// and compares it with what was last announced, so join and leave events for a
// username always alternate no matter how connects and disconnects interleave.
type PresenceCoordinator struct {
	logger   *zap.Logger
	registry Registry
	store    PresenceStore
	router   *Router
	now      func() time.Time

	locks *keyedMutex

	mu        sync.Mutex
	announced map[string]struct{}
}

func NewPresenceCoordinator(
	logger *zap.Logger,
	registry Registry,
	store PresenceStore,
	router *Router,
) *PresenceCoordinator {
	return &PresenceCoordinator{
		logger:    logger,
		registry:  registry,
		store:     store,
		router:    router,
		now:       time.Now,
		locks:     newKeyedMutex(),
		announced: make(map[string]struct{}),
	}
}

// Attach registers a connection. It does not announce anything; callers
// settle once the session is ready to receive events.
func (p *PresenceCoordinator) Attach(connection *Connection) (bool, error) {
	return p.registry.Register(connection)
}

// Detach deregisters a connection and settles its username when that was its
// last connection. Detaching twice is a no-op.
func (p *PresenceCoordinator) Detach(ctx context.Context, connectionId string) {
	connection, left := p.registry.Deregister(connectionId)
	if connection == nil || !left {
		return
	}

	p.Settle(ctx, connection.Username())
}

// Settle persists the current presence of username and, when it differs from
// what was last announced, broadcasts the transition and a fresh roster. It
// reports whether anything was broadcast.
func (p *PresenceCoordinator) Settle(ctx context.Context, username string) bool {
	unlock := p.locks.lock(username)
	defer unlock()

	online := p.registry.IsOnline(username)
	now := p.now()

	err := p.store.UpsertPresence(ctx, username, PresencePatch{
		IsOnline:   online,
		LastSeenAt: now,
	})
	if err != nil {
		p.logger.Warn("failed to upsert presence",
			zap.String("username", username),
			zap.Bool("isOnline", online),
			zap.Error(err))
	}

	if !p.swapAnnounced(username, online) {
		return false
	}

	event := EventUserLeft
	if online {
		event = EventUserJoined
	}

	p.logger.Info(strings.ReplaceAll(event, "-", " "),
		zap.String("username", username))

	p.router.BroadcastPresence(event, PresenceEvent{
		Username:  username,
		Timestamp: now,
	})
	p.router.BroadcastPresence(EventUsersUpdate, p.Roster(ctx))

	return true
}

// Roster merges persisted presence rows with live registry membership. The
// registry wins on isOnline.
func (p *PresenceCoordinator) Roster(ctx context.Context) []PresenceRecord {
	records, err := p.store.ListPresence(ctx)
	if err != nil {
		p.logger.Warn("failed to list presence, falling back to registry",
			zap.Error(err))
	}

	seen := make(map[string]struct{}, len(records))
	roster := make([]PresenceRecord, 0, len(records))

	for _, record := range records {
		record.IsOnline = p.registry.IsOnline(record.Username)
		seen[record.Username] = struct{}{}
		roster = append(roster, record)
	}

	for _, username := range p.registry.OnlineUsernames() {
		if _, ok := seen[username]; ok {
			continue
		}

		roster = append(roster, PresenceRecord{
			Username: username,
			IsOnline: true,
		})
	}

	slices.SortFunc(roster, func(a, b PresenceRecord) int {
		return strings.Compare(a.Username, b.Username)
	})

	return roster
}

func (p *PresenceCoordinator) swapAnnounced(username string, online bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, wasOnline := p.announced[username]
	if wasOnline == online {
		return false
	}

	if online {
		p.announced[username] = struct{}{}
	} else {
		delete(p.announced, username)
	}

	return true
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		locks: make(map[string]*refMutex),
	}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
