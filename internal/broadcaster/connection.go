package broadcaster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goevery/chatrelay/internal/auth"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/time/rate"
)

var (
	ErrConnectionClosed  = errors.New("connection is closed")
	ErrSendBufferFull    = errors.New("connection send buffer is full")
	ErrNotAuthenticated  = errors.New("connection is not in authenticated state")
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrRegistryClosed    = errors.New("registry is closed")
)

type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

type ConnectionOptions struct {
	SendBufferSize int
	TypingTimeout  time.Duration
	MessageRate    rate.Limit
	MessageBurst   int
}

// Connection is the handle of one authenticated session. Outbound frames are
// held back until Activate so that history replay is always the first event a
// client sees.
type Connection struct {
	Id          string
	Identity    auth.Identity
	ConnectedAt time.Time
	Typing      *TypingState

	mu      sync.Mutex
	state   SessionState
	pending []any
	send    chan any

	typingExpired chan uint64
	limiter       *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func NewConnection(identity auth.Identity, options ConnectionOptions) *Connection {
	if options.SendBufferSize <= 0 {
		options.SendBufferSize = 256
	}

	if options.TypingTimeout <= 0 {
		options.TypingTimeout = 2 * time.Second
	}

	var limiter *rate.Limiter
	if options.MessageRate > 0 {
		limiter = rate.NewLimiter(options.MessageRate, max(options.MessageBurst, 1))
	}

	return &Connection{
		Id:            gonanoid.Must(),
		Identity:      identity,
		ConnectedAt:   time.Now(),
		Typing:        NewTypingState(options.TypingTimeout),
		state:         StateAuthenticated,
		send:          make(chan any, options.SendBufferSize+1),
		typingExpired: make(chan uint64),
		limiter:       limiter,
		done:          make(chan struct{}),
	}
}

func (c *Connection) Username() string {
	return c.Identity.DisplayName
}

func (c *Connection) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Deliver queues a frame without blocking. Before activation frames are kept
// aside; after Close they are rejected.
func (c *Connection) Deliver(frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state >= StateClosing || c.isDone():
		return ErrConnectionClosed
	case c.state < StateActive:
		if len(c.pending) >= cap(c.send)-1 {
			return ErrSendBufferFull
		}

		c.pending = append(c.pending, frame)

		return nil
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Activate queues first, then every frame held back since registration except
// the ones skip rejects, and moves the session to active.
func (c *Connection) Activate(first any, skip func(frame any) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAuthenticated {
		return ErrNotAuthenticated
	}

	c.send <- first

	for _, frame := range c.pending {
		if skip != nil && skip(frame) {
			continue
		}

		c.send <- frame
	}

	c.pending = nil
	c.state = StateActive

	return nil
}

func (c *Connection) BeginClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state < StateClosing {
		c.state = StateClosing
		c.pending = nil
	}
}

func (c *Connection) MarkClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateClosed
}

// Outbound is drained by the transport writer.
func (c *Connection) Outbound() <-chan any {
	return c.send
}

// Close signals the session to shut down. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// StartTyping reports whether the session just became typing.
func (c *Connection) StartTyping() bool {
	return c.Typing.Start(c.notifyTypingExpired)
}

func (c *Connection) StopTyping() bool {
	return c.Typing.Stop()
}

// TypingExpired yields generations whose inactivity timer fired.
func (c *Connection) TypingExpired() <-chan uint64 {
	return c.typingExpired
}

func (c *Connection) notifyTypingExpired(generation uint64) {
	select {
	case c.typingExpired <- generation:
	case <-c.done:
	}
}

func (c *Connection) AllowMessage() bool {
	return c.limiter == nil || c.limiter.Allow()
}

type contextKey string

const connectionKey contextKey = "connection"

func WithConnection(ctx context.Context, conn *Connection) context.Context {
	return context.WithValue(ctx, connectionKey, conn)
}

func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	conn, ok := ctx.Value(connectionKey).(*Connection)

	return conn, ok
}
