package broadcaster

import (
	"errors"

	"go.uber.org/zap"
)

// Router fans events out to registered connections. Delivery is best-effort:
// a failing connection is closed and skipped, the others still receive the
// event.
type Router struct {
	logger   *zap.Logger
	registry Registry
}

func NewRouter(logger *zap.Logger, registry Registry) *Router {
	return &Router{
		logger,
		registry,
	}
}

// BroadcastMessage reaches every session including the author's.
func (r *Router) BroadcastMessage(message Message) {
	r.broadcast(Event{Name: EventMessage, Payload: message}, "")
}

// BroadcastTyping reaches every session except the originating one.
func (r *Router) BroadcastTyping(name string, event TypingEvent, excludeConnectionId string) {
	r.broadcast(Event{Name: name, Payload: event}, excludeConnectionId)
}

func (r *Router) BroadcastPresence(name string, payload any) {
	r.broadcast(Event{Name: name, Payload: payload}, "")
}

func (r *Router) broadcast(event Event, excludeConnectionId string) {
	// Snapshot first, registry lock is not held while delivering.
	connections := r.registry.Connections()

	for _, connection := range connections {
		if connection.Id == excludeConnectionId {
			continue
		}

		err := connection.Deliver(event)
		if err == nil {
			continue
		}

		if errors.Is(err, ErrSendBufferFull) {
			r.logger.Warn("connection send buffer is full, closing connection",
				zap.String("connectionId", connection.Id),
				zap.String("event", event.Name))

			connection.Close()

			continue
		}

		r.logger.Debug("skipping delivery to closed connection",
			zap.String("connectionId", connection.Id),
			zap.String("event", event.Name))
	}
}
