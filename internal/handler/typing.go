package handler

import (
	"context"
	"errors"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/ierr"
)

type TypingResponse struct {
	Status string `json:"status"`
}

type TypingHandlerInterface interface {
	Start(ctx context.Context) (TypingResponse, error)
	Stop(ctx context.Context) (TypingResponse, error)
	Expire(ctx context.Context, generation uint64) bool
}

type TypingHandler struct {
	router *broadcaster.Router
}

func NewTypingHandler(router *broadcaster.Router) *TypingHandler {
	return &TypingHandler{
		router,
	}
}

// Start announces typing only on the idle -> typing edge; repeated calls just
// push the inactivity deadline back.
func (h *TypingHandler) Start(ctx context.Context) (TypingResponse, error) {
	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return TypingResponse{}, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("user not authenticated"))
	}

	if connection.StartTyping() {
		h.router.BroadcastTyping(broadcaster.EventUserTyping, broadcaster.TypingEvent{
			Username: connection.Username(),
		}, connection.Id)
	}

	return TypingResponse{Status: connection.Typing.Status().String()}, nil
}

func (h *TypingHandler) Stop(ctx context.Context) (TypingResponse, error) {
	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return TypingResponse{}, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("user not authenticated"))
	}

	if connection.StopTyping() {
		h.announceStopped(connection)
	}

	return TypingResponse{Status: connection.Typing.Status().String()}, nil
}

// Expire handles an inactivity timeout for the given generation and reports
// whether it produced a stop announcement.
func (h *TypingHandler) Expire(ctx context.Context, generation uint64) bool {
	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return false
	}

	if !connection.Typing.Expire(generation) {
		return false
	}

	h.announceStopped(connection)

	return true
}

func (h *TypingHandler) announceStopped(connection *broadcaster.Connection) {
	h.router.BroadcastTyping(broadcaster.EventUserStoppedTyping, broadcaster.TypingEvent{
		Username: connection.Username(),
	}, connection.Id)
}
