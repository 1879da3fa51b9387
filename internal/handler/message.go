package handler

import (
	"context"
	"errors"
	"time"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/goevery/chatrelay/internal/persistence"
	"go.uber.org/zap"
)

const FailedToSendMessage = "Failed to send message"

type SendMessageRequest struct {
	Body            string     `json:"body"`
	ClientTimestamp *time.Time `json:"clientTimestamp,omitempty"`
}

type SendMessageHandlerInterface interface {
	Handle(ctx context.Context, req SendMessageRequest) (broadcaster.Message, error)
}

type SendMessageHandler struct {
	logger       *zap.Logger
	messageStore persistence.MessageStore
	router       *broadcaster.Router
}

func NewSendMessageHandler(
	logger *zap.Logger,
	messageStore persistence.MessageStore,
	router *broadcaster.Router,
) *SendMessageHandler {
	return &SendMessageHandler{
		logger,
		messageStore,
		router,
	}
}

// Handle persists the message and only then broadcasts it, author included.
// A pending typing indicator of the author is cleared before the broadcast.
func (h *SendMessageHandler) Handle(ctx context.Context, req SendMessageRequest) (broadcaster.Message, error) {
	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return broadcaster.Message{}, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("user not authenticated"))
	}

	if !connection.AllowMessage() {
		return broadcaster.Message{},
			ierr.New(ierr.ErrorCodeResourceExhausted, errors.New("too many messages, slow down"))
	}

	body, err := NormalizeMessageBody(req.Body)
	if err != nil {
		return broadcaster.Message{}, err
	}

	// Client clocks are not trusted, the store stamps sentAt.
	message, err := h.messageStore.AppendMessage(ctx, broadcaster.Message{
		AuthorName: connection.Username(),
		Body:       body,
		Room:       broadcaster.DefaultRoom,
	})
	if err != nil {
		h.logger.Error("failed to append message",
			zap.String("connectionId", connection.Id),
			zap.String("username", connection.Username()),
			zap.Error(err))

		return broadcaster.Message{}, ierr.Wrap(ierr.ErrorCodeUnavailable, FailedToSendMessage, err)
	}

	if connection.StopTyping() {
		h.router.BroadcastTyping(broadcaster.EventUserStoppedTyping, broadcaster.TypingEvent{
			Username: connection.Username(),
		}, connection.Id)
	}

	h.router.BroadcastMessage(message)

	return message, nil
}
