package handler

import (
	"context"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/goevery/chatrelay/internal/persistence"
)

const MaxHistoryLimit = 50

type HistoryRequest struct {
	Limit int
}

type HistoryHandler struct {
	messageStore persistence.MessageStore
}

func NewHistoryHandler(messageStore persistence.MessageStore) *HistoryHandler {
	return &HistoryHandler{
		messageStore,
	}
}

func (h *HistoryHandler) Handle(ctx context.Context, req HistoryRequest) ([]broadcaster.Message, error) {
	limit := req.Limit
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	messages, err := h.messageStore.RecentMessages(ctx, limit)
	if err != nil {
		return nil, ierr.Wrap(ierr.ErrorCodeUnavailable, "Failed to fetch messages", err)
	}

	if messages == nil {
		messages = []broadcaster.Message{}
	}

	return messages, nil
}

type RosterHandler struct {
	presenceCoordinator *broadcaster.PresenceCoordinator
}

func NewRosterHandler(presenceCoordinator *broadcaster.PresenceCoordinator) *RosterHandler {
	return &RosterHandler{
		presenceCoordinator,
	}
}

func (h *RosterHandler) Handle(ctx context.Context) []broadcaster.PresenceRecord {
	return h.presenceCoordinator.Roster(ctx)
}
