package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/rpc"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const cleanupTimeout = 10 * time.Second

// session drives one connection through
// authenticated -> active -> closing -> closed.
//
// Every outbound event caused by this session (replies, typing and message
// broadcasts) is produced by the run loop goroutine, which is what keeps a
// forced stop-typing ahead of the message that forced it.
type session struct {
	logger     *zap.Logger
	conn       *websocket.Conn
	connection *broadcaster.Connection
	server     *WebSocketServer
}

func (s *session) run(ctx context.Context) {
	ctx = broadcaster.WithConnection(ctx, s.connection)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	defer func() {
		s.close(ctx)
		<-writerDone
		s.connection.MarkClosed()

		s.logger.Info("websocket connection closed")
	}()

	joined, err := s.server.presenceCoordinator.Attach(s.connection)
	if errors.Is(err, broadcaster.ErrRegistryClosed) {
		s.logger.Info("server is shutting down, dropping connection")
		return
	}
	if err != nil {
		s.logger.Error("failed to register connection", zap.Error(err))
		return
	}

	history, err := s.server.messageStore.RecentMessages(ctx, s.server.options.HistoryLimit)
	if err != nil {
		s.logger.Warn("failed to load recent messages", zap.Error(err))
	}
	if history == nil {
		history = []broadcaster.Message{}
	}

	err = s.connection.Activate(
		broadcaster.Event{Name: broadcaster.EventPreviousMessages, Payload: history},
		skipReplayed(history),
	)
	if err != nil {
		s.logger.Error("failed to activate connection", zap.Error(err))
		return
	}

	s.logger.Info("websocket connection established",
		zap.Int("historySize", len(history)))

	announced := joined && s.server.presenceCoordinator.Settle(ctx, s.connection.Username())
	if !announced {
		s.deliver(broadcaster.Event{
			Name:    broadcaster.EventUsersUpdate,
			Payload: s.server.presenceCoordinator.Roster(ctx),
		})
	}

	inbound := make(chan rpc.Request)
	go s.readPump(inbound)

	for {
		select {
		case request, ok := <-inbound:
			if !ok {
				return
			}

			if frame := s.server.router.RouteRequest(ctx, request); frame != nil {
				s.deliver(frame)
			}
		case generation := <-s.connection.TypingExpired():
			s.server.typingHandler.Expire(ctx, generation)
		case <-s.connection.Done():
			return
		}
	}
}

// close runs the closing state: clear typing, deregister, reconcile presence.
func (s *session) close(ctx context.Context) {
	s.connection.BeginClosing()

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	s.server.typingHandler.Stop(cleanupCtx)
	s.server.presenceCoordinator.Detach(cleanupCtx, s.connection.Id)

	s.connection.Close()
}

func (s *session) deliver(frame any) {
	err := s.connection.Deliver(frame)
	if errors.Is(err, broadcaster.ErrSendBufferFull) {
		s.logger.Warn("connection send buffer is full, closing connection")
		s.connection.Close()
	}
}

func (s *session) readPump(inbound chan<- rpc.Request) {
	defer close(inbound)

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var request rpc.Request
		if err := json.Unmarshal(data, &request); err != nil || request.Method == "" {
			s.logger.Debug("dropping malformed frame", zap.Error(err))
			s.deliver(broadcaster.Event{
				Name:    broadcaster.EventError,
				Payload: broadcaster.ErrorEvent{Message: "invalid message"},
			})

			continue
		}

		select {
		case inbound <- request:
		case <-s.connection.Done():
			return
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.connection.Outbound():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := s.writeFrame(frame); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				s.connection.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.connection.Close()
				return
			}
		case <-s.connection.Done():
			s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

func (s *session) writeFrame(frame any) error {
	event, ok := frame.(broadcaster.Event)
	if !ok {
		return s.conn.WriteJSON(frame)
	}

	notification, err := rpc.NewNotification(event.Name, event.Payload)
	if err != nil {
		return err
	}

	return s.conn.WriteJSON(notification)
}

// skipReplayed drops live message events already contained in the replayed
// history.
func skipReplayed(history []broadcaster.Message) func(frame any) bool {
	replayed := make(map[string]struct{}, len(history))
	for _, message := range history {
		replayed[message.Id] = struct{}{}
	}

	return func(frame any) bool {
		event, ok := frame.(broadcaster.Event)
		if !ok || event.Name != broadcaster.EventMessage {
			return false
		}

		message, ok := event.Payload.(broadcaster.Message)
		if !ok {
			return false
		}

		_, duplicate := replayed[message.Id]

		return duplicate
	}
}
