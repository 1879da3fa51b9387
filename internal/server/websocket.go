package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goevery/chatrelay/internal/auth"
	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/handler"
	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/goevery/chatrelay/internal/persistence"
	"github.com/goevery/chatrelay/internal/rpc"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the client to present its credential.
	handshakeTimeout = 10 * time.Second

	maxMessageSize = 8192

	AuthenticationFailed = "Authentication failed"
)

type SessionOptions struct {
	HistoryLimit int
	Connection   broadcaster.ConnectionOptions
}

type WebSocketServer struct {
	logger   *zap.Logger
	upgrader *websocket.Upgrader

	authHandler         handler.AuthHandlerInterface
	typingHandler       handler.TypingHandlerInterface
	router              *Router
	registry            broadcaster.Registry
	presenceCoordinator *broadcaster.PresenceCoordinator
	messageStore        persistence.MessageStore
	options             SessionOptions

	// mu orders sessions.Add against the registry teardown in Shutdown.
	mu       sync.Mutex
	sessions sync.WaitGroup
}

func NewWebSocketServer(
	logger *zap.Logger,
	upgrader *websocket.Upgrader,
	authHandler handler.AuthHandlerInterface,
	typingHandler handler.TypingHandlerInterface,
	router *Router,
	registry broadcaster.Registry,
	presenceCoordinator *broadcaster.PresenceCoordinator,
	messageStore persistence.MessageStore,
	options SessionOptions,
) *WebSocketServer {
	return &WebSocketServer{
		logger:              logger,
		upgrader:            upgrader,
		authHandler:         authHandler,
		typingHandler:       typingHandler,
		router:              router,
		registry:            registry,
		presenceCoordinator: presenceCoordinator,
		messageStore:        messageStore,
		options:             options,
	}
}

func (s *WebSocketServer) Register(router *mux.Router) {
	router.HandleFunc("/websocket", s.serve)
}

// Shutdown tears the registry down, so no session can become active anymore,
// and waits for every session to finish its offline reconciliation. Sessions
// still in their handshake are bounded by the handshake timeout.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.registry.CloseAll()
	s.mu.Unlock()

	return s.Wait(ctx)
}

// Wait blocks until every session has finished its offline reconciliation.
func (s *WebSocketServer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *WebSocketServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.registry.Closed() {
		s.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)

		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()

	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn.SetReadLimit(maxMessageSize)

	logger := s.logger.With(zap.String("clientIp", clientIp(r)))

	identity, err := s.handshake(r, conn)
	if err != nil {
		logger.Info("websocket authentication failed", zap.Error(err))
		rejectHandshake(conn)

		return
	}

	connection := broadcaster.NewConnection(*identity, s.options.Connection)

	session := &session{
		logger: logger.With(
			zap.String("connectionId", connection.Id),
			zap.String("username", connection.Username())),
		conn:       conn,
		connection: connection,
		server:     s,
	}

	session.run(r.Context())
}

// handshake resolves the credential from the token query parameter, the
// Authorization header, or a first "auth" frame, in that order.
func (s *WebSocketServer) handshake(r *http.Request, conn *websocket.Conn) (*auth.Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}

	if token != "" {
		return s.authHandler.Handle(r.Context(), handler.AuthRequest{Token: token})
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var request rpc.Request
	err := conn.ReadJSON(&request)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, err)
	}

	if request.Method != MethodAuth {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("expected auth request, got: "+request.Method))
	}

	var authReq handler.AuthRequest
	if err := decodeParams(request.Params, &authReq); err != nil {
		return nil, err
	}

	identity, err := s.authHandler.Handle(r.Context(), authReq)
	if err != nil {
		return nil, err
	}

	if request.ReplyExpected() {
		rawJson, err := json.Marshal(identity)
		if err != nil {
			return nil, err
		}

		payload := json.RawMessage(rawJson)

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteJSON(request.Reply(&payload))
		if err != nil {
			return nil, err
		}
	}

	return identity, nil
}

// rejectHandshake tells the client to drop its credential and closes the
// transport. Nothing has been registered at this point.
func rejectHandshake(conn *websocket.Conn) {
	defer conn.Close()

	notification, err := rpc.NewNotification(broadcaster.EventError, broadcaster.ErrorEvent{
		Message: AuthenticationFailed,
	})
	if err != nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(notification); err != nil {
		return
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, AuthenticationFailed),
		time.Now().Add(writeWait),
	)
}

func clientIp(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
