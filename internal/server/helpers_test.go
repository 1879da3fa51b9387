package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/goevery/chatrelay/internal/auth"
	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/handler"
	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/goevery/chatrelay/internal/persistence/memory"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

type testStack struct {
	server        *httptest.Server
	websocketURL  string
	engine        *memory.Engine
	authenticator *auth.Authenticator
	registry      *broadcaster.InMemoryRegistry
	websockets    *WebSocketServer
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	logger := zap.NewNop()
	engine := memory.NewEngine()
	authenticator := auth.NewAuthenticator(testSecret, time.Hour)

	registry := broadcaster.NewInMemoryRegistry(logger)
	broadcastRouter := broadcaster.NewRouter(logger, registry)
	presenceCoordinator := broadcaster.NewPresenceCoordinator(logger, registry, engine, broadcastRouter)

	authHandler := handler.NewAuthHandler(authenticator)
	typingHandler := handler.NewTypingHandler(broadcastRouter)
	router := NewRouter(
		logger,
		handler.NewHeartbeatHandler(),
		authHandler,
		handler.NewSendMessageHandler(logger, engine, broadcastRouter),
		typingHandler,
	)

	websocketServer := NewWebSocketServer(
		logger,
		&websocket.Upgrader{},
		authHandler,
		typingHandler,
		router,
		registry,
		presenceCoordinator,
		engine,
		SessionOptions{
			HistoryLimit: 20,
			Connection: broadcaster.ConnectionOptions{
				TypingTimeout: time.Hour,
			},
		},
	)
	restServer := NewRESTServer(
		logger,
		handler.NewAccountHandler(logger, handler.NewUsernameValidator(), engine, authenticator),
		handler.NewHistoryHandler(engine),
		handler.NewRosterHandler(presenceCoordinator),
	)

	mainRouter := mux.NewRouter()
	websocketServer.Register(mainRouter)
	restServer.Register(mainRouter)

	server := httptest.NewServer(mainRouter)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = websocketServer.Shutdown(ctx)

		server.Close()
	})

	u, _ := url.Parse(server.URL)
	u.Scheme = "ws"
	u.Path = "/websocket"

	return &testStack{
		server:        server,
		websocketURL:  u.String(),
		engine:        engine,
		authenticator: authenticator,
		registry:      registry,
		websockets:    websocketServer,
	}
}

func (s *testStack) token(t *testing.T, username string) string {
	t.Helper()

	token, err := s.authenticator.IssueToken(auth.Identity{Id: "id-" + username, DisplayName: username})
	require.NoError(t, err)

	return token
}

type frame struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	RequestId int             `json:"requestId"`
	Result    json.RawMessage `json:"result"`
	Error     *ierr.Error     `json:"error"`
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *testStack) dialRaw(t *testing.T, query string, header http.Header) *testClient {
	t.Helper()

	target := s.websocketURL
	if query != "" {
		target += "?" + query
	}

	conn, _, err := websocket.DefaultDialer.Dial(target, header)
	require.NoError(t, err)

	t.Cleanup(func() { conn.Close() })

	return &testClient{t: t, conn: conn}
}

// connect dials with a valid token and consumes the replayed history.
func (s *testStack) connect(t *testing.T, username string) (*testClient, []broadcaster.Message) {
	t.Helper()

	client := s.dialRaw(t, "token="+url.QueryEscape(s.token(t, username)), nil)

	first := client.next()
	require.Equal(t, broadcaster.EventPreviousMessages, first.Method)

	var history []broadcaster.Message
	require.NoError(t, json.Unmarshal(first.Params, &history))

	return client, history
}

func (c *testClient) send(raw string) {
	c.t.Helper()

	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (c *testClient) next() frame {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var f frame
	require.NoError(c.t, c.conn.ReadJSON(&f))

	return f
}

// until reads frames up to and including the first event named method.
func (c *testClient) until(method string) []frame {
	c.t.Helper()

	var frames []frame
	for {
		f := c.next()
		frames = append(frames, f)

		if f.Method == method {
			return frames
		}
	}
}

// reply reads frames up to the response for requestId.
func (c *testClient) reply(requestId int) frame {
	c.t.Helper()

	for {
		f := c.next()
		if f.Method == "" && f.RequestId == requestId {
			return f
		}
	}
}

func methods(frames []frame) []string {
	names := make([]string, 0, len(frames))
	for _, f := range frames {
		names = append(names, f.Method)
	}

	return names
}
