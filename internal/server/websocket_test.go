package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/goevery/chatrelay/internal/auth"
	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketServer(t *testing.T) {
	t.Run("history comes first and messages reach everyone", func(t *testing.T) {
		stack := newTestStack(t)

		alice, history := stack.connect(t, "alice")
		assert.Empty(t, history)
		alice.until(broadcaster.EventUsersUpdate)

		bob, _ := stack.connect(t, "bob")
		bob.until(broadcaster.EventUsersUpdate)

		joined := alice.until(broadcaster.EventUserJoined)
		var presence broadcaster.PresenceEvent
		require.NoError(t, json.Unmarshal(joined[len(joined)-1].Params, &presence))
		assert.Equal(t, "bob", presence.Username)

		alice.send(`{"id":1,"method":"message","params":{"body":"hi"}}`)

		for _, client := range []*testClient{alice, bob} {
			frames := client.until(broadcaster.EventMessage)

			var message broadcaster.Message
			require.NoError(t, json.Unmarshal(frames[len(frames)-1].Params, &message))
			assert.Equal(t, "alice", message.AuthorName)
			assert.Equal(t, "hi", message.Body)
			assert.NotEmpty(t, message.Id)
		}

		response := alice.reply(1)
		assert.Nil(t, response.Error)

		carol, history := stack.connect(t, "carol")
		require.Len(t, history, 1)
		assert.Equal(t, "hi", history[0].Body)
		assert.Equal(t, "alice", history[0].AuthorName)
		carol.until(broadcaster.EventUsersUpdate)
	})

	t.Run("invalid credential is rejected without registration", func(t *testing.T) {
		stack := newTestStack(t)

		alice, _ := stack.connect(t, "alice")
		alice.until(broadcaster.EventUsersUpdate)

		rejected := stack.dialRaw(t, "token=not-a-token", nil)

		f := rejected.next()
		assert.Equal(t, broadcaster.EventError, f.Method)

		var event broadcaster.ErrorEvent
		require.NoError(t, json.Unmarshal(f.Params, &event))
		assert.Equal(t, AuthenticationFailed, event.Message)

		_, _, err := rejected.conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error: %v", err)

		assert.Len(t, stack.registry.Connections(), 1)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		stack := newTestStack(t)
		expired := auth.NewAuthenticator(testSecret, -time.Hour)

		token, err := expired.IssueToken(auth.Identity{Id: "u1", DisplayName: "alice"})
		require.NoError(t, err)

		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		rejected := stack.dialRaw(t, "", header)

		assert.Equal(t, broadcaster.EventError, rejected.next().Method)
		assert.Empty(t, stack.registry.Connections())
	})

	t.Run("authorization header", func(t *testing.T) {
		stack := newTestStack(t)

		header := http.Header{}
		header.Set("Authorization", "Bearer "+stack.token(t, "alice"))
		client := stack.dialRaw(t, "", header)

		assert.Equal(t, broadcaster.EventPreviousMessages, client.next().Method)
	})

	t.Run("first frame auth", func(t *testing.T) {
		stack := newTestStack(t)

		client := stack.dialRaw(t, "", nil)
		client.send(`{"id":1,"method":"auth","params":{"token":"` + stack.token(t, "alice") + `"}}`)

		response := client.next()
		require.Nil(t, response.Error)
		assert.Equal(t, 1, response.RequestId)

		var identity auth.Identity
		require.NoError(t, json.Unmarshal(response.Result, &identity))
		assert.Equal(t, "alice", identity.DisplayName)

		assert.Equal(t, broadcaster.EventPreviousMessages, client.next().Method)

		client.send(`{"id":2,"method":"auth","params":{"token":"` + stack.token(t, "alice") + `"}}`)
		again := client.reply(2)
		require.NotNil(t, again.Error)
		assert.Equal(t, ierr.ErrorCodeFailedPrecondition, again.Error.Code)
	})

	t.Run("typing is cleared on disconnect", func(t *testing.T) {
		stack := newTestStack(t)

		bob, _ := stack.connect(t, "bob")
		bob.until(broadcaster.EventUsersUpdate)

		alice, _ := stack.connect(t, "alice")
		alice.until(broadcaster.EventUsersUpdate)
		bob.until(broadcaster.EventUserJoined)

		alice.send(`{"method":"typing"}`)
		frames := bob.until(broadcaster.EventUserTyping)

		var typing broadcaster.TypingEvent
		require.NoError(t, json.Unmarshal(frames[len(frames)-1].Params, &typing))
		assert.Equal(t, "alice", typing.Username)

		require.NoError(t, alice.conn.Close())

		frames = bob.until(broadcaster.EventUserLeft)
		assert.Contains(t, methods(frames), broadcaster.EventUserStoppedTyping)
		assert.Less(t,
			indexOf(methods(frames), broadcaster.EventUserStoppedTyping),
			indexOf(methods(frames), broadcaster.EventUserLeft))
	})

	t.Run("sending a message stops typing first", func(t *testing.T) {
		stack := newTestStack(t)

		bob, _ := stack.connect(t, "bob")
		bob.until(broadcaster.EventUsersUpdate)

		alice, _ := stack.connect(t, "alice")
		alice.until(broadcaster.EventUsersUpdate)

		alice.send(`{"method":"typing"}`)
		bob.until(broadcaster.EventUserTyping)

		alice.send(`{"method":"message","params":{"body":"done typing"}}`)

		frames := bob.until(broadcaster.EventMessage)
		assert.Equal(t, broadcaster.EventUserStoppedTyping, frames[len(frames)-2].Method)
	})

	t.Run("second session of a user is not announced", func(t *testing.T) {
		stack := newTestStack(t)

		bob, _ := stack.connect(t, "bob")
		bob.until(broadcaster.EventUsersUpdate)

		first, _ := stack.connect(t, "alice")
		first.until(broadcaster.EventUsersUpdate)
		bob.until(broadcaster.EventUsersUpdate)

		second, _ := stack.connect(t, "alice")
		frames := second.until(broadcaster.EventUsersUpdate)
		assert.NotContains(t, methods(frames), broadcaster.EventUserJoined)

		require.NoError(t, first.conn.Close())

		// Still online through the second session, so the next presence
		// event bob sees comes from carol.
		carol, _ := stack.connect(t, "carol")
		carol.until(broadcaster.EventUsersUpdate)

		frames = bob.until(broadcaster.EventUserJoined)
		assert.NotContains(t, methods(frames), broadcaster.EventUserLeft)
	})

	t.Run("malformed and failing requests keep the session", func(t *testing.T) {
		stack := newTestStack(t)

		client, _ := stack.connect(t, "alice")
		client.until(broadcaster.EventUsersUpdate)

		client.send(`not json`)
		f := client.next()
		assert.Equal(t, broadcaster.EventError, f.Method)

		client.send(`{"method":"message","params":{"body":"   "}}`)
		f = client.next()
		assert.Equal(t, broadcaster.EventError, f.Method)

		client.send(`{"id":3,"method":"message","params":{"body":""}}`)
		response := client.reply(3)
		require.NotNil(t, response.Error)
		assert.Equal(t, ierr.ErrorCodeInvalidArgument, response.Error.Code)

		client.send(`{"id":4,"method":"unknown"}`)
		response = client.reply(4)
		require.NotNil(t, response.Error)
		assert.Equal(t, ierr.ErrorCodeNotFound, response.Error.Code)

		client.send(`{"id":5,"method":"heartbeat"}`)
		response = client.reply(5)
		assert.Nil(t, response.Error)
		assert.NotEmpty(t, response.Result)
	})
}

func indexOf(values []string, value string) int {
	for i, v := range values {
		if v == value {
			return i
		}
	}

	return -1
}

func TestWebSocketServer_Shutdown(t *testing.T) {
	t.Run("handshake finishing after teardown is dropped", func(t *testing.T) {
		stack := newTestStack(t)

		observer, _ := stack.connect(t, "bob")
		observer.until(broadcaster.EventUsersUpdate)

		pending := stack.dialRaw(t, "", nil)

		shutdownErr := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			shutdownErr <- stack.websockets.Shutdown(ctx)
		}()

		require.Eventually(t, stack.registry.Closed, time.Second, 5*time.Millisecond)

		pending.send(`{"id":1,"method":"auth","params":{"token":"` + stack.token(t, "alice") + `"}}`)

		select {
		case err := <-shutdownErr:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("shutdown did not wait for the pending session")
		}

		require.NoError(t, pending.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			_, data, err := pending.conn.ReadMessage()
			if err != nil {
				assert.False(t, isTimeout(err), "connection was left open")
				break
			}

			var f frame
			require.NoError(t, json.Unmarshal(data, &f))
			assert.NotEqual(t, broadcaster.EventPreviousMessages, f.Method)
		}

		assert.Empty(t, stack.registry.Connections())
		assert.False(t, stack.registry.IsOnline("alice"))

		records, err := stack.engine.ListPresence(context.Background())
		require.NoError(t, err)
		for _, record := range records {
			assert.False(t, record.IsOnline, record.Username)
		}
	})

	t.Run("upgrades are refused after teardown", func(t *testing.T) {
		stack := newTestStack(t)

		require.NoError(t, stack.websockets.Shutdown(context.Background()))

		_, resp, err := websocket.DefaultDialer.Dial(stack.websocketURL+"?token="+stack.token(t, "alice"), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func isTimeout(err error) bool {
	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
