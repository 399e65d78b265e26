package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/studygroup-relay/internal/auth"
	"github.com/npezzotti/studygroup-relay/internal/bus"
	"github.com/npezzotti/studygroup-relay/internal/config"
	"github.com/npezzotti/studygroup-relay/internal/database"
	"github.com/npezzotti/studygroup-relay/internal/server"
	"github.com/npezzotti/studygroup-relay/internal/stats"
	"github.com/npezzotti/studygroup-relay/internal/store"
	"github.com/npezzotti/studygroup-relay/internal/testutil"
	"github.com/npezzotti/studygroup-relay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testRelay struct {
	app     *RelayApp
	srv     *httptest.Server
	members *database.MockMembershipRepository
	store   *store.MockMessageStore
}

func newTestRelay(t *testing.T) *testRelay {
	logger := testutil.TestLogger(t)
	mux := http.NewServeMux()
	su := stats.NewStatsUpdater(mux)
	members := &database.MockMembershipRepository{}
	ms := &store.MockMessageStore{}

	sub, err := bus.NewSubscriber("", config.DefaultBusChannel, logger)
	require.NoError(t, err)

	cs, err := server.NewChatServer(logger, members, ms, sub, su, server.Options{
		StoreTimeout:  time.Second,
		TypingTimeout: time.Minute,
		IdleTimeout:   10 * time.Second,
	})
	require.NoError(t, err)
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, cs.Shutdown(ctx))
	})

	app := NewRelayApp(mux, logger, cs, members, auth.NewAuthenticator(testSigningKey), &config.Config{
		ServerAddr:     "localhost:0",
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	return &testRelay{app: app, srv: srv, members: members, store: ms}
}

func (tr *testRelay) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func (tr *testRelay) connect(t *testing.T, userId, name string) *websocket.Conn {
	conn, _, err := tr.dial(t, http.Header{"Authorization": []string{"Bearer " + validToken(t, userId, name)}})
	require.NoError(t, err)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func receive(t *testing.T, conn *websocket.Conn) server.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg server.ServerMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestNewRelayApp(t *testing.T) {
	mux := http.NewServeMux()
	logger := testutil.TestLogger(t)
	cs := &server.ChatServer{}
	members := &database.MockMembershipRepository{}
	authn := auth.NewAuthenticator(testSigningKey)
	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		AllowedOrigins: []string{"http://localhost:3000"},
	}

	app := NewRelayApp(mux, logger, cs, members, authn, cfg)

	assert.NotNil(t, app, "expected app to be initialized")
	assert.NotNil(t, app.srv, "expected http server to be initialized")
	assert.Equal(t, logger, app.log, "expected logger to be set")
	assert.Equal(t, members, app.members, "expected membership repository to be set")
	assert.Equal(t, cs, app.cs, "expected chat server to be set")
	assert.Equal(t, authn, app.authn, "expected authenticator to be set")
	assert.Equal(t, cfg.ServerAddr, app.srv.Addr, "expected server address to match config")

	_, pattern := mux.Handler(httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, "GET /ws", pattern)
	_, pattern = mux.Handler(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "GET /healthz", pattern)
}

func Test_checkOrigin(t *testing.T) {
	app := &RelayApp{allowedOrigins: []string{"http://localhost:3000"}}

	tcases := map[string]bool{
		"":                      true,
		"http://localhost:3000": true,
		"http://evil.example":   false,
	}

	for origin, expected := range tcases {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		assert.Equal(t, expected, app.checkOrigin(req), "unexpected result for origin %q", origin)
	}

	wildcard := &RelayApp{allowedOrigins: []string{"*"}}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://anything.example")
	assert.True(t, wildcard.checkOrigin(req))
}

func TestHealthz(t *testing.T) {
	t.Run("database reachable", func(t *testing.T) {
		tr := newTestRelay(t)
		tr.members.On("Ping", mock.Anything).Return(nil).Once()

		rr := httptest.NewRecorder()
		tr.app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
		tr.members.AssertExpectations(t)
	})

	t.Run("database down", func(t *testing.T) {
		tr := newTestRelay(t)
		tr.members.On("Ping", mock.Anything).Return(errors.New("connection refused")).Once()

		rr := httptest.NewRecorder()
		tr.app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.JSONEq(t, `{"status_code":503,"message":"service unavailable"}`, rr.Body.String())
	})
}

func TestServeWs_Handshake(t *testing.T) {
	tr := newTestRelay(t)

	t.Run("missing token", func(t *testing.T) {
		conn, resp, err := tr.dial(t, nil)
		assert.Nil(t, conn)
		assert.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signToken(t, map[string]any{"sub": "1", "exp": time.Now().Add(-time.Hour).Unix()})
		_, resp, err := tr.dial(t, http.Header{"Authorization": []string{"Bearer " + token}})
		assert.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("disallowed origin", func(t *testing.T) {
		_, resp, err := tr.dial(t, http.Header{
			"Authorization": []string{"Bearer " + validToken(t, "1", "alice")},
			"Origin":        []string{"http://evil.example"},
		})
		assert.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("token in query", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/ws?token=" + validToken(t, "1", "alice")
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		conn.Close()
	})
}

func TestRelay_ChatPresenceAndTyping(t *testing.T) {
	tr := newTestRelay(t)
	tr.members.On("IsMember", mock.Anything, "room1", "1").Return(true, nil)
	tr.members.On("IsMember", mock.Anything, "room1", "2").Return(true, nil)
	tr.store.On("AppendMessage", mock.Anything, store.AppendMessageParams{
		RoomId:     "room1",
		AuthorId:   "2",
		AuthorName: "bob",
		Content:    "hello",
	}).Return(types.ChatMessage{
		Id:         "m1",
		RoomId:     "room1",
		AuthorId:   "2",
		AuthorName: "bob",
		Content:    "hello",
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, nil).Once()

	alice := tr.connect(t, "1", "alice")
	send(t, alice, `{"id":1,"type":"room.join","data":{"room_id":"room1"}}`)
	assert.Equal(t, http.StatusOK, receive(t, alice).Response.ResponseCode)

	bob := tr.connect(t, "2", "bob")
	send(t, bob, `{"id":1,"type":"room.join","data":{"room_id":"room1"}}`)
	ack := receive(t, bob)
	assert.Equal(t, http.StatusOK, ack.Response.ResponseCode)
	assert.Equal(t, map[string]any{
		"room_id": "room1",
		"members": []any{
			map[string]any{"user_id": "1", "username": "alice"},
			map[string]any{"user_id": "2", "username": "bob"},
		},
	}, ack.Response.Data)

	joined := receive(t, alice)
	assert.Equal(t, server.EventRoomPresence, joined.Type)
	assert.Equal(t, &server.Presence{RoomId: "room1", UserId: "2", Username: "bob", State: types.PresenceJoined}, joined.Presence)

	send(t, bob, `{"id":2,"type":"chat.send","data":{"room_id":"room1","content":"hello"}}`)
	sent := receive(t, bob)
	assert.Equal(t, 2, sent.Id)
	assert.Equal(t, http.StatusOK, sent.Response.ResponseCode)

	relayed := receive(t, alice)
	assert.Equal(t, server.EventChatMessage, relayed.Type)
	require.NotNil(t, relayed.Message)
	assert.Equal(t, "m1", relayed.Message.Id)
	assert.Equal(t, "hello", relayed.Message.Content)

	send(t, bob, `{"type":"chat.typing","data":{"room_id":"room1","is_typing":true}}`)
	assert.Equal(t, types.PresenceTypingStarted, receive(t, alice).Presence.State)

	bob.Close()
	assert.Equal(t, types.PresenceTypingStopped, receive(t, alice).Presence.State)
	left := receive(t, alice)
	assert.Equal(t, types.PresenceLeft, left.Presence.State)
	assert.Equal(t, "2", left.Presence.UserId)

	tr.store.AssertExpectations(t)
}

func TestRelay_NonMemberIsIsolated(t *testing.T) {
	tr := newTestRelay(t)
	tr.members.On("IsMember", mock.Anything, "room1", "1").Return(true, nil)
	tr.members.On("IsMember", mock.Anything, "room1", "3").Return(false, nil)

	alice := tr.connect(t, "1", "alice")
	send(t, alice, `{"id":1,"type":"room.join","data":{"room_id":"room1"}}`)
	assert.Equal(t, http.StatusOK, receive(t, alice).Response.ResponseCode)

	mallory := tr.connect(t, "3", "mallory")
	send(t, mallory, `{"id":1,"type":"room.join","data":{"room_id":"room1"}}`)
	assert.Equal(t, http.StatusForbidden, receive(t, mallory).Response.ResponseCode)

	send(t, mallory, `{"id":2,"type":"chat.send","data":{"room_id":"room1","content":"let me in"}}`)
	assert.Equal(t, http.StatusForbidden, receive(t, mallory).Response.ResponseCode)

	send(t, mallory, `{"id":3,"type":"signal.offer","data":{"room_id":"room1","target_user_id":"1","payload":{"sdp":"x"}}}`)
	assert.Equal(t, http.StatusForbidden, receive(t, mallory).Response.ResponseCode)

	alice.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := alice.ReadMessage()
	assert.Error(t, err, "expected nothing to reach room members")
	tr.store.AssertNotCalled(t, "AppendMessage", mock.Anything, mock.Anything)
}

func TestRelay_Metrics(t *testing.T) {
	tr := newTestRelay(t)
	tr.connect(t, "1", "alice")

	assert.Eventually(t, func() bool {
		resp, err := http.Get(tr.srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), "relay_num_active_clients 1")
	}, 2*time.Second, 20*time.Millisecond, "expected the open connection to be counted")
}
