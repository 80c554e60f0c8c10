package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duplex-chat/duplex/internal/bus"
	"github.com/duplex-chat/duplex/internal/config"
	"github.com/duplex-chat/duplex/internal/store"
)

const testSecret = "router-test-secret"

type testServer struct {
	*httptest.Server
	bus *bus.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ds, err := store.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	cfg := &config.Config{
		Env:           "test",
		AuthJWTSecret: testSecret,
	}
	b := bus.New(zerolog.Nop())
	t.Cleanup(b.Close)

	router := NewRouter(zerolog.Nop(), cfg, ds, nil, b)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, bus: b}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// request performs an authenticated JSON request and decodes the response
// body into a generic map when there is one.
func (s *testServer) request(t *testing.T, method, path, userID string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

func (s *testServer) resolve(t *testing.T, userID, otherID string) string {
	t.Helper()
	status, body := s.request(t, "POST", "/conversations/resolve", userID, map[string]string{"user_id": otherID})
	require.Equal(t, http.StatusOK, status)
	conv := body["conversation"].(map[string]interface{})
	return conv["id"].(string)
}

func TestResolveConversation(t *testing.T) {
	s := newTestServer(t)

	id := s.resolve(t, "alice", "bob")
	require.NotEmpty(t, id)

	// Same pair from the other side resolves to the same conversation
	assert.Equal(t, id, s.resolve(t, "bob", "alice"))

	status, body := s.request(t, "POST", "/conversations/resolve", "alice", map[string]string{"user_id": "bob"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bob", body["other_user_id"])
}

func TestResolveConversationRejectsSelf(t *testing.T) {
	s := newTestServer(t)

	status, body := s.request(t, "POST", "/conversations/resolve", "alice", map[string]string{"user_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "yourself")
}

func TestResolveConversationRequiresUserID(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.request(t, "POST", "/conversations/resolve", "alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.request(t, "GET", "/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.request(t, "POST", "/conversations/resolve", "", map[string]string{"user_id": "bob"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestSendAndListMessages(t *testing.T) {
	s := newTestServer(t)
	convID := s.resolve(t, "alice", "bob")

	status, body := s.request(t, "POST", "/conversations/"+convID+"/messages", "alice", map[string]string{"content": "hello bob"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "hello bob", body["content"])
	firstID := body["id"].(string)

	status, _ = s.request(t, "POST", "/conversations/"+convID+"/messages", "bob", map[string]string{"content": "hey alice"})
	require.Equal(t, http.StatusCreated, status)

	status, body = s.request(t, "GET", "/conversations/"+convID+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	msgs := body["messages"].([]interface{})
	require.Len(t, msgs, 2)
	assert.Equal(t, float64(2), body["count"])

	// Page strictly after the first message
	status, body = s.request(t, "GET", "/conversations/"+convID+"/messages?after="+firstID, "alice", nil)
	require.Equal(t, http.StatusOK, status)
	msgs = body["messages"].([]interface{})
	require.Len(t, msgs, 1)
	assert.Equal(t, "hey alice", msgs[0].(map[string]interface{})["content"])
}

func TestSendMessageErrors(t *testing.T) {
	s := newTestServer(t)
	convID := s.resolve(t, "alice", "bob")

	// Outsiders cannot write
	status, _ := s.request(t, "POST", "/conversations/"+convID+"/messages", "mallory", map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, status)

	// Blank content is rejected
	status, _ = s.request(t, "POST", "/conversations/"+convID+"/messages", "alice", map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, status)

	// Over-length content is rejected
	status, _ = s.request(t, "POST", "/conversations/"+convID+"/messages", "alice", map[string]string{"content": strings.Repeat("x", 281)})
	assert.Equal(t, http.StatusBadRequest, status)

	// Unknown conversation
	status, _ = s.request(t, "POST", "/conversations/00000000-0000-0000-0000-000000000009/messages", "alice", map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, status)

	// Malformed conversation ID
	status, _ = s.request(t, "POST", "/conversations/not-a-uuid/messages", "alice", map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestListMessagesForbiddenForOutsiders(t *testing.T) {
	s := newTestServer(t)
	convID := s.resolve(t, "alice", "bob")

	status, _ := s.request(t, "GET", "/conversations/"+convID+"/messages", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestMarkReadAndUnreadCounts(t *testing.T) {
	s := newTestServer(t)
	convID := s.resolve(t, "alice", "bob")

	for i := 0; i < 3; i++ {
		status, _ := s.request(t, "POST", "/conversations/"+convID+"/messages", "bob", map[string]string{"content": fmt.Sprintf("msg %d", i)})
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := s.request(t, "GET", "/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	convs := body["conversations"].([]interface{})
	require.Len(t, convs, 1)
	summary := convs[0].(map[string]interface{})
	assert.Equal(t, float64(3), summary["unread_count"])
	assert.Equal(t, "bob", summary["other_user_id"])
	require.NotNil(t, summary["last_message"])

	status, _ = s.request(t, "POST", "/conversations/"+convID+"/read", "alice", nil)
	require.Equal(t, http.StatusNoContent, status)

	status, body = s.request(t, "GET", "/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	summary = body["conversations"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, float64(0), summary["unread_count"])

	// Outsiders cannot move the watermark
	status, _ = s.request(t, "POST", "/conversations/"+convID+"/read", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestConversationUnread(t *testing.T) {
	s := newTestServer(t)
	convID := s.resolve(t, "alice", "bob")

	for i := 0; i < 2; i++ {
		status, _ := s.request(t, "POST", "/conversations/"+convID+"/messages", "bob", map[string]string{"content": "ping"})
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := s.request(t, "GET", "/conversations/"+convID+"/unread", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["unread_count"])

	// The sender's own messages never count
	status, body = s.request(t, "GET", "/conversations/"+convID+"/unread", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["unread_count"])

	// Outsiders cannot read counts
	status, _ = s.request(t, "GET", "/conversations/"+convID+"/unread", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, status)

	// The count drops after a read-mark
	status, _ = s.request(t, "POST", "/conversations/"+convID+"/read", "alice", nil)
	require.Equal(t, http.StatusNoContent, status)

	status, body = s.request(t, "GET", "/conversations/"+convID+"/unread", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["unread_count"])
}

func TestDeleteMessage(t *testing.T) {
	s := newTestServer(t)
	convID := s.resolve(t, "alice", "bob")

	status, body := s.request(t, "POST", "/conversations/"+convID+"/messages", "alice", map[string]string{"content": "oops"})
	require.Equal(t, http.StatusCreated, status)
	msgID := body["id"].(string)

	// Only the sender may delete
	status, _ = s.request(t, "DELETE", "/messages/"+msgID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = s.request(t, "DELETE", "/messages/"+msgID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, status)

	// Hidden from listings afterwards
	status, body = s.request(t, "GET", "/conversations/"+convID+"/messages", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["messages"])

	// Unknown message
	status, _ = s.request(t, "DELETE", "/messages/01JCZZZZZZZZZZZZZZZZZZZZZZ", "alice", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPublicEndpoints(t *testing.T) {
	s := newTestServer(t)

	status, body := s.request(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = s.request(t, "GET", "/stats", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["total_conversations"])

	status, body = s.request(t, "GET", "/", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Duplex", body["name"])
}

func dialWS(t *testing.T, s *testServer, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/subscribe?token=" + token(t, userID)
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitForSessions(t *testing.T, s *testServer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.bus.SessionCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sessions", n)
}

func readEvent(t *testing.T, ws *websocket.Conn) bus.Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev bus.Event
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func TestSubscribeDeliversEvents(t *testing.T) {
	s := newTestServer(t)
	convID := s.resolve(t, "alice", "bob")

	ws := dialWS(t, s, "bob")
	waitForSessions(t, s, 1)

	// Join the conversation feed, then send a bogus action; its error
	// reply confirms the subscribe was processed first.
	require.NoError(t, ws.WriteJSON(map[string]string{"action": "subscribe", "conversation_id": convID}))
	require.NoError(t, ws.WriteJSON(map[string]string{"action": "bogus", "conversation_id": convID}))
	ev := readEvent(t, ws)
	require.Equal(t, bus.EventTypeError, ev.Type)

	status, _ := s.request(t, "POST", "/conversations/"+convID+"/messages", "alice", map[string]string{"content": "live"})
	require.Equal(t, http.StatusCreated, status)

	// The feed delivers the message, then the index delivers the touch
	ev = readEvent(t, ws)
	require.Equal(t, bus.EventTypeMessage, ev.Type)
	payload := ev.Payload.(map[string]interface{})
	assert.Equal(t, "live", payload["content"])
	assert.Equal(t, "alice", payload["sender_id"])

	ev = readEvent(t, ws)
	assert.Equal(t, bus.EventTypeTouch, ev.Type)
}

func TestSubscribeRequiresMembership(t *testing.T) {
	s := newTestServer(t)
	convID := s.resolve(t, "alice", "bob")

	ws := dialWS(t, s, "mallory")
	waitForSessions(t, s, 1)

	require.NoError(t, ws.WriteJSON(map[string]string{"action": "subscribe", "conversation_id": convID}))
	ev := readEvent(t, ws)
	assert.Equal(t, bus.EventTypeError, ev.Type)

	// No feed events leak to the outsider
	status, _ := s.request(t, "POST", "/conversations/"+convID+"/messages", "alice", map[string]string{"content": "secret"})
	require.Equal(t, http.StatusCreated, status)

	ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var ev2 bus.Event
	err := ws.ReadJSON(&ev2)
	assert.Error(t, err, "outsider must not receive conversation events")
}

func TestSubscribeRequiresToken(t *testing.T) {
	s := newTestServer(t)

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/subscribe"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
