package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/relay/internal/wire"
)

func testServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func register(t *testing.T, baseURL, connID, owner string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"connectionId": connID, "ownerKey": owner})
	resp, err := http.Post(baseURL+"/relay/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func sendVia(t *testing.T, baseURL, connID string, msg *wire.Message) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{"connectionId": connID, "message": msg})
	resp, err := http.Post(baseURL+"/relay/send", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

type pollResult struct {
	Messages      []*wire.Message `json:"messages"`
	LastMessageID string          `json:"lastMessageId"`
}

func poll(t *testing.T, baseURL, connID, lastID string) (int, pollResult) {
	t.Helper()
	url := fmt.Sprintf("%s/relay/poll/%s", baseURL, connID)
	if lastID != "" {
		url += "?lastMessageId=" + lastID
	}
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out pollResult
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestLongPollRoundtrip(t *testing.T) {
	_, ts := testServer(t, Config{PollHold: 100 * time.Millisecond, RegisterRPS: 100, RegisterBurst: 100})

	resp := register(t, ts.URL, "conn-a", "user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = register(t, ts.URL, "conn-b", "user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = sendVia(t, ts.URL, "conn-a", &wire.Message{Type: "note", Payload: json.RawMessage(`{"n":1}`)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	status, got := poll(t, ts.URL, "conn-b", "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "note", got.Messages[0].Type)
	require.NotEmpty(t, got.LastMessageID)

	// The sender's own mailbox never sees its message.
	status, _ = poll(t, ts.URL, "conn-a", "")
	assert.Equal(t, http.StatusNoContent, status)

	// Unacknowledged messages are retransmitted on the next poll.
	status, again := poll(t, ts.URL, "conn-b", "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, again.Messages, 1)
	assert.Equal(t, got.LastMessageID, again.LastMessageID)

	// Acknowledging drains the mailbox.
	status, _ = poll(t, ts.URL, "conn-b", got.LastMessageID)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestPollWakesOnDelivery(t *testing.T) {
	_, ts := testServer(t, Config{PollHold: 5 * time.Second, RegisterRPS: 100, RegisterBurst: 100})

	register(t, ts.URL, "conn-a", "user-1").Body.Close()
	register(t, ts.URL, "conn-b", "user-1").Body.Close()

	done := make(chan pollResult, 1)
	go func() {
		_, got := poll(t, ts.URL, "conn-b", "")
		done <- got
	}()

	time.Sleep(50 * time.Millisecond)
	sendVia(t, ts.URL, "conn-a", &wire.Message{Type: "wake"}).Body.Close()

	select {
	case got := <-done:
		require.Len(t, got.Messages, 1)
		assert.Equal(t, "wake", got.Messages[0].Type)
	case <-time.After(2 * time.Second):
		t.Fatal("held poll never woke up on delivery")
	}
}

func TestRegisterRateLimit(t *testing.T) {
	_, ts := testServer(t, Config{PollHold: 100 * time.Millisecond, RegisterRPS: 0.001, RegisterBurst: 1})

	resp := register(t, ts.URL, "conn-a", "user-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = register(t, ts.URL, "conn-b", "user-1")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

func TestRegisterValidation(t *testing.T) {
	_, ts := testServer(t, Config{RegisterRPS: 100, RegisterBurst: 100})

	body, _ := json.Marshal(map[string]string{"ownerKey": "user-1"})
	resp, err := http.Post(ts.URL+"/relay/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "connectionId is required")
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/relay/register", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestPollUnknownMailbox(t *testing.T) {
	_, ts := testServer(t, Config{RegisterRPS: 100, RegisterBurst: 100})
	status, _ := poll(t, ts.URL, "nope", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUnregisterRemovesMailbox(t *testing.T) {
	_, ts := testServer(t, Config{PollHold: 100 * time.Millisecond, RegisterRPS: 100, RegisterBurst: 100})

	register(t, ts.URL, "conn-a", "user-1").Body.Close()

	body, _ := json.Marshal(map[string]string{"connectionId": "conn-a", "ownerKey": "user-1"})
	resp, err := http.Post(ts.URL+"/relay/unregister", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	status, _ := poll(t, ts.URL, "conn-a", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func wsDial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSHandshakeAndAck(t *testing.T) {
	_, ts := testServer(t, Config{RegisterRPS: 100, RegisterBurst: 100})

	conn := wsDial(t, ts)
	require.NoError(t, conn.WriteJSON(&wire.Handshake{
		Type:     wire.TypeRegister,
		ID:       "conn-ws",
		OwnerKey: "user-1",
		Role:     "client",
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack wire.Message
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, wire.TypeRegistered, ack.Type)
	assert.Equal(t, "conn-ws", ack.ConnectionID)
	assert.NotZero(t, ack.Timestamp)
}

func TestWSRejectsMissingHandshake(t *testing.T) {
	_, ts := testServer(t, Config{RegisterRPS: 100, RegisterBurst: 100})

	conn := wsDial(t, ts)
	require.NoError(t, conn.WriteJSON(&wire.Message{Type: "note"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, wire.ClosePolicyViolation, closeErr.Code)
	}
}

func TestWSPing(t *testing.T) {
	_, ts := testServer(t, Config{RegisterRPS: 100, RegisterBurst: 100})

	conn := wsDial(t, ts)
	require.NoError(t, conn.WriteJSON(&wire.Handshake{Type: wire.TypeAuth, ID: "conn-ws", OwnerKey: "user-1"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack wire.Message
	require.NoError(t, conn.ReadJSON(&ack))

	require.NoError(t, conn.WriteJSON(&wire.Message{Type: wire.TypePing}))
	var pong wire.Message
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, wire.TypePong, pong.Type)
	assert.Equal(t, "conn-ws", pong.ConnectionID)
}

func TestWSRelaysToMailboxPeer(t *testing.T) {
	_, ts := testServer(t, Config{PollHold: 2 * time.Second, RegisterRPS: 100, RegisterBurst: 100})

	register(t, ts.URL, "conn-lp", "user-1").Body.Close()

	conn := wsDial(t, ts)
	require.NoError(t, conn.WriteJSON(&wire.Handshake{Type: wire.TypeRegister, ID: "conn-ws", OwnerKey: "user-1"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack wire.Message
	require.NoError(t, conn.ReadJSON(&ack))

	require.NoError(t, conn.WriteJSON(&wire.Message{Type: "cross_channel", Payload: json.RawMessage(`{"x":1}`)}))

	status, got := poll(t, ts.URL, "conn-lp", "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "cross_channel", got.Messages[0].Type)
}
