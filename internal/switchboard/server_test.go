package switchboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inboxes.json")
	srv, err := New(Config{StateFilePath: path}, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthReportsCounts(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodGet, "/health", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["undelivered_messages"])
}

func TestRegisterThenListAgents(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodPost, "/register", registerRequest{Name: "researcher"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2 := doJSON(t, ts, http.MethodGet, "/agents", nil)
	defer resp2.Body.Close()
	var body struct {
		Agents []Presence `json:"agents"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	require.Len(t, body.Agents, 1)
	assert.Equal(t, "researcher", body.Agents[0].Name)
}

func TestEmitThenPullInbox(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodPost, "/emit", emitRequest{
		From: "planner", To: "worker", Kind: KindTask, Body: "build the thing",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var emitted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&emitted))
	assert.NotEmpty(t, emitted.ID)

	resp2 := doJSON(t, ts, http.MethodGet, "/inbox/worker", nil)
	defer resp2.Body.Close()
	var body struct {
		Messages []Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "build the thing", body.Messages[0].Body)
	assert.Equal(t, PriorityNormal, body.Messages[0].Priority, "unset priority should default to normal")
}

func TestEmitOrdersUrgentBeforeNormal(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	doJSON(t, ts, http.MethodPost, "/emit", emitRequest{To: "worker", Priority: PriorityNormal, Body: "first"}).Body.Close()
	doJSON(t, ts, http.MethodPost, "/emit", emitRequest{To: "worker", Priority: PriorityUrgent, Body: "second"}).Body.Close()

	resp := doJSON(t, ts, http.MethodGet, "/inbox/worker", nil)
	defer resp.Body.Close()
	var body struct {
		Messages []Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "second", body.Messages[0].Body, "urgent message should sort first")
	assert.Equal(t, "first", body.Messages[1].Body)
}

func TestAckRemovesMessage(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodPost, "/emit", emitRequest{To: "worker", Body: "ack me"})
	var emitted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&emitted))
	resp.Body.Close()

	ackResp := doJSON(t, ts, http.MethodDelete, "/inbox/worker/"+emitted.ID, nil)
	defer ackResp.Body.Close()
	assert.Equal(t, http.StatusOK, ackResp.StatusCode)

	assert.Equal(t, 0, srv.store.InboxLen("worker"))
}

func TestAckNotifiesOriginalSenderOverWebSocket(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?agent=planner"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var connected frame
	require.NoError(t, conn.ReadJSON(&connected))

	resp := doJSON(t, ts, http.MethodPost, "/emit", emitRequest{From: "planner", To: "worker", Body: "please ack"})
	var emitted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&emitted))
	resp.Body.Close()

	ackResp := doJSON(t, ts, http.MethodDelete, "/inbox/worker/"+emitted.ID, nil)
	ackResp.Body.Close()
	require.Equal(t, http.StatusOK, ackResp.StatusCode)

	var ack frame
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "ack", ack.Type)
	assert.Equal(t, emitted.ID, ack.ID)
}

func TestWebSocketAckFrameNotifiesOriginalSender(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := func(agent string) string { return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?agent=" + agent }

	senderConn, _, err := websocket.DefaultDialer.Dial(wsURL("planner"), nil)
	require.NoError(t, err)
	defer senderConn.Close()
	require.NoError(t, senderConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var senderConnected frame
	require.NoError(t, senderConn.ReadJSON(&senderConnected))

	recipientConn, _, err := websocket.DefaultDialer.Dial(wsURL("worker"), nil)
	require.NoError(t, err)
	defer recipientConn.Close()
	require.NoError(t, recipientConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var recipientConnected frame
	require.NoError(t, recipientConn.ReadJSON(&recipientConnected))

	require.NoError(t, senderConn.WriteJSON(frame{Type: "emit", ID: "req-1", To: "worker", Body: "ack me over the socket"}))
	var emittedAck frame
	require.NoError(t, senderConn.ReadJSON(&emittedAck))
	assert.Equal(t, "emitted", emittedAck.Type)

	var pushed frame
	require.NoError(t, recipientConn.ReadJSON(&pushed))
	require.NotNil(t, pushed.Message)

	require.NoError(t, recipientConn.WriteJSON(frame{Type: "ack", ID: pushed.Message.ID}))

	var ack frame
	require.NoError(t, senderConn.ReadJSON(&ack))
	assert.Equal(t, "ack", ack.Type)
	assert.Equal(t, pushed.Message.ID, ack.ID)
}

func TestAckUnknownMessageReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodDelete, "/inbox/worker/does-not-exist", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPurgeInboxRemovesAllMessages(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	doJSON(t, ts, http.MethodPost, "/emit", emitRequest{To: "worker", Body: "one"}).Body.Close()
	doJSON(t, ts, http.MethodPost, "/emit", emitRequest{To: "worker", Body: "two"}).Body.Close()
	require.Equal(t, 2, srv.store.InboxLen("worker"))

	resp := doJSON(t, ts, http.MethodDelete, "/inbox/worker", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, srv.store.InboxLen("worker"))
}

func TestWebSocketReceivesConnectedFrameThenPush(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?agent=worker"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var connected frame
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, "connected", connected.Type)
	assert.Equal(t, "worker", connected.Agent)
	assert.Equal(t, 0, connected.Pending)

	resp := doJSON(t, ts, http.MethodPost, "/emit", emitRequest{To: "worker", Body: "hello"})
	resp.Body.Close()

	var pushed frame
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.Equal(t, "message", pushed.Type)
	require.NotNil(t, pushed.Message)
	assert.Equal(t, "hello", pushed.Message.Body)
}

func TestWebSocketReplaysPendingBacklogOnConnect(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	doJSON(t, ts, http.MethodPost, "/emit", emitRequest{To: "worker", Body: "sent before connect"}).Body.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?agent=worker"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var connected frame
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, "connected", connected.Type)
	assert.Equal(t, 1, connected.Pending)

	var replayed frame
	require.NoError(t, conn.ReadJSON(&replayed))
	assert.Equal(t, "message", replayed.Type)
	require.NotNil(t, replayed.Message)
	assert.Equal(t, "sent before connect", replayed.Message.Body)

	// Replay does not remove the message; only an explicit ack does.
	assert.Equal(t, 1, srv.store.InboxLen("worker"))
}

func TestWebSocketEmitFrameIsAcknowledged(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?agent=planner"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var connected frame
	require.NoError(t, conn.ReadJSON(&connected))

	require.NoError(t, conn.WriteJSON(frame{Type: "emit", To: "worker", Body: "from socket"}))

	var ack frame
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "emitted", ack.Type)
	assert.NotEmpty(t, ack.ID, "emitted frame should carry the stored message id")

	stored := srv.store.Pull("worker", 0)
	require.Len(t, stored, 1)
	assert.Equal(t, stored[0].ID, ack.ID)
}

func TestWebSocketPingIsAnswered(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?agent=pinger"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var connected frame
	require.NoError(t, conn.ReadJSON(&connected))

	require.NoError(t, conn.WriteJSON(frame{Type: "ping"}))

	var pong frame
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
}
