package switchboardclient

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklxx/orchestrate/internal/switchboard"
)

func newTestDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inboxes.json")
	srv, err := switchboard.New(switchboard.Config{StateFilePath: path}, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func testConfig(ts *httptest.Server, agent string) Config {
	return Config{
		AgentName: agent,
		BaseURL:   ts.URL,
		WSURL:     "ws" + strings.TrimPrefix(ts.URL, "http"),
		QueueCap:  8,
		Backoff:   BackoffConfig{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, JitterFactor: 0},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	assert.Fail(t, "condition not met before timeout")
}

func TestClientRunConnectsToDaemon(t *testing.T) {
	ts := newTestDaemon(t)
	c := New(testConfig(ts, "worker"), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, time.Second, c.IsConnected)
}

func TestClientDispatchesPushedMessageToHandler(t *testing.T) {
	ts := newTestDaemon(t)

	var mu sync.Mutex
	var received []switchboard.Message
	handler := func(msg switchboard.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
	}

	c := New(testConfig(ts, "worker"), handler, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitFor(t, time.Second, c.IsConnected)

	sender := New(testConfig(ts, "planner"), nil, nil)
	require.NoError(t, sender.Send(context.Background(), "worker", switchboard.KindTask, switchboard.PriorityNormal, "subj", "do it", nil))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "do it", received[0].Body)
}

func TestClientSendPrefersWebSocketOverHTTP(t *testing.T) {
	ts := newTestDaemon(t)

	var mu sync.Mutex
	var received []switchboard.Message
	handler := func(msg switchboard.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
	}

	recipient := New(testConfig(ts, "worker"), handler, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recipient.Run(ctx)
	waitFor(t, time.Second, recipient.IsConnected)

	sender := New(testConfig(ts, "planner"), nil, nil)
	go sender.Run(ctx)
	waitFor(t, time.Second, sender.IsConnected)

	require.NoError(t, sender.Send(context.Background(), "worker", switchboard.KindInfo, switchboard.PriorityHigh, "", "via-ws", nil))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
}

func TestClientSendFallsBackToHTTPWhenDisconnected(t *testing.T) {
	ts := newTestDaemon(t)

	sender := New(testConfig(ts, "planner"), nil, nil)
	// No Run() call: the client never dials a WebSocket, so Send must fall
	// back to the HTTP POST /emit path.
	require.NoError(t, sender.Send(context.Background(), "worker", switchboard.KindInfo, switchboard.PriorityLow, "", "via-http", nil))
	assert.Equal(t, 0, sender.queue.len(), "a reachable daemon should satisfy the send without queuing")
}

func TestClientQueuesWhenDaemonUnreachable(t *testing.T) {
	cfg := Config{
		AgentName: "planner",
		BaseURL:   "http://127.0.0.1:1", // refuses connections
		WSURL:     "ws://127.0.0.1:1",
		QueueCap:  2,
		Backoff:   DefaultBackoffConfig(),
	}
	c := New(cfg, nil, nil)

	require.ErrorIs(t, c.Send(context.Background(), "worker", switchboard.KindInfo, switchboard.PriorityLow, "", "one", nil), ErrQueued)
	require.ErrorIs(t, c.Send(context.Background(), "worker", switchboard.KindInfo, switchboard.PriorityLow, "", "two", nil), ErrQueued)
	require.ErrorIs(t, c.Send(context.Background(), "worker", switchboard.KindInfo, switchboard.PriorityLow, "", "three", nil), ErrQueued)

	assert.Equal(t, 2, c.queue.len(), "queue caps at 2 and drops the oldest entry")
	entries := c.queue.drain()
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].body)
	assert.Equal(t, "three", entries[1].body)
}

func TestClientFlushesQueueOnReconnect(t *testing.T) {
	ts := newTestDaemon(t)

	var mu sync.Mutex
	var received []switchboard.Message
	handler := func(msg switchboard.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
	}
	recipient := New(testConfig(ts, "worker"), handler, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recipient.Run(ctx)
	waitFor(t, time.Second, recipient.IsConnected)

	sender := New(testConfig(ts, "planner"), nil, nil)
	// Queue a message before the sender has ever connected, simulating a
	// send issued while disconnected.
	sender.queue.push(outboundEmit{id: "q1", to: "worker", kind: switchboard.KindInfo, priority: switchboard.PriorityNormal, body: "queued", enqueuedAt: time.Now()})

	go sender.Run(ctx)
	waitFor(t, time.Second, sender.IsConnected)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	assert.Equal(t, 0, sender.queue.len())
}

func TestCalculateBackoffCapsAtMaxDelay(t *testing.T) {
	cfg := BackoffConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second, JitterFactor: 0}
	d := calculateBackoff(10, cfg)
	assert.Equal(t, 5*time.Second, d)
}
