package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fieldsync/internal/logging"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type subscribeHandler struct {
	subscribed chan string
}

func (h *subscribeHandler) HandleWebSocketMessage(client *Client, msg *Message) error {
	if msg.Type != TypeSubscribe {
		return nil
	}
	var p SubscribePayload
	if err := msg.UnmarshalPayload(&p); err != nil {
		return err
	}
	client.Subscribe(p.Scopes)
	h.subscribed <- client.NodeID
	return nil
}

func newTestManager(t *testing.T, maxConn int) (*Manager, *subscribeHandler, string) {
	t.Helper()
	m := NewManager("hub", Options{
		MaxConnPerNode: maxConn,
		WriteWait:      time.Second,
		PongWait:       time.Minute,
		PingPeriod:     30 * time.Second,
	}, logging.Discard())
	h := &subscribeHandler{subscribed: make(chan string, 8)}
	m.SetMessageHandler(h)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.Attach(NewClient(uuid.NewString(), r.URL.Query().Get("node"), conn, m))
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return m, h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, nodeID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?node="+nodeID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, h *subscribeHandler, scopes ...string) {
	t.Helper()
	msg, err := NewMessage(TypeSubscribe, &SubscribePayload{Scopes: scopes})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
	select {
	case <-h.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not processed")
	}
}

func readHint(t *testing.T, conn *websocket.Conn) SyncHintPayload {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, TypeSyncHint, msg.Type)
	var hint SyncHintPayload
	require.NoError(t, msg.UnmarshalPayload(&hint))
	return hint
}

func TestManager_NotifyScopeReachesSubscribers(t *testing.T) {
	m, h, url := newTestManager(t, 2)

	edgeA := dial(t, url, "edge-a")
	subscribe(t, edgeA, h, "event-1")
	edgeB := dial(t, url, "edge-b")
	subscribe(t, edgeB, h, "event-2")

	require.Eventually(t, func() bool {
		return m.NodeConnections("edge-a") == 1 && m.NodeConnections("edge-b") == 1
	}, 2*time.Second, 10*time.Millisecond)

	m.NotifyScope("event-1", "upload")

	hint := readHint(t, edgeA)
	assert.Equal(t, "event-1", hint.Scope)
	assert.Equal(t, "upload", hint.Reason)
	assert.Equal(t, "hub", hint.Origin)

	require.NoError(t, edgeB.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := edgeB.ReadMessage()
	assert.Error(t, err, "edge-b is not subscribed to event-1")
}

func TestManager_UnsubscribedClientGetsEverything(t *testing.T) {
	m, _, url := newTestManager(t, 1)

	conn := dial(t, url, "edge-a")
	require.Eventually(t, func() bool { return m.NodeConnections("edge-a") == 1 }, 2*time.Second, 10*time.Millisecond)

	m.NotifyScope("event-9", "resolution")
	assert.Equal(t, "event-9", readHint(t, conn).Scope)
}

func TestManager_MaxConnectionsPerNode(t *testing.T) {
	m, _, url := newTestManager(t, 1)

	dial(t, url, "edge-a")
	require.Eventually(t, func() bool { return m.NodeConnections("edge-a") == 1 }, 2*time.Second, 10*time.Millisecond)

	second := dial(t, url, "edge-a")
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.Error(t, err, "the second connection is closed")
	assert.Equal(t, 1, m.NodeConnections("edge-a"))
}

func TestManager_DisconnectUnregisters(t *testing.T) {
	m, _, url := newTestManager(t, 1)

	conn := dial(t, url, "edge-a")
	require.Eventually(t, func() bool { return m.NodeConnections("edge-a") == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return m.NodeConnections("edge-a") == 0 }, 2*time.Second, 10*time.Millisecond)
}
