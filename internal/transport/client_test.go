package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/logging"
	"fieldsync/internal/websocket"
	"fieldsync/pkg/response"

	"github.com/golang/snappy"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	tokens    atomic.Int32
	rejectNth atomic.Int32
	mux       *http.ServeMux

	mu       sync.Mutex
	lastBody []byte
	lastEnc  string
}

func (h *fakeHub) lastUpload() ([]byte, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastBody, h.lastEnc
}

func newFakeHub(t *testing.T) (*fakeHub, *httptest.Server) {
	t.Helper()
	h := &fakeHub{mux: http.NewServeMux()}

	h.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		response.Success(w, &domain.HealthResponse{Status: "ok", Service: "fieldsync", NodeID: "hub"})
	})
	h.mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		var req domain.TokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		if req.Secret != "correct horse battery" {
			response.Unauthorized(w, "invalid node credentials")
			return
		}
		n := h.tokens.Add(1)
		response.Success(w, &domain.TokenResponse{AccessToken: "token-" + string(rune('0'+n)), ExpiresIn: 900})
	})
	h.mux.HandleFunc("/api/v1/sync/upload", func(w http.ResponseWriter, r *http.Request) {
		if !h.authorized(r) {
			response.Unauthorized(w, "invalid token")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			response.BadRequest(w, "failed to read body")
			return
		}
		enc := r.Header.Get("Content-Encoding")
		if enc == EncodingSnappy {
			if body, err = snappy.Decode(nil, body); err != nil {
				response.BadRequest(w, "invalid snappy body")
				return
			}
		}
		h.mu.Lock()
		h.lastBody, h.lastEnc = body, enc
		h.mu.Unlock()

		var req domain.UploadRequest
		if err := json.Unmarshal(body, &req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		out := &domain.UploadResponse{BatchID: req.BatchID, Complete: true}
		for _, rec := range req.Records {
			out.Outcomes = append(out.Outcomes, domain.RecordOutcome{GlobalID: rec.GlobalID, Revision: rec.Revision, Outcome: domain.OutcomeSynced})
		}
		response.Success(w, out)
	})
	h.mux.HandleFunc("/api/v1/sync/download", func(w http.ResponseWriter, r *http.Request) {
		if !h.authorized(r) {
			response.Unauthorized(w, "invalid token")
			return
		}
		response.Success(w, &domain.DownloadResponse{Scope: r.URL.Query().Get("scope"), ServedBy: "hub"})
	})
	h.mux.HandleFunc("/api/v1/sync/batches/", func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, "batch not found")
	})

	srv := httptest.NewServer(h.mux)
	t.Cleanup(srv.Close)
	return h, srv
}

// authorized accepts any issued token, except that the request numbered
// rejectNth is refused once to simulate an expired token.
func (h *fakeHub) authorized(r *http.Request) bool {
	if h.rejectNth.CompareAndSwap(1, 0) {
		return false
	}
	return strings.HasPrefix(r.Header.Get("Authorization"), "Bearer token-")
}

func newTestClient(url string, compression bool) *Client {
	return NewClient(Config{
		BaseURL:     url + "/",
		NodeID:      "edge-a",
		Secret:      "correct horse battery",
		Timeout:     2 * time.Second,
		Compression: compression,
	}, logging.Discard())
}

func uploadRequest() *domain.UploadRequest {
	return &domain.UploadRequest{
		BatchID: "9a4a3a47-5d0e-4b7c-8d7c-3f8f6c1f2f10",
		NodeID:  "edge-a",
		Records: []*domain.Record{{GlobalID: "3c1d2f14-5a5b-4d8e-9e2a-0f7d1c2b3a4e", Revision: 2}},
	}
}

func TestClient_Health(t *testing.T) {
	_, srv := newFakeHub(t)
	c := newTestClient(srv.URL, false)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hub", health.NodeID)
}

func TestClient_HealthUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url, false).Health(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, OpHealth, te.Op)
	assert.Zero(t, te.StatusCode)
}

func TestClient_UploadCompressed(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
		encoding string
	}{
		{name: "plain", compress: false, encoding: ""},
		{name: "snappy", compress: true, encoding: EncodingSnappy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, srv := newFakeHub(t)
			c := newTestClient(srv.URL, tt.compress)

			out, err := c.Upload(context.Background(), uploadRequest())
			require.NoError(t, err)
			require.Len(t, out.Outcomes, 1)
			assert.Equal(t, domain.OutcomeSynced, out.Outcomes[0].Outcome)
			body, enc := hub.lastUpload()
			assert.Equal(t, tt.encoding, enc)
			assert.Contains(t, string(body), `"batch_id":"9a4a3a47-5d0e-4b7c-8d7c-3f8f6c1f2f10"`)
		})
	}
}

func TestClient_TokenIsCachedAndRefreshed(t *testing.T) {
	hub, srv := newFakeHub(t)
	c := newTestClient(srv.URL, false)
	ctx := context.Background()

	_, err := c.Download(ctx, "event-1")
	require.NoError(t, err)
	_, err = c.Download(ctx, "event-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hub.tokens.Load())

	// The upstream refuses the cached token once.
	hub.rejectNth.Store(1)
	resp, err := c.Download(ctx, "event-1")
	require.NoError(t, err)
	assert.Equal(t, "event-1", resp.Scope)
	assert.Equal(t, int32(2), hub.tokens.Load())
}

func TestClient_BadCredentials(t *testing.T) {
	_, srv := newFakeHub(t)
	c := newTestClient(srv.URL, false)
	c.cfg.Secret = "wrong"

	_, err := c.Download(context.Background(), "event-1")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.False(t, IsRetryable(err))
}

func TestClient_BatchNotFound(t *testing.T) {
	_, srv := newFakeHub(t)
	c := newTestClient(srv.URL, false)

	_, err := c.BatchOutcome(context.Background(), "missing")
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
	assert.Equal(t, "batch not found", te.Err.Error())
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(srv.URL, false).Health(ctx)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(io.EOF))
	assert.True(t, IsRetryable(statusError(OpUpload, http.StatusServiceUnavailable, "")))
	assert.True(t, IsRetryable(statusError(OpUpload, http.StatusTooManyRequests, "")))
	assert.False(t, IsRetryable(statusError(OpUpload, http.StatusBadRequest, "validation failed")))
}

func TestHintsURL(t *testing.T) {
	assert.Equal(t, "ws://hub.local:8080/ws", hintsURL("http://hub.local:8080"))
	assert.Equal(t, "wss://hub.example.org/ws", hintsURL("https://hub.example.org"))
}

func TestClient_ListenHints(t *testing.T) {
	hub, srv := newFakeHub(t)
	upgrader := ws.Upgrader{}
	subscribed := make(chan []string, 1)

	hub.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if !hub.authorized(r) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub websocket.Message
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		var p websocket.SubscribePayload
		_ = sub.UnmarshalPayload(&p)
		subscribed <- p.Scopes

		first, _ := websocket.NewMessage(websocket.TypeSyncHint, &websocket.SyncHintPayload{Scope: "event-1", Reason: "upload"})
		second, _ := websocket.NewMessage(websocket.TypeSyncHint, &websocket.SyncHintPayload{Scope: "event-1", Reason: "resolution"})
		a, _ := json.Marshal(first)
		b, _ := json.Marshal(second)
		frame := append(append(a, '\n'), b...)
		_ = conn.WriteMessage(ws.TextMessage, frame)

		// Hold the connection until the client goes away.
		conn.ReadMessage()
	})

	c := newTestClient(srv.URL, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hints := make(chan websocket.SyncHintPayload, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.ListenHints(ctx, []string{"event-1"}, func(h websocket.SyncHintPayload) { hints <- h })
	}()

	select {
	case scopes := <-subscribed:
		assert.Equal(t, []string{"event-1"}, scopes)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	var reasons []string
	for len(reasons) < 2 {
		select {
		case h := <-hints:
			reasons = append(reasons, h.Reason)
		case <-time.After(2 * time.Second):
			t.Fatal("hints not delivered")
		}
	}
	assert.Equal(t, []string{"upload", "resolution"}, reasons)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
