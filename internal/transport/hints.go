package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"fieldsync/internal/websocket"

	ws "github.com/gorilla/websocket"
)

// ListenHints holds a websocket open to the upstream and calls onHint for
// every sync hint it pushes for one of scopes. It returns when the
// connection drops or ctx is done.
func (c *Client) ListenHints(ctx context.Context, scopes []string, onHint func(websocket.SyncHintPayload)) error {
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	dialer := ws.Dialer{HandshakeTimeout: c.cfg.Timeout}

	conn, resp, err := dialer.DialContext(ctx, hintsURL(c.cfg.BaseURL), header)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized {
				c.dropToken()
			}
			return statusError(OpHints, resp.StatusCode, err.Error())
		}
		return networkError(OpHints, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sub, err := websocket.NewMessage(websocket.TypeSubscribe, &websocket.SubscribePayload{Scopes: scopes})
	if err != nil {
		return &Error{Op: OpHints, Err: err}
	}
	if err := conn.WriteJSON(sub); err != nil {
		return networkError(OpHints, fmt.Errorf("failed to subscribe: %w", err))
	}
	c.logger.Info("listening for sync hints", slog.Any("scopes", scopes))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return networkError(OpHints, err)
		}

		// Several queued messages can share one frame.
		for _, raw := range bytes.Split(data, []byte{'\n'}) {
			var msg websocket.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				c.logger.Warn("invalid hint message", slog.Any("error", err))
				continue
			}
			if msg.Type != websocket.TypeSyncHint {
				continue
			}
			var hint websocket.SyncHintPayload
			if err := msg.UnmarshalPayload(&hint); err != nil {
				c.logger.Warn("invalid sync hint", slog.Any("error", err))
				continue
			}
			onHint(hint)
		}
	}
}

func hintsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
