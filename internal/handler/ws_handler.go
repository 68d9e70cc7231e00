package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"fieldsync/internal/logging"
	"fieldsync/internal/middleware"
	"fieldsync/internal/websocket"
	"fieldsync/pkg/jwt"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	manager        *websocket.Manager
	jwtSecret      string
	maxMessageSize int64
	upgrader       ws.Upgrader
	logger         *slog.Logger
}

type WebSocketOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, opts WebSocketOptions, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:        manager,
		jwtSecret:      jwtSecret,
		maxMessageSize: opts.MaxMessageSize,
		upgrader: ws.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			// Peers are nodes, not browsers.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logging.Component(logger, "websocket"),
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		h.logger.Warn("token validation failed", slog.Any("error", err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", slog.String("node_id", claims.NodeID), slog.Any("error", err))
		return
	}
	if h.maxMessageSize > 0 {
		conn.SetReadLimit(h.maxMessageSize)
	}

	client := websocket.NewClient(uuid.New().String(), claims.NodeID, conn, h.manager)
	h.manager.Attach(client)
}

// WebSocketMessageHandler serves the messages nodes send on the hint
// stream.
type WebSocketMessageHandler struct{}

func NewWebSocketMessageHandler() *WebSocketMessageHandler {
	return &WebSocketMessageHandler{}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypeSubscribe:
		return h.handleSubscribe(client, msg)

	case websocket.TypePing:
		return h.reply(client, websocket.TypePong, nil)

	default:
		return h.reply(client, websocket.TypeAck, &websocket.AckPayload{
			Type:  msg.Type,
			Error: "unknown message type",
		})
	}
}

func (h *WebSocketMessageHandler) handleSubscribe(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.SubscribePayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return h.reply(client, websocket.TypeAck, &websocket.AckPayload{Type: msg.Type, Error: "invalid payload"})
	}

	client.Subscribe(payload.Scopes)
	return h.reply(client, websocket.TypeAck, &websocket.AckPayload{Type: msg.Type, Success: true})
}

func (h *WebSocketMessageHandler) reply(client *websocket.Client, msgType websocket.MessageType, payload interface{}) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	client.Queue(data)
	return nil
}
