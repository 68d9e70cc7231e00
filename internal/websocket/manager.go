package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"fieldsync/internal/logging"
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

type Options struct {
	MaxConnPerNode int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
}

// Manager tracks the nodes connected for sync hints and fans hints out to
// the ones subscribed to a scope.
type Manager struct {
	nodeID         string
	clients        map[string]*Client
	nodeIndex      map[string]map[string]bool
	clientsMutex   sync.RWMutex
	Register       chan *Client
	Unregister     chan *Client
	HandleMessage  chan *ClientMessage
	done           chan struct{}
	maxConnPerNode int
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	messageHandler MessageHandler
	logger         *slog.Logger
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
}

func NewManager(nodeID string, opts Options, logger *slog.Logger) *Manager {
	if opts.MaxConnPerNode <= 0 {
		opts.MaxConnPerNode = 1
	}
	return &Manager{
		nodeID:         nodeID,
		clients:        make(map[string]*Client),
		nodeIndex:      make(map[string]map[string]bool),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		HandleMessage:  make(chan *ClientMessage),
		done:           make(chan struct{}),
		maxConnPerNode: opts.MaxConnPerNode,
		writeWait:      opts.WriteWait,
		pongWait:       opts.PongWait,
		pingPeriod:     opts.PingPeriod,
		logger:         logging.Component(logger, "websocket"),
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

// Run serves registrations and inbound messages until ctx is done, then
// closes every connection.
func (m *Manager) Run(ctx context.Context) {
	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)
		}
	}
}

func (m *Manager) shutdown() {
	close(m.done)

	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()
	for id, client := range m.clients {
		delete(m.clients, id)
		client.close()
	}
	m.nodeIndex = make(map[string]map[string]bool)
}

func (m *Manager) register(client *Client) bool {
	select {
	case m.Register <- client:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) unregister(client *Client) {
	select {
	case m.Unregister <- client:
	case <-m.done:
	}
}

func (m *Manager) dispatch(msg *ClientMessage) bool {
	select {
	case m.HandleMessage <- msg:
		return true
	case <-m.done:
		return false
	}
}

// Attach registers the client and starts its pumps. It reports false when
// the manager is no longer running.
func (m *Manager) Attach(client *Client) bool {
	if !m.register(client) {
		client.Conn.Close()
		return false
	}
	go client.WritePump()
	go client.ReadPump()
	return true
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.nodeIndex[client.NodeID] == nil {
		m.nodeIndex[client.NodeID] = make(map[string]bool)
	}

	if len(m.nodeIndex[client.NodeID]) >= m.maxConnPerNode {
		m.logger.Warn("max connections reached", slog.String("node_id", client.NodeID))
		client.close()
		return
	}

	m.clients[client.ID] = client
	m.nodeIndex[client.NodeID][client.ID] = true

	m.logger.Info("client registered", slog.String("client_id", client.ID), slog.String("node_id", client.NodeID))
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		delete(m.nodeIndex[client.NodeID], client.ID)

		if len(m.nodeIndex[client.NodeID]) == 0 {
			delete(m.nodeIndex, client.NodeID)
		}

		client.close()
		m.logger.Info("client unregistered", slog.String("client_id", client.ID), slog.String("node_id", client.NodeID))
	}
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		m.logger.Warn("invalid message", slog.String("node_id", clientMsg.Client.NodeID), slog.Any("error", err))
		return
	}

	if m.messageHandler != nil {
		if err := m.messageHandler.HandleWebSocketMessage(clientMsg.Client, &msg); err != nil {
			m.logger.Warn("message handling failed",
				slog.String("node_id", clientMsg.Client.NodeID),
				slog.String("type", string(msg.Type)),
				slog.Any("error", err))
		}
	}
}

// NotifyScope sends a sync hint to every client subscribed to scope. It never
// blocks: a client whose buffer is full is disconnected and will catch up on
// its next cycle.
func (m *Manager) NotifyScope(scope, reason string) {
	msg, err := NewMessage(TypeSyncHint, &SyncHintPayload{Scope: scope, Reason: reason, Origin: m.nodeID})
	if err != nil {
		m.logger.Error("failed to build sync hint", slog.Any("error", err))
		return
	}
	messageBytes, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("failed to encode sync hint", slog.Any("error", err))
		return
	}

	var slow []*Client
	m.clientsMutex.RLock()
	for _, client := range m.clients {
		if !client.Wants(scope) {
			continue
		}
		if !client.Queue(messageBytes) {
			slow = append(slow, client)
		}
	}
	m.clientsMutex.RUnlock()

	for _, client := range slow {
		m.logger.Warn("send buffer full, closing connection", slog.String("node_id", client.NodeID))
		go m.unregister(client)
	}
}

func (m *Manager) NodeConnections(nodeID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if clients, exists := m.nodeIndex[nodeID]; exists {
		return len(clients)
	}
	return 0
}
