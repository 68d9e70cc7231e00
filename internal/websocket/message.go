package websocket

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	// TypeSubscribe is sent by a node to choose the scopes it wants hints for.
	TypeSubscribe MessageType = "subscribe"
	// TypeSyncHint tells a node that a scope changed and is worth pulling.
	TypeSyncHint MessageType = "sync_hint"
	TypeAck      MessageType = "ack"
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type SubscribePayload struct {
	Scopes []string `json:"scopes"`
}

type SyncHintPayload struct {
	Scope  string `json:"scope"`
	Reason string `json:"reason"`
	// Origin is the node whose change caused the hint.
	Origin string `json:"origin"`
}

type AckPayload struct {
	Type    MessageType `json:"type"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
