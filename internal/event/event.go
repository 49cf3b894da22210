// Package event defines the websocket wire format and the connection handle
// shared by presence, room routing and the hub.
package event

import (
	"time"

	"github.com/carelink/internal/model"
)

type Type string

// Inbound events (client -> server).
const (
	JoinConversation Type = "join_conversation"
	SendMessage      Type = "send_message"
	MessageRead      Type = "message_read"
	TypingStart      Type = "typing_start"
	TypingStop       Type = "typing_stop"
	EditMessage      Type = "edit_message"
	DeleteMessage    Type = "delete_message"
)

// Outbound events (server -> client).
const (
	UserOnline          Type = "user_online"
	UserOffline         Type = "user_offline"
	NewMessage          Type = "new_message"
	MessageSent         Type = "message_sent"
	MessageDelivered    Type = "message_delivered"
	MessageReadReceipt  Type = "message_read_receipt"
	UserTyping          Type = "user_typing"
	UserStopTyping      Type = "user_stop_typing"
	MessageEdited       Type = "message_edited"
	MessageDeleted      Type = "message_deleted"
	ConversationJoined  Type = "conversation_joined"
	ConversationCreated Type = "conversation_created"
	Error               Type = "error"
)

// Incoming is what the client sends to the server.
type Incoming struct {
	Type           Type              `json:"type"`
	ConversationID string            `json:"conversation_id,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	Content        string            `json:"content,omitempty"`
	MessageType    model.MessageType `json:"message_type,omitempty"`
	ClientTempID   string            `json:"client_temp_id,omitempty"`
	Attachment     *model.Attachment `json:"attachment,omitempty"`
}

// Outgoing is what the server sends to the client.
type Outgoing struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

// Conn is a live connection bound to exactly one identity.
// Send must never block; it reports whether the event was queued.
type Conn interface {
	ID() string
	UserID() string
	Send(Outgoing) bool
	Done() <-chan struct{}
	Close()
}

type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type NewMessagePayload struct {
	ConversationID string         `json:"conversation_id"`
	Message        *model.Message `json:"message"`
}

type MessageSentPayload struct {
	ClientTempID string         `json:"client_temp_id,omitempty"`
	Message      *model.Message `json:"message"`
}

type MessageDeliveredPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

type ReadReceiptPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	ReadBy         string    `json:"read_by"`
	ReadAt         time.Time `json:"read_at"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type MessageEditedPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"edited_at"`
}

type MessageDeletedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

type ConversationPayload struct {
	ConversationID string              `json:"conversation_id"`
	Conversation   *model.Conversation `json:"conversation,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	// Event echoes the inbound type that failed, when known.
	Event Type `json:"event,omitempty"`
}

// ErrorEvent builds the structured error sent back to the originating connection.
func ErrorEvent(in Type, msg string) Outgoing {
	return Outgoing{Type: Error, Payload: ErrorPayload{Message: msg, Event: in}}
}
