package model

import "time"

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// MaxContentLength bounds message text, counted in runes.
const MaxContentLength = 5000

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem:
		return true
	}
	return false
}

// Attachment describes an uploaded file; the bytes live elsewhere.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Receipt records that UserID received or read a message at At.
type Receipt struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"message_type"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	DeliveredTo    []Receipt   `json:"delivered_to"`
	ReadBy         []Receipt   `json:"read_by"`
	IsEdited       bool        `json:"is_edited"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	IsDeleted      bool        `json:"is_deleted"`
	DeletedAt      *time.Time  `json:"deleted_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

func (m *Message) DeliveryFor(userID string) (Receipt, bool) {
	return findReceipt(m.DeliveredTo, userID)
}

func (m *Message) ReadFor(userID string) (Receipt, bool) {
	return findReceipt(m.ReadBy, userID)
}

func findReceipt(rs []Receipt, userID string) (Receipt, bool) {
	for _, r := range rs {
		if r.UserID == userID {
			return r, true
		}
	}
	return Receipt{}, false
}
