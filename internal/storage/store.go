// Package storage описывает хранилища, на которые опирается ядро мессенджера.
// Реализации: repository (PostgreSQL), memory (тесты и -memory), redis (кеш identity).
package storage

import (
	"context"
	"time"

	"github.com/carelink/internal/model"
)

// ConversationStore persists conversations, membership and unread counters.
// Missing ids yield model.ErrNotFound.
type ConversationStore interface {
	// CreateDirect inserts c unless an active direct conversation for the same
	// pair already exists, in which case the existing one is returned with
	// created=false. Implementations must enforce this atomically.
	CreateDirect(ctx context.Context, c *model.Conversation) (conv *model.Conversation, created bool, err error)
	FindDirect(ctx context.Context, a, b string) (*model.Conversation, error)
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	ListActiveFor(ctx context.Context, userID string) ([]model.Conversation, error)
	IsParticipant(ctx context.Context, id, userID string) (bool, error)
	IncrementUnread(ctx context.Context, id, userID string) error
	ResetUnread(ctx context.Context, id, userID string) error
	SetLastMessage(ctx context.Context, id, messageID string, at time.Time) error
	Deactivate(ctx context.Context, id string, at time.Time) error
}

// MessageStore persists messages and their delivery/read receipts.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	// ListBefore returns up to limit non-deleted messages of the conversation,
	// newest first. When before is non-nil only messages strictly older than it
	// are considered.
	ListBefore(ctx context.Context, conversationID string, before *model.Message, limit int) ([]model.Message, error)
	// ListUnreadFor returns non-deleted messages sent by others that userID has
	// not read, oldest first.
	ListUnreadFor(ctx context.Context, conversationID, userID string) ([]model.Message, error)
	// AddDelivery and AddRead append a receipt if absent. The stored receipt is
	// returned either way; added reports whether it was new.
	AddDelivery(ctx context.Context, messageID, userID string, at time.Time) (r model.Receipt, added bool, err error)
	AddRead(ctx context.Context, messageID, userID string, at time.Time) (r model.Receipt, added bool, err error)
	UpdateContent(ctx context.Context, id, content string, at time.Time) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
}

// IdentityCache хранит результаты разрешения credential -> identity с TTL.
// Get возвращает (nil, nil), если записи нет или она истекла.
type IdentityCache interface {
	Get(ctx context.Context, key string) (*model.Identity, error)
	Set(ctx context.Context, key string, id *model.Identity, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
