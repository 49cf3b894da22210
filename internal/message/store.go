// Package message owns message entities and their delivery and read state.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/carelink/internal/logger"
	"github.com/carelink/internal/model"
	"github.com/carelink/internal/storage"
)

// Participants is the part of the conversation directory the store depends on.
type Participants interface {
	IsParticipant(ctx context.Context, conversationID, identityID string) (bool, error)
	RecordLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
}

// Draft is a message as submitted by a sender.
type Draft struct {
	Content    string
	Type       model.MessageType
	Attachment *model.Attachment
}

type Store struct {
	store storage.MessageStore
	convs Participants
	now   func() time.Time
}

func NewStore(store storage.MessageStore, convs Participants) *Store {
	return &Store{
		store: store,
		convs: convs,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create validates and persists a message, then moves the conversation's
// last-message pointer to it.
func (s *Store) Create(ctx context.Context, conversationID, senderID string, d Draft) (*model.Message, error) {
	defer logger.DeferLogDuration("message.Create", time.Now())()
	if err := validate(&d); err != nil {
		return nil, err
	}
	ok, err := s.convs.IsParticipant(ctx, conversationID, senderID)
	if err != nil {
		return nil, fmt.Errorf("message.Create: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("message.Create: %w", model.ErrForbidden)
	}

	m := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        d.Content,
		Type:           d.Type,
		Attachment:     d.Attachment,
		DeliveredTo:    []model.Receipt{},
		ReadBy:         []model.Receipt{},
		CreatedAt:      s.now(),
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("message.Create: %w", err)
	}
	if err := s.convs.RecordLastMessage(ctx, conversationID, m.ID, m.CreatedAt); err != nil {
		return nil, fmt.Errorf("message.Create: %w", err)
	}
	return m, nil
}

// validate normalizes d in place. Type defaults to text.
func validate(d *Draft) error {
	if d.Type == "" {
		d.Type = model.MessageTypeText
	}
	if !d.Type.Valid() {
		return fmt.Errorf("message: %w: unknown message type %q", model.ErrInvalidInput, d.Type)
	}
	if utf8.RuneCountInString(d.Content) > model.MaxContentLength {
		return fmt.Errorf("message: %w: content exceeds %d characters", model.ErrInvalidInput, model.MaxContentLength)
	}
	switch d.Type {
	case model.MessageTypeText, model.MessageTypeSystem:
		if strings.TrimSpace(d.Content) == "" {
			return fmt.Errorf("message: %w: content is required", model.ErrInvalidInput)
		}
		d.Attachment = nil
	case model.MessageTypeImage, model.MessageTypeFile:
		if d.Attachment == nil || strings.TrimSpace(d.Attachment.URL) == "" {
			return fmt.Errorf("message: %w: attachment is required for %s", model.ErrInvalidInput, d.Type)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Message, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("message.Get: %w", model.ErrNotFound)
	}
	m, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("message.Get: %w", err)
	}
	return m, nil
}

// ListBefore returns up to limit non-deleted messages of the conversation in
// ascending creation order. With a cursor only messages strictly older than
// the cursor message are returned; the cursor must belong to the conversation.
func (s *Store) ListBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("message.ListBefore", time.Now())()
	if limit <= 0 {
		return nil, fmt.Errorf("message.ListBefore: %w: limit must be positive", model.ErrInvalidInput)
	}
	var cursor *model.Message
	if beforeID != "" {
		c, err := s.store.GetByID(ctx, beforeID)
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("message.ListBefore: %w: unknown cursor", model.ErrInvalidInput)
		}
		if err != nil {
			return nil, fmt.Errorf("message.ListBefore: %w", err)
		}
		if c.ConversationID != conversationID {
			return nil, fmt.Errorf("message.ListBefore: %w: cursor from another conversation", model.ErrInvalidInput)
		}
		cursor = c
	}
	page, err := s.store.ListBefore(ctx, conversationID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("message.ListBefore: %w", err)
	}
	// хранилище отдаёт от новых к старым, клиенту нужен хронологический порядок
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// ListUnreadFor returns messages from others that identityID has not read yet,
// oldest first.
func (s *Store) ListUnreadFor(ctx context.Context, conversationID, identityID string) ([]model.Message, error) {
	msgs, err := s.store.ListUnreadFor(ctx, conversationID, identityID)
	if err != nil {
		return nil, fmt.Errorf("message.ListUnreadFor: %w", err)
	}
	return msgs, nil
}

// MarkDelivered records delivery to recipientID once. changed is false when the
// receipt already existed or recipientID is not a recipient of the message.
func (s *Store) MarkDelivered(ctx context.Context, messageID, recipientID string) (msg *model.Message, r model.Receipt, changed bool, err error) {
	return s.mark(ctx, "message.MarkDelivered", messageID, recipientID, s.store.AddDelivery)
}

// MarkRead records that recipientID read the message, once.
func (s *Store) MarkRead(ctx context.Context, messageID, recipientID string) (msg *model.Message, r model.Receipt, changed bool, err error) {
	return s.mark(ctx, "message.MarkRead", messageID, recipientID, s.store.AddRead)
}

type addReceiptFunc func(ctx context.Context, messageID, userID string, at time.Time) (model.Receipt, bool, error)

func (s *Store) mark(ctx context.Context, op, messageID, recipientID string, add addReceiptFunc) (*model.Message, model.Receipt, bool, error) {
	m, err := s.Get(ctx, messageID)
	if err != nil {
		return nil, model.Receipt{}, false, fmt.Errorf("%s: %w", op, err)
	}
	// отправитель и посторонние не являются получателями: тихо игнорируем
	if recipientID == "" || recipientID == m.SenderID || m.IsDeleted {
		return m, model.Receipt{}, false, nil
	}
	ok, err := s.convs.IsParticipant(ctx, m.ConversationID, recipientID)
	if err != nil {
		return nil, model.Receipt{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return m, model.Receipt{}, false, nil
	}
	r, added, err := add(ctx, messageID, recipientID, s.now())
	if err != nil {
		return nil, model.Receipt{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return m, r, added, nil
}

// Edit replaces the content of a text message. Only the sender may edit.
func (s *Store) Edit(ctx context.Context, messageID, actorID, content string) (*model.Message, error) {
	m, err := s.Get(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("message.Edit: %w", err)
	}
	if m.IsDeleted {
		return nil, fmt.Errorf("message.Edit: %w", model.ErrNotFound)
	}
	if m.SenderID != actorID {
		return nil, fmt.Errorf("message.Edit: %w", model.ErrForbidden)
	}
	if m.Type != model.MessageTypeText {
		return nil, fmt.Errorf("message.Edit: %w: only text messages can be edited", model.ErrInvalidInput)
	}
	d := Draft{Content: content, Type: model.MessageTypeText}
	if err := validate(&d); err != nil {
		return nil, err
	}
	at := s.now()
	if err := s.store.UpdateContent(ctx, messageID, d.Content, at); err != nil {
		return nil, fmt.Errorf("message.Edit: %w", err)
	}
	m.Content = d.Content
	m.IsEdited = true
	m.EditedAt = &at
	return m, nil
}

// Delete soft-deletes a message. Only the sender may delete; deleting twice
// is a no-op.
func (s *Store) Delete(ctx context.Context, messageID, actorID string) (*model.Message, error) {
	m, err := s.Get(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("message.Delete: %w", err)
	}
	if m.SenderID != actorID {
		return nil, fmt.Errorf("message.Delete: %w", model.ErrForbidden)
	}
	if m.IsDeleted {
		return m, nil
	}
	at := s.now()
	if err := s.store.SoftDelete(ctx, messageID, at); err != nil {
		return nil, fmt.Errorf("message.Delete: %w", err)
	}
	m.IsDeleted = true
	m.DeletedAt = &at
	m.Content = ""
	m.Attachment = nil
	logger.Infof("message deleted id=%s conv=%s", m.ID, m.ConversationID)
	return m, nil
}
