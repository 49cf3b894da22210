package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carelink/internal/conversation"
	"github.com/carelink/internal/logger"
	"github.com/carelink/internal/message"
	"github.com/carelink/internal/model"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Delivery is the outcome of a successful send: the stored message, the
// conversation as of that send and the identities that should receive it.
type Delivery struct {
	Conversation *model.Conversation
	Message      *model.Message
	RecipientIDs []string
}

// ReadReceipt describes a message newly marked read by ReaderID.
type ReadReceipt struct {
	MessageID      string
	ConversationID string
	SenderID       string
	ReaderID       string
	ReadAt         time.Time
}

// ChatService orchestrates the directory and the message store for both the
// websocket hub and the HTTP handlers. Every operation authorizes the actor
// against current conversation membership.
type ChatService struct {
	convs       *conversation.Directory
	msgs        *message.Store
	defaultPage int
	maxPage     int
}

func NewChatService(convs *conversation.Directory, msgs *message.Store, defaultPage, maxPage int) *ChatService {
	if maxPage <= 0 {
		maxPage = MaxPageSize
	}
	if defaultPage <= 0 || defaultPage > maxPage {
		defaultPage = min(DefaultPageSize, maxPage)
	}
	return &ChatService{convs: convs, msgs: msgs, defaultPage: defaultPage, maxPage: maxPage}
}

// Authorize returns the conversation when actorID participates in it and
// model.ErrForbidden otherwise.
func (s *ChatService) Authorize(ctx context.Context, conversationID, actorID string) (*model.Conversation, error) {
	return s.convs.Authorize(ctx, conversationID, actorID)
}

func (s *ChatService) ListConversations(ctx context.Context, actorID string) ([]model.Conversation, error) {
	return s.convs.ListActiveFor(ctx, actorID)
}

func (s *ChatService) GetConversation(ctx context.Context, actorID, conversationID string) (*model.Conversation, error) {
	return s.convs.Authorize(ctx, conversationID, actorID)
}

// StartConversation finds or creates the direct conversation between the
// actor and peerID.
func (s *ChatService) StartConversation(ctx context.Context, actorID, peerID string) (*model.Conversation, bool, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, false, fmt.Errorf("service.StartConversation: %w: participant_id is required", model.ErrInvalidInput)
	}
	if peerID == actorID {
		return nil, false, fmt.Errorf("service.StartConversation: %w: cannot start a conversation with yourself", model.ErrInvalidInput)
	}
	return s.convs.FindOrCreate(ctx, actorID, peerID)
}

func (s *ChatService) ArchiveConversation(ctx context.Context, actorID, conversationID string) (*model.Conversation, error) {
	return s.convs.Deactivate(ctx, conversationID, actorID)
}

// History returns one page of messages, oldest first. A non-positive limit
// selects the default page size; larger limits are capped.
func (s *ChatService) History(ctx context.Context, actorID, conversationID, beforeID string, limit int) ([]model.Message, error) {
	if _, err := s.convs.Authorize(ctx, conversationID, actorID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.defaultPage
	}
	if limit > s.maxPage {
		limit = s.maxPage
	}
	return s.msgs.ListBefore(ctx, conversationID, strings.TrimSpace(beforeID), limit)
}

// SendMessage persists a message from actorID and bumps every other
// participant's unread counter. Validation happens before any mutation.
func (s *ChatService) SendMessage(ctx context.Context, actorID, conversationID string, d message.Draft) (*Delivery, error) {
	defer logger.DeferLogDuration("service.SendMessage", time.Now())()
	if d.Type == model.MessageTypeSystem {
		return nil, fmt.Errorf("service.SendMessage: %w: system messages cannot be sent by clients", model.ErrInvalidInput)
	}
	conv, err := s.convs.Authorize(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	m, err := s.msgs.Create(ctx, conv.ID, actorID, d)
	if err != nil {
		return nil, err
	}

	recipients := conv.OtherParticipants(actorID)
	for _, id := range recipients {
		if err := s.convs.IncrementUnread(ctx, conv.ID, id); err != nil {
			return nil, fmt.Errorf("service.SendMessage: %w", err)
		}
		conv.UnreadCounts[id]++
	}
	conv.LastMessageID = &m.ID
	conv.LastMessageAt = &m.CreatedAt
	conv.UpdatedAt = m.CreatedAt
	return &Delivery{Conversation: conv, Message: m, RecipientIDs: recipients}, nil
}

// MarkDelivered records delivery of a message to an online recipient.
// changed is false when it was already recorded or recipientID is not a recipient.
func (s *ChatService) MarkDelivered(ctx context.Context, messageID, recipientID string) (model.Receipt, bool, error) {
	_, r, changed, err := s.msgs.MarkDelivered(ctx, messageID, recipientID)
	return r, changed, err
}

// MarkMessageRead marks a single message read by actorID and resets the
// actor's unread counter. conversationID, when given, must match the message.
// The receipt is nil when nothing changed.
func (s *ChatService) MarkMessageRead(ctx context.Context, actorID, conversationID, messageID string) (*ReadReceipt, error) {
	m, err := s.msgs.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if conversationID != "" && m.ConversationID != conversationID {
		return nil, fmt.Errorf("service.MarkMessageRead: %w", model.ErrNotFound)
	}
	m, r, changed, err := s.msgs.MarkRead(ctx, m.ID, actorID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}
	if err := s.convs.ResetUnread(ctx, m.ConversationID, actorID); err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("service.MarkMessageRead: %w", err)
	}
	return &ReadReceipt{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReaderID:       actorID,
		ReadAt:         r.At,
	}, nil
}

// MarkConversationRead marks every message actorID has not read yet and
// resets the actor's unread counter in one directory call.
func (s *ChatService) MarkConversationRead(ctx context.Context, actorID, conversationID string) ([]ReadReceipt, error) {
	defer logger.DeferLogDuration("service.MarkConversationRead", time.Now())()
	if _, err := s.convs.Authorize(ctx, conversationID, actorID); err != nil {
		return nil, err
	}
	unread, err := s.msgs.ListUnreadFor(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	receipts := make([]ReadReceipt, 0, len(unread))
	for _, u := range unread {
		m, r, changed, err := s.msgs.MarkRead(ctx, u.ID, actorID)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		receipts = append(receipts, ReadReceipt{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			ReaderID:       actorID,
			ReadAt:         r.At,
		})
	}
	if err := s.convs.ResetUnread(ctx, conversationID, actorID); err != nil {
		return nil, fmt.Errorf("service.MarkConversationRead: %w", err)
	}
	return receipts, nil
}

func (s *ChatService) EditMessage(ctx context.Context, actorID, messageID, content string) (*model.Message, error) {
	if err := s.ensureStillParticipant(ctx, actorID, messageID); err != nil {
		return nil, err
	}
	return s.msgs.Edit(ctx, messageID, actorID, content)
}

func (s *ChatService) DeleteMessage(ctx context.Context, actorID, messageID string) (*model.Message, error) {
	if err := s.ensureStillParticipant(ctx, actorID, messageID); err != nil {
		return nil, err
	}
	return s.msgs.Delete(ctx, messageID, actorID)
}

// ensureStillParticipant hides messages of conversations the actor cannot see.
func (s *ChatService) ensureStillParticipant(ctx context.Context, actorID, messageID string) error {
	m, err := s.msgs.Get(ctx, messageID)
	if err != nil {
		return err
	}
	_, err = s.convs.Authorize(ctx, m.ConversationID, actorID)
	return err
}

// UnreadTotal sums the actor's unread counters over active conversations.
func (s *ChatService) UnreadTotal(ctx context.Context, actorID string) (int, error) {
	convs, err := s.convs.ListActiveFor(ctx, actorID)
	if err != nil {
		return 0, err
	}
	total := 0
	for i := range convs {
		total += convs[i].UnreadCounts.For(actorID)
	}
	return total, nil
}
