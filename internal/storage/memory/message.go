package memory

import (
	"context"
	"sync"
	"time"

	"github.com/carelink/internal/model"
)

type MessageStore struct {
	mu   sync.RWMutex
	msgs map[string]*model.Message
	// byConv keeps message ids per conversation in creation order.
	byConv map[string][]string
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		msgs:   make(map[string]*model.Message),
		byConv: make(map[string][]string),
	}
}

func (s *MessageStore) Create(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.msgs[m.ID]; dup {
		return model.ErrConflict
	}
	s.msgs[m.ID] = cloneMessage(m)
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	return nil
}

func (s *MessageStore) GetByID(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MessageStore) ListBefore(ctx context.Context, conversationID string, before *model.Message, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	start := len(ids) - 1
	if before != nil {
		start = -1
		for i := len(ids) - 1; i >= 0; i-- {
			if ids[i] == before.ID {
				start = i - 1
				break
			}
		}
	}
	out := make([]model.Message, 0, limit)
	for i := start; i >= 0 && len(out) < limit; i-- {
		m := s.msgs[ids[i]]
		if m.IsDeleted {
			continue
		}
		out = append(out, *cloneMessage(m))
	}
	return out, nil
}

func (s *MessageStore) ListUnreadFor(ctx context.Context, conversationID, userID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Message
	for _, id := range s.byConv[conversationID] {
		m := s.msgs[id]
		if m.IsDeleted || m.SenderID == userID {
			continue
		}
		if _, read := m.ReadFor(userID); read {
			continue
		}
		out = append(out, *cloneMessage(m))
	}
	return out, nil
}

func (s *MessageStore) AddDelivery(ctx context.Context, messageID, userID string, at time.Time) (model.Receipt, bool, error) {
	return s.addReceipt(messageID, userID, at, func(m *model.Message) *[]model.Receipt { return &m.DeliveredTo })
}

func (s *MessageStore) AddRead(ctx context.Context, messageID, userID string, at time.Time) (model.Receipt, bool, error) {
	return s.addReceipt(messageID, userID, at, func(m *model.Message) *[]model.Receipt { return &m.ReadBy })
}

func (s *MessageStore) addReceipt(messageID, userID string, at time.Time, field func(*model.Message) *[]model.Receipt) (model.Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[messageID]
	if !ok {
		return model.Receipt{}, false, model.ErrNotFound
	}
	rs := field(m)
	for _, r := range *rs {
		if r.UserID == userID {
			return r, false, nil
		}
	}
	r := model.Receipt{UserID: userID, At: at}
	*rs = append(*rs, r)
	return r, true, nil
}

func (s *MessageStore) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.IsDeleted {
		return model.ErrNotFound
	}
	ts := at
	m.Content = content
	m.IsEdited = true
	m.EditedAt = &ts
	return nil
}

func (s *MessageStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return model.ErrNotFound
	}
	if m.IsDeleted {
		return nil
	}
	ts := at
	m.IsDeleted = true
	m.DeletedAt = &ts
	m.Content = ""
	m.Attachment = nil
	return nil
}

func cloneMessage(m *model.Message) *model.Message {
	cp := *m
	cp.DeliveredTo = append([]model.Receipt(nil), m.DeliveredTo...)
	cp.ReadBy = append([]model.Receipt(nil), m.ReadBy...)
	if m.Attachment != nil {
		a := *m.Attachment
		cp.Attachment = &a
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}
