// Package memory holds in-process implementations of the storage interfaces.
// They back the test suites and the -memory run mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carelink/internal/model"
)

type ConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*model.Conversation
	// pairs indexes active direct conversations by model.PairKey.
	pairs map[string]string
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		convs: make(map[string]*model.Conversation),
		pairs: make(map[string]string),
	}
}

func (s *ConversationStore) CreateDirect(ctx context.Context, c *model.Conversation) (*model.Conversation, bool, error) {
	if len(c.Participants) != 2 || c.Participants[0] == c.Participants[1] {
		return nil, false, model.ErrInvalidInput
	}
	key := model.PairKey(c.Participants[0], c.Participants[1])
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pairs[key]; ok {
		return cloneConversation(s.convs[id]), false, nil
	}
	if _, dup := s.convs[c.ID]; dup {
		return nil, false, model.ErrConflict
	}
	stored := cloneConversation(c)
	s.convs[c.ID] = stored
	s.pairs[key] = c.ID
	return cloneConversation(stored), true, nil
}

func (s *ConversationStore) FindDirect(ctx context.Context, a, b string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pairs[model.PairKey(a, b)]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneConversation(s.convs[id]), nil
}

func (s *ConversationStore) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneConversation(c), nil
}

// ListActiveFor returns conversations ordered by latest activity, newest first.
func (s *ConversationStore) ListActiveFor(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	out := make([]model.Conversation, 0, 8)
	for _, c := range s.convs {
		if c.IsActive && c.HasParticipant(userID) {
			out = append(out, *cloneConversation(c))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		ai, aj := activity(&out[i]), activity(&out[j])
		if ai.Equal(aj) {
			return out[i].ID > out[j].ID
		}
		return ai.After(aj)
	})
	return out, nil
}

func (s *ConversationStore) IsParticipant(ctx context.Context, id, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok || !c.IsActive {
		return false, nil
	}
	return c.HasParticipant(userID), nil
}

func (s *ConversationStore) IncrementUnread(ctx context.Context, id, userID string) error {
	return s.mutate(id, userID, func(c *model.Conversation) { c.UnreadCounts[userID]++ })
}

func (s *ConversationStore) ResetUnread(ctx context.Context, id, userID string) error {
	return s.mutate(id, userID, func(c *model.Conversation) { c.UnreadCounts[userID] = 0 })
}

func (s *ConversationStore) SetLastMessage(ctx context.Context, id, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok || !c.IsActive {
		return model.ErrNotFound
	}
	// указатель только движется вперёд по (at, messageID)
	if c.LastMessageAt != nil && c.LastMessageID != nil && isNewer(*c.LastMessageAt, *c.LastMessageID, at, messageID) {
		return nil
	}
	mid := messageID
	ts := at
	c.LastMessageID = &mid
	c.LastMessageAt = &ts
	c.UpdatedAt = at
	return nil
}

func (s *ConversationStore) Deactivate(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok || !c.IsActive {
		return model.ErrNotFound
	}
	c.IsActive = false
	c.UpdatedAt = at
	if c.Type == model.ConversationTypeDirect && len(c.Participants) == 2 {
		key := model.PairKey(c.Participants[0], c.Participants[1])
		if s.pairs[key] == id {
			delete(s.pairs, key)
		}
	}
	return nil
}

// mutate applies fn to an active conversation's counters; userID must be a participant.
func (s *ConversationStore) mutate(id, userID string, fn func(*model.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok || !c.IsActive {
		return model.ErrNotFound
	}
	if !c.HasParticipant(userID) {
		return model.ErrForbidden
	}
	if c.UnreadCounts == nil {
		c.UnreadCounts = make(model.UnreadCounts, len(c.Participants))
	}
	fn(c)
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// isNewer reports whether (at, id) sorts strictly after (otherAt, otherID).
func isNewer(at time.Time, id string, otherAt time.Time, otherID string) bool {
	if !at.Equal(otherAt) {
		return at.After(otherAt)
	}
	return id > otherID
}

func activity(c *model.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func cloneConversation(c *model.Conversation) *model.Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.UnreadCounts = make(model.UnreadCounts, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		cp.UnreadCounts[k] = v
	}
	if c.LastMessageID != nil {
		id := *c.LastMessageID
		cp.LastMessageID = &id
	}
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		cp.LastMessageAt = &at
	}
	return &cp
}
