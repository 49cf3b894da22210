package model

import (
	"sort"
	"strings"
	"time"
)

type ConversationType string

const (
	ConversationTypeDirect ConversationType = "direct"
	// ConversationTypeGroup is reserved; the core only creates direct conversations.
	ConversationTypeGroup ConversationType = "group"
)

type Conversation struct {
	ID            string           `json:"id"`
	Type          ConversationType `json:"type"`
	Participants  []string         `json:"participants"`
	LastMessageID *string          `json:"last_message_id,omitempty"`
	LastMessageAt *time.Time       `json:"last_message_at,omitempty"`
	UnreadCounts  UnreadCounts     `json:"unread_counts"`
	IsActive      bool             `json:"is_active"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// UnreadCounts maps a participant's identity id to the number of messages
// sent by others since that participant last read the conversation.
type UnreadCounts map[string]int

func (u UnreadCounts) For(identityID string) int {
	if u == nil {
		return 0
	}
	return u[identityID]
}

// Total sums the counters, used for badge totals.
func (u UnreadCounts) Total() int {
	n := 0
	for _, c := range u {
		n += c
	}
	return n
}

func (c *Conversation) HasParticipant(identityID string) bool {
	for _, p := range c.Participants {
		if p == identityID {
			return true
		}
	}
	return false
}

// OtherParticipants returns every participant except identityID.
func (c *Conversation) OtherParticipants(identityID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != identityID {
			out = append(out, p)
		}
	}
	return out
}

// PairKey is the canonical, order-independent key of a direct conversation
// between a and b.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// NewDirectConversation builds an unsaved direct conversation with zeroed counters.
func NewDirectConversation(id, a, b string, now time.Time) *Conversation {
	participants := []string{a, b}
	sort.Strings(participants)
	return &Conversation{
		ID:           id,
		Type:         ConversationTypeDirect,
		Participants: participants,
		UnreadCounts: UnreadCounts{a: 0, b: 0},
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
