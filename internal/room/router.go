// Package room fans events out to the live connections subscribed to a
// conversation. Rooms are process-local and rebuilt from each session's
// active conversations; membership itself is owned by the directory.
package room

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/carelink/internal/event"
	"github.com/carelink/internal/model"
)

// Authorizer resolves a conversation for a participant, failing with
// model.ErrForbidden otherwise.
type Authorizer interface {
	Authorize(ctx context.Context, conversationID, identityID string) (*model.Conversation, error)
}

type Router struct {
	auth Authorizer

	mu     sync.RWMutex
	rooms  map[string]map[string]event.Conn // conversation -> conn id -> conn
	joined map[string]map[string]struct{}   // conn id -> conversations
}

func NewRouter(auth Authorizer) *Router {
	return &Router{
		auth:   auth,
		rooms:  make(map[string]map[string]event.Conn),
		joined: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds c to the conversation's room after checking membership.
func (r *Router) Subscribe(ctx context.Context, c event.Conn, conversationID string) (*model.Conversation, error) {
	conv, err := r.auth.Authorize(ctx, conversationID, c.UserID())
	if err != nil {
		return nil, fmt.Errorf("room.Subscribe: %w", err)
	}
	r.add(c, conv.ID)
	return conv, nil
}

// SubscribeConversation adds c to an already loaded conversation's room.
// It reports false when c's identity does not participate.
func (r *Router) SubscribeConversation(c event.Conn, conv *model.Conversation) bool {
	if conv == nil || !conv.IsActive || !conv.HasParticipant(c.UserID()) {
		return false
	}
	return r.add(c, conv.ID)
}

func (r *Router) add(c event.Conn, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	// закрытое соединение не подписываем: UnsubscribeAll для него уже мог отработать
	select {
	case <-c.Done():
		return false
	default:
	}
	members := r.rooms[conversationID]
	if members == nil {
		members = make(map[string]event.Conn)
		r.rooms[conversationID] = members
	}
	members[c.ID()] = c
	set := r.joined[c.ID()]
	if set == nil {
		set = make(map[string]struct{})
		r.joined[c.ID()] = set
	}
	set[conversationID] = struct{}{}
	return true
}

// Broadcast delivers ev to every connection in the room except exclude (may be
// nil). It returns the number of connections that accepted the event.
func (r *Router) Broadcast(conversationID string, ev event.Outgoing, exclude event.Conn) int {
	r.mu.RLock()
	targets := make([]event.Conn, 0, len(r.rooms[conversationID]))
	for _, c := range r.rooms[conversationID] {
		if exclude != nil && c.ID() == exclude.ID() {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.Send(ev) {
			sent++
		}
	}
	return sent
}

// UnsubscribeAll removes c from every room and returns the conversations it had joined.
func (r *Router) UnsubscribeAll(c event.Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.joined[c.ID()]
	out := make([]string, 0, len(set))
	for convID := range set {
		out = append(out, convID)
		r.removeLocked(c.ID(), convID)
	}
	delete(r.joined, c.ID())
	sort.Strings(out)
	return out
}

// CloseRoom drops the room entirely, e.g. after the conversation is archived.
func (r *Router) CloseRoom(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID := range r.rooms[conversationID] {
		r.removeLocked(connID, conversationID)
	}
	delete(r.rooms, conversationID)
}

func (r *Router) removeLocked(connID, conversationID string) {
	if members := r.rooms[conversationID]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, conversationID)
		}
	}
	if set := r.joined[connID]; set != nil {
		delete(set, conversationID)
		if len(set) == 0 {
			delete(r.joined, connID)
		}
	}
}
