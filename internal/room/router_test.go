package room

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carelink/internal/conversation"
	"github.com/carelink/internal/event"
	"github.com/carelink/internal/event/eventtest"
	"github.com/carelink/internal/model"
	"github.com/carelink/internal/storage/memory"
)

func setup(t *testing.T) (*Router, *conversation.Directory, *model.Conversation) {
	t.Helper()
	dir := conversation.NewDirectory(memory.NewConversationStore())
	c, _, err := dir.FindOrCreate(context.Background(), "p", "d")
	require.NoError(t, err)
	return NewRouter(dir), dir, c
}

// roomsOf and memberCount read the router state directly.
func (r *Router) roomsOf(c event.Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.joined[c.ID()]))
	for id := range r.joined[c.ID()] {
		out = append(out, id)
	}
	return out
}

func (r *Router) memberCount(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[conversationID])
}

func ping(convID string) event.Outgoing {
	return event.Outgoing{Type: event.UserTyping, Payload: event.TypingPayload{ConversationID: convID}}
}

func TestSubscribeRejectsNonParticipant(t *testing.T) {
	r, _, c := setup(t)
	stranger := eventtest.NewConn("x")

	_, err := r.Subscribe(context.Background(), stranger, c.ID)
	require.ErrorIs(t, err, model.ErrForbidden)
	require.Empty(t, r.roomsOf(stranger))

	_, err = r.Subscribe(context.Background(), stranger, "missing")
	require.ErrorIs(t, err, model.ErrForbidden)

	require.Zero(t, r.Broadcast(c.ID, ping(c.ID), nil))
	require.Empty(t, stranger.Events())
}

func TestBroadcastExcludesOriginator(t *testing.T) {
	r, _, c := setup(t)
	p, d := eventtest.NewConn("p"), eventtest.NewConn("d")
	for _, conn := range []*eventtest.Conn{p, d} {
		_, err := r.Subscribe(context.Background(), conn, c.ID)
		require.NoError(t, err)
	}

	require.Equal(t, 1, r.Broadcast(c.ID, ping(c.ID), p))
	require.Empty(t, p.Events())
	require.Len(t, d.Events(), 1)

	require.Equal(t, 2, r.Broadcast(c.ID, ping(c.ID), nil))
}

func TestUnsubscribeAllClearsEveryRoom(t *testing.T) {
	r, dir, c := setup(t)
	other, _, err := dir.FindOrCreate(context.Background(), "p", "n")
	require.NoError(t, err)

	p := eventtest.NewConn("p")
	require.True(t, r.SubscribeConversation(p, c))
	require.True(t, r.SubscribeConversation(p, other))
	require.Len(t, r.roomsOf(p), 2)

	left := r.UnsubscribeAll(p)
	require.ElementsMatch(t, []string{c.ID, other.ID}, left)
	require.Empty(t, r.roomsOf(p))
	require.Zero(t, r.Broadcast(c.ID, ping(c.ID), nil))
	require.Zero(t, r.Broadcast(other.ID, ping(other.ID), nil))
	require.Empty(t, p.Events())

	require.Empty(t, r.UnsubscribeAll(p))
}

func TestClosedConnIsNotSubscribed(t *testing.T) {
	r, _, c := setup(t)
	p := eventtest.NewConn("p")
	p.Close()
	require.False(t, r.SubscribeConversation(p, c))
	require.Zero(t, r.memberCount(c.ID))
}

func TestCloseRoom(t *testing.T) {
	r, _, c := setup(t)
	p, d := eventtest.NewConn("p"), eventtest.NewConn("d")
	require.True(t, r.SubscribeConversation(p, c))
	require.True(t, r.SubscribeConversation(d, c))

	r.CloseRoom(c.ID)
	require.Zero(t, r.memberCount(c.ID))
	require.Empty(t, r.roomsOf(p))
	require.Empty(t, r.roomsOf(d))
}
