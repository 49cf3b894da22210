package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/carelink/internal/event"
	"github.com/carelink/internal/logger"
	"github.com/carelink/internal/metrics"
	"github.com/carelink/internal/model"
	"github.com/carelink/internal/presence"
	"github.com/carelink/internal/room"
	"github.com/carelink/internal/service"
)

var (
	ErrTooManyConnections = errors.New("ws: connection limit reached")
	ErrHubClosed          = errors.New("ws: hub is shut down")
)

const eventTimeout = 5 * time.Second

// PushNotifier отправляет пуш-уведомления офлайн-получателям. nil отключает пуши.
type PushNotifier interface {
	Notify(ctx context.Context, identityID, title, body string, data map[string]string)
}

type Options struct {
	MaxConnections int
	Push           PushNotifier
	Metrics        *metrics.Metrics
}

// Hub is the session handler: it binds live connections to presence and
// rooms and dispatches their inbound events.
type Hub struct {
	presence *presence.Registry
	rooms    *room.Router
	chat     *service.ChatService
	push     PushNotifier
	metrics  *metrics.Metrics
	maxConns int

	mu     sync.Mutex
	conns  map[string]event.Conn
	closed bool
	done   chan struct{}
}

func NewHub(reg *presence.Registry, rooms *room.Router, chat *service.ChatService, opts Options) *Hub {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10000
	}
	return &Hub{
		presence: reg,
		rooms:    rooms,
		chat:     chat,
		push:     opts.Push,
		metrics:  opts.Metrics,
		maxConns: opts.MaxConnections,
		conns:    make(map[string]event.Conn),
		done:     make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	<-ctx.Done()
	h.shutdown()
}

// Done is closed once Run has finished shutting down.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) shutdown() {
	// Собираем под мьютексом, закрываем без него (сетевой I/O).
	h.mu.Lock()
	h.closed = true
	all := make([]event.Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		if w, ok := c.(interface{ Wait() }); ok {
			w.Wait()
		}
	}
	logger.Infof("ws hub stopped, closed %d connections", len(all))
}

// Connect registers c with presence, subscribes it to every active
// conversation of its identity and announces the identity as online.
// When Connect fails the connection has already been cleaned up.
func (h *Hub) Connect(ctx context.Context, c event.Conn) error {
	defer logger.DeferLogDuration("ws.Connect", time.Now())()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.Close()
		return ErrHubClosed
	}
	if len(h.conns) >= h.maxConns {
		h.mu.Unlock()
		h.metrics.RejectedConnection()
		logger.Warnf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.UserID())
		c.Close()
		return ErrTooManyConnections
	}
	h.conns[c.ID()] = c
	h.mu.Unlock()

	cameOnline := h.presence.Register(c)

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	convs, err := h.chat.ListConversations(ctx, c.UserID())
	if err != nil {
		logger.Errorf("ws list conversations user=%s: %v", c.UserID(), err)
		h.Disconnect(c)
		return err
	}
	for i := range convs {
		h.rooms.SubscribeConversation(c, &convs[i])
	}
	h.recordPresence()

	if cameOnline {
		h.broadcastPresence(c.UserID(), true)
	}
	logger.Debugf("ws connected user=%s conn=%s rooms=%d", c.UserID(), c.ID(), len(convs))
	return nil
}

// Disconnect runs unconditionally when a connection ends, whatever state
// it reached. It is idempotent.
func (h *Hub) Disconnect(c event.Conn) {
	h.mu.Lock()
	_, tracked := h.conns[c.ID()]
	delete(h.conns, c.ID())
	h.mu.Unlock()

	c.Close()
	wentOffline := h.presence.Unregister(c)
	h.rooms.UnsubscribeAll(c)
	h.recordPresence()

	if wentOffline {
		h.broadcastPresence(c.UserID(), false)
	}
	if tracked {
		logger.Debugf("ws disconnected user=%s conn=%s", c.UserID(), c.ID())
	}
}

func (h *Hub) recordPresence() {
	conns, ids := h.presence.Count()
	h.metrics.SetPresence(conns, ids)
}

// broadcastPresence is best-effort: no retry, no delivery guarantee.
func (h *Hub) broadcastPresence(identityID string, online bool) {
	t := event.UserOffline
	if online {
		t = event.UserOnline
	}
	out := event.Outgoing{Type: t, Payload: event.PresencePayload{UserID: identityID, Online: online}}
	for _, other := range h.presence.ListOnline() {
		if other != identityID {
			h.presence.SendTo(other, out)
		}
	}
}

// HandleEvent dispatches one inbound event from c.
func (h *Hub) HandleEvent(ctx context.Context, c event.Conn, in event.Incoming) {
	h.metrics.InboundEvent(string(in.Type))
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	switch in.Type {
	case event.JoinConversation:
		h.handleJoin(ctx, c, in)
	case event.SendMessage:
		h.handleSend(ctx, c, in)
	case event.MessageRead:
		h.handleRead(ctx, c, in)
	case event.TypingStart:
		h.handleTyping(ctx, c, in, event.UserTyping)
	case event.TypingStop:
		h.handleTyping(ctx, c, in, event.UserStopTyping)
	case event.EditMessage:
		h.handleEdit(ctx, c, in)
	case event.DeleteMessage:
		h.handleDelete(ctx, c, in)
	default:
		h.send(c, event.ErrorEvent(in.Type, "unknown event type"))
	}
}

func (h *Hub) handleJoin(ctx context.Context, c event.Conn, in event.Incoming) {
	if in.ConversationID == "" {
		h.send(c, event.ErrorEvent(in.Type, "conversation_id required"))
		return
	}
	conv, err := h.rooms.Subscribe(ctx, c, in.ConversationID)
	if err != nil {
		h.replyError(c, in.Type, err)
		return
	}
	h.send(c, event.Outgoing{Type: event.ConversationJoined, Payload: event.ConversationPayload{
		ConversationID: conv.ID,
		Conversation:   conv,
	}})
}

// handleTyping is fire-and-forget: invalid requests are dropped silently.
func (h *Hub) handleTyping(ctx context.Context, c event.Conn, in event.Incoming, out event.Type) {
	if in.ConversationID == "" {
		return
	}
	conv, err := h.chat.Authorize(ctx, in.ConversationID, c.UserID())
	if err != nil {
		return
	}
	h.rooms.Broadcast(conv.ID, event.Outgoing{Type: out, Payload: event.TypingPayload{
		ConversationID: conv.ID,
		UserID:         c.UserID(),
	}}, c)
}

// NotifyConversationCreated subscribes the online participants of a new
// conversation to its room and tells them about it.
func (h *Hub) NotifyConversationCreated(conv *model.Conversation) {
	out := event.Outgoing{Type: event.ConversationCreated, Payload: event.ConversationPayload{
		ConversationID: conv.ID,
		Conversation:   conv,
	}}
	for _, id := range conv.Participants {
		conns, ok := h.presence.Lookup(id)
		if !ok {
			continue
		}
		for _, c := range conns {
			h.rooms.SubscribeConversation(c, conv)
			h.send(c, out)
		}
	}
}

// NotifyConversationArchived drops the room of a deactivated conversation.
func (h *Hub) NotifyConversationArchived(conv *model.Conversation) {
	h.rooms.CloseRoom(conv.ID)
}

// NotifyReadReceipts relays receipts to senders that are online.
func (h *Hub) NotifyReadReceipts(receipts []service.ReadReceipt) {
	for _, r := range receipts {
		h.sendReadReceipt(r)
	}
}

func (h *Hub) sendReadReceipt(r service.ReadReceipt) {
	h.presence.SendTo(r.SenderID, event.Outgoing{Type: event.MessageReadReceipt, Payload: event.ReadReceiptPayload{
		MessageID:      r.MessageID,
		ConversationID: r.ConversationID,
		ReadBy:         r.ReaderID,
		ReadAt:         r.ReadAt,
	}})
}

func (h *Hub) replyError(c event.Conn, in event.Type, err error) {
	if msg := model.PublicMessage(err); msg == "internal error" {
		logger.Errorf("ws %s user=%s: %v", in, c.UserID(), err)
	}
	h.send(c, event.ErrorEvent(in, model.PublicMessage(err)))
}

// send is non-blocking; a slow or closed connection drops the event.
func (h *Hub) send(c event.Conn, ev event.Outgoing) {
	c.Send(ev)
}
