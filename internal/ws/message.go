package ws

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/carelink/internal/event"
	"github.com/carelink/internal/logger"
	"github.com/carelink/internal/message"
	"github.com/carelink/internal/model"
)

const pushPreviewLen = 120

// handleSend follows a fixed order: persist, bump counters, broadcast to the
// room, confirm to the sender, then confirm delivery to online recipients.
// Nothing reaches other clients unless the first two steps succeeded.
func (h *Hub) handleSend(ctx context.Context, c event.Conn, in event.Incoming) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	if in.ConversationID == "" {
		h.send(c, event.ErrorEvent(in.Type, "conversation_id required"))
		return
	}
	d, err := h.chat.SendMessage(ctx, c.UserID(), in.ConversationID, message.Draft{
		Content:    in.Content,
		Type:       in.MessageType,
		Attachment: in.Attachment,
	})
	if err != nil {
		h.replyError(c, in.Type, err)
		return
	}
	h.metrics.MessageSent()
	m := d.Message

	h.rooms.Broadcast(m.ConversationID, event.Outgoing{Type: event.NewMessage, Payload: event.NewMessagePayload{
		ConversationID: m.ConversationID,
		Message:        m,
	}}, nil)

	h.send(c, event.Outgoing{Type: event.MessageSent, Payload: event.MessageSentPayload{
		ClientTempID: in.ClientTempID,
		Message:      m,
	}})

	for _, rid := range d.RecipientIDs {
		if !h.presence.IsOnline(rid) {
			h.notifyOffline(rid, c.UserID(), m)
			continue
		}
		r, _, err := h.chat.MarkDelivered(ctx, m.ID, rid)
		if err != nil {
			logger.Errorf("ws mark delivered msg=%s user=%s: %v", m.ID, rid, err)
			continue
		}
		h.presence.SendTo(rid, event.Outgoing{Type: event.MessageDelivered, Payload: event.MessageDeliveredPayload{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			DeliveredAt:    r.At,
		}})
	}
}

func (h *Hub) notifyOffline(recipientID, senderID string, m *model.Message) {
	if h.push == nil {
		return
	}
	body := m.Content
	if m.Type != model.MessageTypeText || body == "" {
		body = "Вложение"
	}
	if utf8.RuneCountInString(body) > pushPreviewLen {
		body = string([]rune(body)[:pushPreviewLen-3]) + "..."
	}
	data := map[string]string{"conversation_id": m.ConversationID, "message_id": m.ID, "sender_id": senderID}
	go h.push.Notify(context.Background(), recipientID, "Новое сообщение", body, data)
}

// handleRead is best-effort: failures are logged and never reach the client.
func (h *Hub) handleRead(ctx context.Context, c event.Conn, in event.Incoming) {
	if in.MessageID == "" {
		return
	}
	r, err := h.chat.MarkMessageRead(ctx, c.UserID(), in.ConversationID, in.MessageID)
	if err != nil {
		logger.Debugf("ws mark read msg=%s user=%s: %v", in.MessageID, c.UserID(), err)
		return
	}
	if r == nil {
		return
	}
	h.sendReadReceipt(*r)
}

func (h *Hub) handleEdit(ctx context.Context, c event.Conn, in event.Incoming) {
	if in.MessageID == "" || in.Content == "" {
		h.send(c, event.ErrorEvent(in.Type, "message_id and content required"))
		return
	}
	m, err := h.chat.EditMessage(ctx, c.UserID(), in.MessageID, in.Content)
	if err != nil {
		h.replyError(c, in.Type, err)
		return
	}
	at := m.CreatedAt
	if m.EditedAt != nil {
		at = *m.EditedAt
	}
	h.rooms.Broadcast(m.ConversationID, event.Outgoing{Type: event.MessageEdited, Payload: event.MessageEditedPayload{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		EditedAt:       at,
	}}, nil)
}

func (h *Hub) handleDelete(ctx context.Context, c event.Conn, in event.Incoming) {
	if in.MessageID == "" {
		h.send(c, event.ErrorEvent(in.Type, "message_id required"))
		return
	}
	m, err := h.chat.DeleteMessage(ctx, c.UserID(), in.MessageID)
	if err != nil {
		h.replyError(c, in.Type, err)
		return
	}
	h.rooms.Broadcast(m.ConversationID, event.Outgoing{Type: event.MessageDeleted, Payload: event.MessageDeletedPayload{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
	}}, nil)
}
