package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/carelink/internal/middleware"
	"github.com/carelink/internal/model"
	"github.com/carelink/internal/service"
)

// Notifier доставляет изменения, сделанные через REST, в живые соединения.
// Реализуется ws.Hub.
type Notifier interface {
	NotifyConversationCreated(conv *model.Conversation)
	NotifyConversationArchived(conv *model.Conversation)
	NotifyReadReceipts(receipts []service.ReadReceipt)
}

type ConversationHandler struct {
	chat     *service.ChatService
	notifier Notifier
}

func NewConversationHandler(chat *service.ChatService, notifier Notifier) *ConversationHandler {
	return &ConversationHandler{chat: chat, notifier: notifier}
}

// Routes монтируется под /api/conversations.
func (h *ConversationHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/unread", h.Unread)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Archive)
	r.Get("/{id}/messages", h.Messages)
	r.Post("/{id}/read", h.MarkRead)
}

type conversationView struct {
	model.Conversation
	UnreadCount int `json:"unread_count"`
}

// view скрывает чужие счётчики: участник видит только свой.
func view(conv model.Conversation, actorID string) conversationView {
	own := conv.UnreadCounts.For(actorID)
	conv.UnreadCounts = model.UnreadCounts{actorID: own}
	return conversationView{Conversation: conv, UnreadCount: own}
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convs, err := h.chat.ListConversations(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "handler.ListConversations", err)
		return
	}
	out := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, view(c, userID))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ConversationHandler) Unread(w http.ResponseWriter, r *http.Request) {
	total, err := h.chat.UnreadTotal(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, "handler.Unread", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total": total})
}

type createConversationRequest struct {
	ParticipantID string `json:"participant_id"`
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	conv, created, err := h.chat.StartConversation(r.Context(), userID, strings.TrimSpace(req.ParticipantID))
	if err != nil {
		writeServiceError(w, "handler.CreateConversation", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		if h.notifier != nil {
			h.notifier.NotifyConversationCreated(conv)
		}
	}
	writeJSON(w, status, view(*conv, userID))
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conv, err := h.chat.GetConversation(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "handler.GetConversation", err)
		return
	}
	writeJSON(w, http.StatusOK, view(*conv, userID))
}

func (h *ConversationHandler) Archive(w http.ResponseWriter, r *http.Request) {
	conv, err := h.chat.ArchiveConversation(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "handler.ArchiveConversation", err)
		return
	}
	if h.notifier != nil {
		h.notifier.NotifyConversationArchived(conv)
	}
	w.WriteHeader(http.StatusNoContent)
}
