package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carelink/internal/middleware"
	"github.com/carelink/internal/model"
)

// Messages отдаёт страницу истории, старые первыми. Курсор before: id сообщения.
// Без limit берётся размер по умолчанию, больший максимума обрезается.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeServiceError(w, "handler.Messages", err)
		return
	}
	msgs, err := h.chat.History(r.Context(), userID, chi.URLParam(r, "id"), r.URL.Query().Get("before"), limit)
	if err != nil {
		writeServiceError(w, "handler.Messages", err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	receipts, err := h.chat.MarkConversationRead(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "handler.MarkRead", err)
		return
	}
	if h.notifier != nil && len(receipts) > 0 {
		h.notifier.NotifyReadReceipts(receipts)
	}
	writeJSON(w, http.StatusOK, map[string]int{"read": len(receipts)})
}
