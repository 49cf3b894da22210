package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/carelink/internal/auth"
	"github.com/carelink/internal/conversation"
	"github.com/carelink/internal/event"
	"github.com/carelink/internal/message"
	"github.com/carelink/internal/middleware"
	"github.com/carelink/internal/model"
	"github.com/carelink/internal/presence"
	"github.com/carelink/internal/room"
	"github.com/carelink/internal/service"
	"github.com/carelink/internal/storage/memory"
	"github.com/carelink/internal/ws"
)

type fixture struct {
	srv      *httptest.Server
	chat     *service.ChatService
	presence *presence.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := conversation.NewDirectory(memory.NewConversationStore())
	chat := service.NewChatService(dir, message.NewStore(memory.NewMessageStore(), dir), 0, 0)
	reg := presence.New(false)
	hub := ws.NewHub(reg, room.NewRouter(chat), chat, ws.Options{})

	resolver := auth.StaticResolver{
		"tok-patient":  {ID: "patient", Role: model.RolePatient, IsActive: true},
		"tok-doctor":   {ID: "doctor", Role: model.RoleClinician, IsActive: true},
		"tok-stranger": {ID: "stranger", Role: model.RolePatient, IsActive: true},
		"tok-disabled": {ID: "gone", Role: model.RolePatient},
	}
	convs := NewConversationHandler(chat, hub)
	wsh := NewWSHandler(hub, ws.ClientConfig{}, "*")

	r := chi.NewRouter()
	r.Use(middleware.RecoverJSON)
	r.Get("/health", Health)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(resolver))
		r.Get("/ws", wsh.ServeWS)
		r.Route("/api/conversations", convs.Routes)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return &fixture{srv: srv, chat: chat, presence: reg}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateConversationIsIdempotent(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/conversations", "tok-patient", createConversationRequest{ParticipantID: "doctor"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[conversationView](t, resp)
	require.ElementsMatch(t, []string{"patient", "doctor"}, first.Participants)

	resp = f.do(t, http.MethodPost, "/api/conversations", "tok-doctor", createConversationRequest{ParticipantID: "patient"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, first.ID, decode[conversationView](t, resp).ID)

	resp = f.do(t, http.MethodPost, "/api/conversations", "tok-patient", createConversationRequest{ParticipantID: "patient"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/conversations", "tok-patient", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConversationAccess(t *testing.T) {
	f := newFixture(t)
	conv, _, err := f.chat.StartConversation(context.Background(), "patient", "doctor")
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "tok-doctor", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "tok-stranger", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "forbidden", decode[errorResponse](t, resp).Error)

	// несуществующий и чужой неразличимы
	resp = f.do(t, http.MethodGet, "/api/conversations/no-such-id", "tok-doctor", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conversations", "tok-disabled", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conversations", "tok-stranger", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, decode[[]conversationView](t, resp))
}

func TestHistoryUnreadAndRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _, err := f.chat.StartConversation(ctx, "patient", "doctor")
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", "tok-doctor", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, decode[[]model.Message](t, resp))

	for i := 1; i <= 3; i++ {
		_, err := f.chat.SendMessage(ctx, "patient", conv.ID, message.Draft{Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	resp = f.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?limit=2", "tok-doctor", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[[]model.Message](t, resp)
	require.Len(t, page, 2)
	require.Equal(t, "m2", page[0].Content)
	require.Equal(t, "m3", page[1].Content)

	resp = f.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?before="+page[0].ID, "tok-doctor", nil)
	older := decode[[]model.Message](t, resp)
	require.Len(t, older, 1)
	require.Equal(t, "m1", older[0].Content)

	resp = f.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?before=missing", "tok-doctor", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for _, q := range []string{"limit=abc", "limit=-1", "limit=1.5"} {
		resp = f.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?"+q, "tok-doctor", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}

	resp = f.do(t, http.MethodGet, "/api/conversations/unread", "tok-doctor", nil)
	require.Equal(t, map[string]int{"total": 3}, decode[map[string]int](t, resp))

	resp = f.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "tok-doctor", nil)
	v := decode[conversationView](t, resp)
	require.Equal(t, 3, v.UnreadCount)
	require.NotContains(t, v.UnreadCounts, "patient")

	resp = f.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/read", "tok-doctor", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]int{"read": 3}, decode[map[string]int](t, resp))

	resp = f.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/read", "tok-doctor", nil)
	require.Equal(t, map[string]int{"read": 0}, decode[map[string]int](t, resp))

	resp = f.do(t, http.MethodGet, "/api/conversations/unread", "tok-doctor", nil)
	require.Equal(t, map[string]int{"total": 0}, decode[map[string]int](t, resp))
}

func TestArchiveHidesConversation(t *testing.T) {
	f := newFixture(t)
	conv, _, err := f.chat.StartConversation(context.Background(), "patient", "doctor")
	require.NoError(t, err)

	resp := f.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "tok-stranger", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "tok-patient", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "tok-patient", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conversations", "tok-doctor", nil)
	require.Empty(t, decode[[]conversationView](t, resp))
}

type wireEvent struct {
	Type    event.Type      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (f *fixture) dial(t *testing.T, token, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return f.presence.IsOnline(userID) }, 2*time.Second, 10*time.Millisecond)
	return conn
}

// readUntil пропускает события других типов, пока не придёт нужное.
func readUntil(t *testing.T, conn *websocket.Conn, typ event.Type) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev wireEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == typ {
			return ev
		}
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	f := newFixture(t)
	patient := f.dial(t, "tok-patient", "patient")
	doctor := f.dial(t, "tok-doctor", "doctor")

	resp := f.do(t, http.MethodPost, "/api/conversations", "tok-patient", createConversationRequest{ParticipantID: "doctor"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decode[conversationView](t, resp)

	var created event.ConversationPayload
	require.NoError(t, json.Unmarshal(readUntil(t, doctor, event.ConversationCreated).Payload, &created))
	require.Equal(t, conv.ID, created.ConversationID)

	require.NoError(t, patient.WriteJSON(event.Incoming{
		Type:           event.SendMessage,
		ConversationID: conv.ID,
		Content:        "Болит голова третий день",
		ClientTempID:   "tmp-1",
	}))

	var sent event.MessageSentPayload
	require.NoError(t, json.Unmarshal(readUntil(t, patient, event.MessageSent).Payload, &sent))
	require.Equal(t, "tmp-1", sent.ClientTempID)

	var incoming event.NewMessagePayload
	require.NoError(t, json.Unmarshal(readUntil(t, doctor, event.NewMessage).Payload, &incoming))
	require.Equal(t, sent.Message.ID, incoming.Message.ID)
	require.Equal(t, "patient", incoming.Message.SenderID)

	var delivered event.MessageDeliveredPayload
	require.NoError(t, json.Unmarshal(readUntil(t, doctor, event.MessageDelivered).Payload, &delivered))
	require.Equal(t, sent.Message.ID, delivered.MessageID)

	require.NoError(t, doctor.WriteJSON(event.Incoming{
		Type:           event.MessageRead,
		ConversationID: conv.ID,
		MessageID:      sent.Message.ID,
	}))
	var receipt event.ReadReceiptPayload
	require.NoError(t, json.Unmarshal(readUntil(t, patient, event.MessageReadReceipt).Payload, &receipt))
	require.Equal(t, "doctor", receipt.ReadBy)
}

func TestWebSocketRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=tok-disabled", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.False(t, f.presence.IsOnline("gone"))
}

func TestCheckOrigin(t *testing.T) {
	h := NewWSHandler(nil, ws.ClientConfig{}, "https://app.carelink.example, https://admin.carelink.example")
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	require.True(t, h.checkOrigin(r))

	r.Header.Set("Origin", "https://admin.carelink.example")
	require.True(t, h.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example")
	require.False(t, h.checkOrigin(r))
}
