package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carelink/internal/auth"
	"github.com/carelink/internal/config"
	"github.com/carelink/internal/conversation"
	"github.com/carelink/internal/message"
	"github.com/carelink/internal/model"
	"github.com/carelink/internal/presence"
	"github.com/carelink/internal/room"
	"github.com/carelink/internal/service"
	"github.com/carelink/internal/storage/memory"
	"github.com/carelink/internal/ws"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.CORSAllowedOrigins = "https://app.carelink.example"
	cfg.Server.RequestsPerSecond = 100
	cfg.Server.Burst = 100
	cfg.Server.InternalSecret = "s3cret"

	dir := conversation.NewDirectory(memory.NewConversationStore())
	chat := service.NewChatService(dir, message.NewStore(memory.NewMessageStore(), dir), 0, 0)
	hub := ws.NewHub(presence.New(false), room.NewRouter(chat), chat, ws.Options{})
	resolver := auth.StaticResolver{"tok": {ID: "patient", Role: model.RolePatient, IsActive: true}}
	return newRouter(cfg, chat, hub, resolver)
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestRouterWiring(t *testing.T) {
	h := testRouter(t)

	require.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)

	r := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

	r = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	r.Header.Set("Authorization", "Bearer tok")
	require.Equal(t, http.StatusOK, serve(h, r).Code)
}

func TestMetricsAreInternal(t *testing.T) {
	h := testRouter(t)

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.RemoteAddr = "203.0.113.7:5555"
	require.Equal(t, http.StatusForbidden, serve(h, r).Code)

	r = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.RemoteAddr = "203.0.113.7:5555"
	r.Header.Set("X-Internal-Secret", "s3cret")
	require.Equal(t, http.StatusOK, serve(h, r).Code)
}

func TestSplitOrigins(t *testing.T) {
	require.Equal(t, []string{"*"}, splitOrigins(""))
	require.Equal(t, []string{"https://a", "https://b"}, splitOrigins(" https://a, ,https://b "))
}
