// Package push отправляет уведомления офлайн-получателям через внешний push-сервис.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/carelink/internal/logger"
)

// Client вызывает микросервис пуш-уведомлений. Реализует ws.PushNotifier.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient создаёт клиент. secret уходит в X-Internal-Secret, если задан.
func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NotifyRequest — запрос на отправку уведомления.
type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Notify best-effort: ошибки только логируются, отправитель сообщения о них не узнаёт.
func (c *Client) Notify(ctx context.Context, identityID, title, body string, data map[string]string) {
	if err := c.send(ctx, NotifyRequest{UserID: identityID, Title: title, Body: body, Data: data}); err != nil {
		logger.Errorf("push notify user=%s: %v", identityID, err)
	}
}

func (c *Client) send(ctx context.Context, payload NotifyRequest) error {
	defer logger.DeferLogDuration("push.Notify", time.Now())()
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/notify", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Internal-Secret", c.secret)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push service status %d", resp.StatusCode)
	}
	return nil
}
