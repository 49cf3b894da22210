package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/carelink/internal/event"
	"github.com/carelink/internal/logger"
	"github.com/carelink/internal/model"
)

// ClientConfig holds transport limits of a single connection.
type ClientConfig struct {
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageSize  int64
	EventsPerSecond float64
	EventBurst      int
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 32 << 10
	}
	if cfg.EventsPerSecond <= 0 {
		cfg.EventsPerSecond = 20
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 40
	}
	return cfg
}

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client is a websocket connection bound to one identity. It implements event.Conn.
// Lifecycle: NewClient -> hub.Connect -> Start -> [readPump, writePump] -> hub.Disconnect -> Wait.
type Client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	identity model.Identity
	cfg      ClientConfig
	send     chan event.Outgoing
	limiter  *rate.Limiter

	// done is used as a non-blocking guard in Send.
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewClient(hub *Hub, conn *websocket.Conn, identity model.Identity, cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		id:       uuid.NewString(),
		hub:      hub,
		conn:     conn,
		identity: identity,
		cfg:      cfg,
		send:     make(chan event.Outgoing, cfg.SendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.EventBurst),
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() string            { return c.id }
func (c *Client) UserID() string        { return c.identity.ID }
func (c *Client) Done() <-chan struct{} { return c.done }

// Send queues ev without blocking. A full buffer means the client cannot keep
// up; it is closed and the event dropped.
func (c *Client) Send(ev event.Outgoing) bool {
	select {
	case <-c.done:
		c.hub.metrics.DroppedEvent()
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		logger.Warnf("ws send buffer full, closing slow client user=%s", c.UserID())
		c.hub.metrics.DroppedEvent()
		c.Close()
		return false
	}
}

// Start launches readPump and writePump. The pumps stop when ctx is
// cancelled or the connection fails.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	// Close мог случиться до Start
	select {
	case <-c.done:
		cancel()
	default:
	}
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// readPump reads events until the connection fails, then disconnects the
// client from the hub unconditionally.
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer c.hub.Disconnect(c)

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.UserID(), err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("ws read error user=%s: %v", c.UserID(), err)
			}
			return
		}

		var in event.Incoming
		if err := json.Unmarshal(raw, &in); err != nil {
			c.Send(event.ErrorEvent("", "malformed event"))
			continue
		}
		if !c.limiter.Allow() {
			c.Send(event.ErrorEvent(in.Type, "rate limit exceeded"))
			continue
		}
		c.hub.HandleEvent(ctx, c, in)
	}
}

// writePump writes queued events and pings. Exits on ctx cancellation,
// write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(c.cfg.WriteWait)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && err != websocket.ErrCloseSent {
				logger.Debugf("ws close message user=%s: %v", c.UserID(), err)
			}
			return
		case ev := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.UserID(), err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(ev); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", c.UserID(), err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.UserID(), err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
