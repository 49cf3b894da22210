// Package eventtest provides an in-memory event.Conn for tests.
package eventtest

import (
	"sync"

	"github.com/google/uuid"

	"github.com/carelink/internal/event"
)

// Conn records every event it is sent. Safe for concurrent use.
type Conn struct {
	id     string
	userID string

	mu     sync.Mutex
	events []event.Outgoing
	done   chan struct{}
	once   sync.Once
}

func NewConn(userID string) *Conn {
	return &Conn{id: uuid.NewString(), userID: userID, done: make(chan struct{})}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Send(ev event.Outgoing) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return true
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// Events returns a copy of everything received so far.
func (c *Conn) Events() []event.Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Outgoing, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns the received events of type t, in arrival order.
func (c *Conn) OfType(t event.Type) []event.Outgoing {
	var out []event.Outgoing
	for _, ev := range c.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops the recorded events.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
