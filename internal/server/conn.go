package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GGPrompts/termhub/internal/router"
)

// wsConnection wraps one websocket client and implements router.Connection.
// Sends are serialized under a mutex; once the socket errors the connection
// stays dead and further sends are dropped silently.
type wsConnection struct {
	id   string
	conn *websocket.Conn
	ctx  context.Context

	mu    sync.Mutex
	alive bool
}

func newWSConnection(id string, conn *websocket.Conn, ctx context.Context) *wsConnection {
	return &wsConnection{id: id, conn: conn, ctx: ctx, alive: true}
}

func (c *wsConnection) ID() string { return c.id }

func (c *wsConnection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Send writes one JSON message. Failures mark the connection dead and are
// never surfaced as faults; session events addressed to a closed connection
// just disappear.
func (c *wsConnection) Send(msg router.Response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return false
	}

	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		c.alive = false
		return false
	}
	return true
}

func (c *wsConnection) markDead() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

// tokenBucket rate-limits inbound messages per connection: short paste
// bursts pass, sustained floods are dropped.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(burst int, rate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	tb.lastRefill = now
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
