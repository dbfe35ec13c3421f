// Package transport manages the persistent push connection: one websocket
// per logged-in user, addressed by user id in the path. It owns no retry
// policy; a drop is surfaced through the status machine and the caller
// decides whether to reconnect. Inbound payloads are fanned out through the
// bus to whoever is subscribed at the moment of arrival — nothing is queued
// for late subscribers, since a history sync recovers anything missed.
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flybook/flybook/internal/bus"
	"github.com/flybook/flybook/internal/status"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Inbound image payloads carry base64 data URLs, so the default 32 KiB read
// limit is far too small.
const readLimit = 16 << 20

// Channel is the push connection for one session at a time.
type Channel struct {
	socketURL string
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	userID int64
}

// New creates a channel. socketURL is the ws:// base of the server.
func New(socketURL string, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Channel {
	return &Channel{
		socketURL: strings.TrimRight(socketURL, "/"),
		machine:   machine,
		bus:       b,
		logger:    logger,
	}
}

// Connect opens the push connection for userID. Calling it again for the
// same user while connected is a no-op; connecting for a different user
// without an intervening Disconnect is an error.
func (c *Channel) Connect(ctx context.Context, userID int64) error {
	c.mu.Lock()
	if c.conn != nil {
		bound := c.userID
		c.mu.Unlock()
		if bound == userID {
			return nil
		}
		return fmt.Errorf("push channel already bound to user %d", bound)
	}
	c.mu.Unlock()

	if err := c.machine.Transition(status.Connecting); err != nil {
		return err
	}

	u := fmt.Sprintf("%s/ws/%d", c.socketURL, userID)
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		_ = c.machine.Transition(status.Error)
		return fmt.Errorf("dial push channel: %w", err)
	}
	conn.SetReadLimit(readLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.userID = userID
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connected)
	c.logger.Info("push channel connected", zap.Int64("user_id", userID))

	go c.readLoop(readCtx, conn, userID)
	return nil
}

// Disconnect closes the connection and clears channel state.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.userID = 0
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.logger.Info("push channel disconnected")
	}
	if cur := c.machine.Current(); cur != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
	}
}

// Send writes one payload to the channel. Succeeds only while Connected.
func (c *Channel) Send(ctx context.Context, payload []byte) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || c.machine.Current() != status.Connected {
		c.logger.Warn("cannot send: push channel not connected")
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		c.logger.Warn("push channel write failed", zap.Error(err))
		return false
	}
	return true
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, userID int64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			active := c.conn == conn
			if active {
				c.conn = nil
				c.cancel = nil
				c.userID = 0
			}
			c.mu.Unlock()

			// Disconnect() already tore the channel down and moved the
			// machine; this loop just exits.
			if !active || ctx.Err() != nil {
				return
			}

			if code := websocket.CloseStatus(err); code != -1 {
				// Server-initiated close: echo the close frame before the
				// socket counts as closed.
				_ = conn.Close(websocket.StatusNormalClosure, "")
				c.logger.Info("push channel closed by server", zap.Int("code", int(code)))
				_ = c.machine.Transition(status.Disconnected)
			} else {
				_ = conn.Close(websocket.StatusInternalError, "read failure")
				c.logger.Warn("push channel read failed", zap.Error(err))
				_ = c.machine.Transition(status.Error)
			}
			return
		}

		c.bus.Publish(bus.Event{
			Kind:      "transport.recv",
			Session:   userID,
			Timestamp: time.Now(),
			Payload:   data,
		})
	}
}
