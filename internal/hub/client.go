package hub

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/roomsync/internal/logger"
)

type Client struct {
	Id   string
	Name string
	Room string
	Conn ConnLike
	Send chan []byte

	limiter *rate.Limiter
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// ReadPump forwards frames to the manager until the connection fails. It
// unregisters the client on the way out.
func (c *Client) ReadPump(ctx context.Context, m *Manager) {
	defer m.Unregister(c)
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			logger.Debug("client_read_closed", "client_id", c.Id, "room", c.Room, "error", err)
			return
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}
		select {
		case m.InboundChan <- &Inbound{Client: c, Data: data}:
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// WritePump drains Send until the manager closes it, then closes the
// connection.
func (c *Client) WritePump() {
	defer c.Conn.Close()
	for data := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Debug("client_write_failed", "client_id", c.Id, "room", c.Room, "error", err)
			return
		}
	}
}
