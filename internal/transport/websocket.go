package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/logger"
	"github.com/pelusa-v/roomsync/internal/store"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// WebsocketChannel reaches a relay hub over a websocket. One read pump
// delivers every inbound frame, so callbacks run in receipt order.
type WebsocketChannel struct {
	handlers

	serverURL string
	room      string
	username  string
	dialer    *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	clientID  string
	send      chan []byte
	closing   chan struct{} // Close was called; writePump flushes send
	flushed   chan struct{} // writePump has exited
	done      chan struct{}
	closeOnce sync.Once
}

func NewWebsocketChannel(serverURL, room, username string) *WebsocketChannel {
	return &WebsocketChannel{
		serverURL: serverURL,
		room:      room,
		username:  username,
		dialer:    websocket.DefaultDialer,
		send:      make(chan []byte, sendBufferSize),
		closing:   make(chan struct{}),
		flushed:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RoomURL builds the websocket endpoint for room on an http(s) or ws(s) base.
func RoomURL(serverURL, room, username string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/api/ws/rooms/" + room
	u.RawQuery = url.Values{"user": []string{username}}.Encode()
	return u.String(), nil
}

func (c *WebsocketChannel) Connect(ctx context.Context) (Handle, error) {
	target, err := RoomURL(c.serverURL, c.room, c.username)
	if err != nil {
		return Handle{}, &ConnectError{Room: c.room, Err: err}
	}
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return Handle{}, &ConnectError{Room: c.room, Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return Handle{}, &ConnectError{Room: c.room, Err: fmt.Errorf("read welcome: %w", err)}
	}
	conn.SetReadDeadline(time.Time{})

	env, err := DecodeEnvelope(data)
	if err == nil && env.Type != TypeWelcome {
		err = fmt.Errorf("expected welcome, got %q %s", env.Type, env.Error)
	}
	var document doc.Map
	if err == nil {
		document, err = env.DocumentBody()
	}
	if err != nil {
		conn.Close()
		return Handle{}, &ConnectError{Room: c.room, Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.clientID = env.ClientID
	c.mu.Unlock()

	go c.writePump(conn)
	go c.readPump(conn)

	logger.Debug("ws_channel_connected", "room", c.room, "client_id", env.ClientID)
	return Handle{ClientID: env.ClientID, Document: document, Presence: env.PresenceBody()}, nil
}

// Done is closed once the connection is gone.
func (c *WebsocketChannel) Done() <-chan struct{} {
	return c.done
}

func (c *WebsocketChannel) readPump(conn *websocket.Conn) {
	defer c.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
			default:
				logger.Warn("ws_channel_read_failed", "room", c.room, "error", err)
			}
			return
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			logger.Warn("ws_channel_bad_frame", "room", c.room, "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *WebsocketChannel) dispatch(env *Envelope) {
	switch env.Type {
	case TypePatch:
		p, err := env.PatchBody()
		if err != nil {
			logger.Warn("ws_channel_bad_patch", "room", c.room, "error", err)
			return
		}
		c.emitPatch(p)
	case TypePresenceSnapshot:
		c.emitPresence(env.PresenceBody())
	case TypePresenceRequest:
		update, err := env.UpdateBody()
		if err != nil {
			logger.Warn("ws_channel_bad_presence_request", "room", c.room, "error", err)
			return
		}
		c.emitRequest(update, env.From)
	case TypeError:
		logger.Warn("ws_channel_hub_error", "room", c.room, "error", env.Error)
	}
}

// writePump sends queued frames in order. Once Close is called it drains
// what is still queued and ends with a close frame.
func (c *WebsocketChannel) writePump(conn *websocket.Conn) {
	defer close(c.flushed)
	for {
		select {
		case data := <-c.send:
			if err := c.write(conn, data); err != nil {
				logger.Warn("ws_channel_write_failed", "room", c.room, "error", err)
				conn.Close()
				go c.Close()
				return
			}
		case <-c.closing:
			if err := c.drain(conn); err != nil {
				logger.Warn("ws_channel_flush_failed", "room", c.room, "error", err)
				return
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

func (c *WebsocketChannel) drain(conn *websocket.Conn) error {
	for {
		select {
		case data := <-c.send:
			if err := c.write(conn, data); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *WebsocketChannel) write(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WebsocketChannel) enqueue(data []byte) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closing:
		return ErrClosed
	}
}

func (c *WebsocketChannel) BroadcastPatch(p doc.Map) error {
	b, err := EncodePatch(p)
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (c *WebsocketChannel) BroadcastPresence(rec store.Presence) error {
	b, err := EncodePresence(rec)
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (c *WebsocketChannel) RequestPresenceUpdate(clientID string, update doc.Map) error {
	b, err := EncodePresenceRequest(clientID, "", update)
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

// Close flushes frames already accepted by the Broadcast methods, sends a
// close frame and drops the connection. The flush is bounded by writeWait.
func (c *WebsocketChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			select {
			case <-c.flushed:
			case <-time.After(writeWait):
				logger.Warn("ws_channel_flush_timeout", "room", c.room, "pending", len(c.send))
			}
			conn.Close()
		}
		close(c.done)
	})
	return nil
}
