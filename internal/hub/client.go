package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"genrelay/internal/logging"
	"genrelay/internal/messages"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBuffer     = 64
)

var errClientGone = errors.New("client disconnected")
var errSlowClient = errors.New("client send buffer full")

type client struct {
	hub   *Server
	conn  *websocket.Conn
	role  string
	tabID int

	send chan []byte
	pong chan struct{}

	mu     sync.Mutex
	url    string
	closed bool
	done   chan struct{}
}

func newClient(s *Server, conn *websocket.Conn, role string) *client {
	return &client{
		hub:  s,
		conn: conn,
		role: role,
		send: make(chan []byte, sendBuffer),
		pong: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (c *client) setURL(url string) {
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
}

func (c *client) currentURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// enqueue hands data to the write pump without blocking.
func (c *client) enqueue(msg messages.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientGone
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSlowClient
	}
}

// ping sends a websocket ping and waits up to wait for the pong.
func (c *client) ping(ctx context.Context, wait time.Duration) error {
	select {
	case <-c.pong:
	default:
	}
	if err := c.conn.WriteControl(websocket.PingMessage, []byte("tab"), time.Now().Add(writeWait)); err != nil {
		return err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-c.pong:
		return nil
	case <-c.done:
		return errClientGone
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("pong timeout")
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	close(c.send)
	c.mu.Unlock()
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.close()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		select {
		case c.pong <- struct{}{}:
		default:
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", logging.String("role", c.role), logging.Error(err))
			}
			return
		}
		var msg messages.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug("invalid frame", logging.String("role", c.role), logging.Error(err))
			continue
		}
		c.hub.inbound(ctx, c, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debug("websocket write error", logging.String("role", c.role), logging.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
