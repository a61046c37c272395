package notifications

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"closer/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	// Outbound frames buffered per connection before drops start.
	sendBufferSize = 256
)

var dropNotice = []byte(`{"type":"` + EventMessagesDropped + `","payload":{"reason":"buffer_full"}}`)

// Client is one live-channel connection. It always belongs to its user's private
// channel and to any rooms it joined; membership is guarded by the LiveChannel.
type Client struct {
	channel *LiveChannel

	// The websocket connection. Nil for connections registered in tests.
	Conn *websocket.Conn

	// Buffered channel of outbound frames.
	Send chan []byte

	UserID uint

	// Callback for handling inbound frames.
	IncomingHandler func(*Client, []byte)

	// OnActivity is called for every inbound frame.
	OnActivity func(userID uint)

	rooms map[string]struct{}

	// dropped is set when a frame was dropped and the notice is still owed.
	dropped atomic.Bool

	// quit tells WritePump to send closeFrame and stop.
	quit       chan struct{}
	closeOnce  sync.Once
	closeFrame []byte
}

func newClient(ch *LiveChannel, conn *websocket.Conn, userID uint) *Client {
	return &Client{
		channel: ch,
		Conn:    conn,
		UserID:  userID,
		Send:    make(chan []byte, sendBufferSize),
		rooms:   make(map[string]struct{}),
		quit:    make(chan struct{}),
	}
}

// CloseWith asks the writer to send a close frame with code and reason, then
// stop. Only WritePump touches the connection.
func (c *Client) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeFrame = websocket.FormatCloseMessage(code, reason)
		close(c.quit)
	})
}

// Done is closed once CloseWith was called.
func (c *Client) Done() <-chan struct{} { return c.quit }

// ReadPump reads inbound frames until the connection fails, then unregisters.
func (c *Client) ReadPump() {
	defer func() {
		c.channel.Unregister(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { _ = c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				observability.LiveLogger("client").Warn("read failed",
					slog.Uint64("user_id", uint64(c.UserID)), slog.String("error", err.Error()))
			}
			break
		}

		if c.OnActivity != nil {
			c.OnActivity(c.UserID)
		}
		if c.IncomingHandler != nil {
			c.IncomingHandler(c, message)
		}
	}
}

// WritePump writes queued frames and keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

			if c.dropped.CompareAndSwap(true, false) {
				if err := c.Conn.WriteMessage(websocket.TextMessage, dropNotice); err != nil {
					return
				}
			}

		case <-c.quit:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, c.closeFrame)
			return

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues message without blocking. A full buffer drops the message; the
// writer sends one messages_dropped notice once the buffer drains so the client
// can re-fetch.
func (c *Client) TrySend(message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			observability.WebSocketBackpressureDrops.WithLabelValues("closed").Inc()
		}
	}()

	select {
	case c.Send <- message:
		return true
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues("full").Inc()
		observability.LiveLogger("client").Warn("send buffer full, dropped frame",
			slog.Uint64("user_id", uint64(c.UserID)))
		c.dropped.Store(true)
		return false
	}
}
