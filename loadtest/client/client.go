// Package client is a WebSocket test client for the relay. It connects with
// gobwas/ws (the same library the server uses), records the session id from
// session_created and tracks per-connection metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/marketchat/relay/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated relay participant.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	session   chan string
	sessionID string
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay WebSocket endpoint at url.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return newClient(conn, time.Since(start)), nil
}

// newClient wraps an established connection and starts the read loop.
func newClient(conn net.Conn, connectLatency time.Duration) *Client {
	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		session:  make(chan string, 1),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = connectLatency
	return c
}

// Start begins reading frames. Register handlers with On before calling it.
func (c *Client) Start() {
	go c.readLoop()
}

// Send writes msg as a JSON text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Register announces identity for this connection.
func (c *Client) Register(identity string) error {
	return c.Send(protocol.RegisterUserMsg{Type: protocol.TypeRegisterUser, Identity: identity})
}

// SendMessage submits a chat message.
func (c *Client) SendMessage(sender, receiver, body string) error {
	return c.Send(protocol.SendMessageMsg{
		Type:       protocol.TypeSendMessage,
		SenderID:   sender,
		ReceiverID: receiver,
		Body:       body,
	})
}

// On registers a handler for a server message type. Handlers run on the read
// loop goroutine; one handler per type.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForSession blocks until session_created arrives.
func (c *Client) WaitForSession(ctx context.Context) (string, error) {
	select {
	case id := <-c.session:
		c.mu.Lock()
		c.sessionID = id
		c.mu.Unlock()
		return id, nil
	case <-c.done:
		return "", fmt.Errorf("connection closed before session was created")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SessionID returns the id received by WaitForSession.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close closes the connection. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Metrics returns a copy of the client's metrics.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Type == protocol.TypeSessionCreated {
			var msg protocol.SessionCreatedMsg
			if err := json.Unmarshal(data, &msg); err == nil {
				select {
				case c.session <- msg.SessionID:
				default:
				}
			}
		}

		if handler, ok := c.handlers[env.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
