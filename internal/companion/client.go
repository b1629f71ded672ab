package companion

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer; DOM snapshots can be large
	maxMessageSize = 16 << 20
)

// Message types of the companion protocol.
const (
	TypeExtensionConnected = "extension-connected"
	TypeAuthSuccess        = "auth-success"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeGetDOMContent      = "get-dom-content"
	TypeDOMContent         = "dom-content"
	TypeDOMContentError    = "dom-content-error"
)

// Message is a JSON text frame exchanged with the in-sandbox extension.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	HTML      string `json:"html,omitempty"`
	Error     string `json:"error,omitempty"`
}

type domResult struct {
	html string
	err  error
}

// Client is one open companion connection.
type Client struct {
	ID string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	sessionID     string
	authenticated bool
	closed        bool
	lastActivity  time.Time
	authTimer     *time.Timer
	waiters       []chan domResult
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:           id,
		conn:         conn,
		lastActivity: time.Now(),
	}
}

// SessionID is empty until the client authenticates.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Authenticated reports whether the handshake completed.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// LastActivity is the time of the last received message.
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// promote marks the client authenticated for sessionID. It fails when the
// connection was already closed, e.g. by the auth timer.
func (c *Client) promote(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.sessionID = sessionID
	c.authenticated = true
	return true
}

// writeJSON serializes writes; gorilla allows one concurrent writer.
func (c *Client) writeJSON(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// closeWith sends a close frame with code and reason, then closes the
// socket. Only the first call has any effect.
func (c *Client) closeWith(code int, reason string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.mu.Unlock()

	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	c.conn.Close()
	return true
}

func (c *Client) addWaiter() chan domResult {
	ch := make(chan domResult, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	return ch
}

func (c *Client) removeWaiter(ch chan domResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// resolve hands res to every pending DOM request.
func (c *Client) resolve(res domResult) int {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- res:
		default:
		}
	}
	return len(waiters)
}
