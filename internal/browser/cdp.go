// Package browser drives Chromium over the Chrome DevTools Protocol.
//
// A Conn multiplexes one websocket to the browser endpoint. Each Page is an
// isolated browser context with its own flat-mode session.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned for calls on a closed connection
var ErrClosed = errors.New("cdp connection closed")

const writeWait = 10 * time.Second

// ProtocolError is an error response from the browser
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Method  string `json:"-"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cdp %s: %s (%d)", e.Method, e.Message, e.Code)
}

type request struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"sessionId,omitempty"`
	Method    string      `json:"method"`
	Params    interface{} `json:"params,omitempty"`
}

type message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
}

// Event is a protocol notification
type Event struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

// EventHandler receives events for a session. It runs on the read loop and must not block.
type EventHandler func(Event)

// Conn is a DevTools websocket connection
type Conn struct {
	ws  *websocket.Conn
	log *logrus.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan message
	handlers map[string]EventHandler // by session id
	closed   bool
	done     chan struct{}
}

// Dial connects to a browser websocket debugger URL
func Dial(ctx context.Context, wsURL string, log *logrus.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	// Screenshots arrive as large single frames
	ws.SetReadLimit(64 << 20)

	c := &Conn{
		ws:       ws,
		log:      log,
		pending:  make(map[int64]chan message),
		handlers: make(map[string]EventHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.WithError(err).Debug("cdp read loop ended")
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("invalid cdp message")
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}

		c.mu.Lock()
		h := c.handlers[msg.SessionID]
		c.mu.Unlock()
		if h != nil {
			h(Event{SessionID: msg.SessionID, Method: msg.Method, Params: msg.Params})
		}
	}
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pending = nil
	close(c.done)
}

// Call sends method with params on the session (empty for the browser target)
// and decodes the result into out when out is non-nil.
func (c *Conn) Call(ctx context.Context, sessionID, method string, params, out interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(request{ID: id, SessionID: sessionID, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return err
	}

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("cdp %s: write failed: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if msg.Error != nil {
			msg.Error.Method = method
			return msg.Error
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("cdp %s: decoding result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Subscribe routes events of a session to h. A nil h removes the route.
func (c *Conn) Subscribe(sessionID string, h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, sessionID)
		return
	}
	c.handlers[sessionID] = h
}

// Done is closed when the connection ends
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the websocket
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.ws.Close()
}
