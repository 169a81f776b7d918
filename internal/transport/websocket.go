package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	// Final frames carry full resolution samples.
	defaultReadLimit = 64 << 20
)

// WSDialer dials the service with gorilla/websocket.
type WSDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

// NewWSDialer returns a WSDialer with default timeouts and read limit.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		HandshakeTimeout: defaultHandshakeTimeout,
		WriteTimeout:     defaultWriteTimeout,
		ReadLimit:        defaultReadLimit,
	}
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("error dialing %s (status %s): %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("error dialing %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsConn{conn: c, writeTimeout: writeTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex // serializes writers
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) WriteText(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("error setting write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	return nil
}

func (c *wsConn) Read() (Message, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return Message{}, &CloseError{
					Code:   ce.Code,
					Reason: ce.Text,
					Clean:  ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway,
				}
			}
			return Message{}, err
		}
		switch mt {
		case websocket.TextMessage:
			return Message{Type: TextMessage, Data: data}, nil
		case websocket.BinaryMessage:
			return Message{Type: BinaryMessage, Data: data}, nil
		}
	}
}

// Close sends a normal close frame and tears down the connection. It is safe
// to call more than once.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.mu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
