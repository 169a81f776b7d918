// Package transport is the duplex connection to the generation service.
package transport

import (
	"context"
	"fmt"
)

// MessageType mirrors the websocket data frame opcodes.
type MessageType int

const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// Message is one inbound data message.
type Message struct {
	Type MessageType
	Data []byte
}

// CloseError is returned by Conn.Read once the peer closed the connection.
type CloseError struct {
	Code   int
	Reason string
	Clean  bool // a normal or going-away close handshake
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("connection closed (code=%d, reason=%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("connection closed (code=%d)", e.Code)
}

// Conn is an open connection. Read is called from a single goroutine;
// WriteText and Close may be called concurrently with it.
type Conn interface {
	WriteText(ctx context.Context, data []byte) error
	Read() (Message, error)
	Close() error
}

// Dialer opens connections to an endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
