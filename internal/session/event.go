package session

import (
	"github.com/blacktop/sdxly/internal/assemble"
	"github.com/blacktop/sdxly/internal/codec"
	"github.com/blacktop/sdxly/internal/transport"
)

// Event is an input to the session state machine. Transport callbacks,
// assembly completions and cancel requests all arrive as events and are
// applied one at a time by the session loop.
type Event interface {
	event()
}

// Opened is posted once the transport connected.
type Opened struct {
	Conn transport.Conn
}

// Message is one inbound frame, still encoded.
type Message struct {
	Framing codec.Framing
	Data    []byte
}

// Closed is posted when the peer closed the connection.
type Closed struct {
	Code   int
	Reason string
	Clean  bool
}

// ErrorOccurred is a dial failure while Connecting or a transport fault
// while Streaming.
type ErrorOccurred struct {
	Info string
	Err  error
}

type assembled struct {
	seq    uint64
	images []assemble.Image
	err    error
}

type cancelRequested struct {
	cause error
}

func (Opened) event()          {}
func (Message) event()         {}
func (Closed) event()          {}
func (ErrorOccurred) event()   {}
func (assembled) event()       {}
func (cancelRequested) event() {}
