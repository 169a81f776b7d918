package session

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/blacktop/sdxly/internal/assemble"
)

// Phase is the lifecycle position of a session.
type Phase int

const (
	Idle Phase = iota
	Connecting
	Streaming
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == Completed || p == Failed
}

// Kind classifies why a session failed.
type Kind int

const (
	ConnectError Kind = iota + 1
	DecodeError
	AssemblyError
	TransportError
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case ConnectError:
		return "ConnectError"
	case DecodeError:
		return "DecodeError"
	case AssemblyError:
		return "AssemblyError"
	case TransportError:
		return "TransportError"
	case Cancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrCancelled is the cause recorded when the user aborts a session.
var ErrCancelled = errors.New("generation cancelled")

// Error is the terminal failure of a session.
type Error struct {
	Kind    Kind
	Message string // user visible
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// State is a snapshot of a session. Images is replaced wholesale by every
// successfully assembled frame and is never mutated in place.
type State struct {
	ID         string
	Phase      Phase
	Progress   float64 // percent, 0-100
	Step       int     // last step reported by the service
	Steps      int
	Status     string // last opaque status text
	Images     []assemble.Image
	Err        *Error
	StartedAt  time.Time
	FinishedAt time.Time
}

// ErrorMessage is the user visible failure text, empty unless Failed.
func (s State) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Message
}

// Elapsed is the time from Start to the terminal transition, or until now
// while the session is still running.
func (s State) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s State) clone() State {
	s.Images = slices.Clone(s.Images)
	return s
}

// progressFor maps a step index onto 0-100 where lastStep is 100%.
func progressFor(step, lastStep int) float64 {
	if lastStep <= 0 {
		return 100
	}
	p := 100 * float64(step) / float64(lastStep)
	return min(100, max(0, p))
}
