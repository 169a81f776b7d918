// Package session drives a single streamed generation from connect to a
// terminal phase.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/blacktop/sdxly/internal/assemble"
	"github.com/blacktop/sdxly/internal/codec"
	"github.com/blacktop/sdxly/internal/transport"
)

// ErrAlreadyStarted is returned when Start is called twice on one session.
var ErrAlreadyStarted = errors.New("session already started")

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Defaults to the charmbracelet/log default logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Assembler converts one frame's artifacts into images, all or nothing.
type Assembler interface {
	AssembleBatch(ctx context.Context, raws [][]byte) ([]assemble.Image, error)
}

// WithAssembler sets the artifact assembler. Defaults to JPEG data URIs.
func WithAssembler(a Assembler) Option {
	return func(s *Session) { s.assembler = a }
}

// WithObserver registers fn to receive a snapshot after every transition.
// fn runs on the session loop and must not call back into the session.
func WithObserver(fn func(State)) Option {
	return func(s *Session) { s.observer = fn }
}

// Session is one generation over one connection. All state changes are made
// by a single loop goroutine that applies events in arrival order.
type Session struct {
	url       string
	dialer    transport.Dialer
	assembler Assembler
	logger    *log.Logger
	observer  func(State)

	events chan Event
	done   chan struct{}

	mu      sync.RWMutex
	state   State
	started bool

	// owned by the loop
	ctx       context.Context
	cancelCtx context.CancelFunc
	req       codec.Request
	payload   []byte
	conn      transport.Conn
	seq       uint64 // artifact batches started
	applied   uint64 // newest batch shown
	pending   int    // batches still assembling
	finalSeen bool
}

// New returns an Idle session that will connect to url.
func New(url string, dialer transport.Dialer, opts ...Option) *Session {
	s := &Session{
		url:    url,
		dialer: dialer,
		events: make(chan Event),
		done:   make(chan struct{}),
		state: State{
			ID:    uuid.NewString(),
			Phase: Idle,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.assembler == nil {
		s.assembler = assemble.New(assemble.DefaultMIMEType, false)
	}
	s.logger = s.logger.With("session", s.state.ID[:8])
	return s
}

// Start creates a session and starts it.
func Start(ctx context.Context, url string, dialer transport.Dialer, req codec.Request, opts ...Option) (*Session, error) {
	s := New(url, dialer, opts...)
	if err := s.Start(ctx, req); err != nil {
		return nil, err
	}
	return s, nil
}

// Start moves the session to Connecting and dials in the background. The
// request is sent once, right after the connection opens. Cancelling ctx
// cancels the session.
func (s *Session) Start(ctx context.Context, req codec.Request) error {
	payload, err := codec.EncodeRequest(req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.req = req
	s.payload = payload
	s.ctx, s.cancelCtx = context.WithCancel(ctx)

	s.update(func(st *State) {
		st.Phase = Connecting
		st.Steps = req.Steps
		st.StartedAt = time.Now()
	})
	s.logger.Debug("Connecting", "url", s.url, "seed", req.Seed, "steps", req.Steps, "samples", req.Samples)

	go s.run()
	go s.dial()
	return nil
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.state.ID
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Done is closed once the session reached a terminal phase.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is terminal or ctx is done.
func (s *Session) Wait(ctx context.Context) (State, error) {
	select {
	case <-s.done:
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Cancel aborts a Connecting or Streaming session and returns once it is
// Failed with Kind Cancelled. Results still in flight are discarded. It is a
// no-op on idle or terminal sessions.
func (s *Session) Cancel() {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return
	}
	s.post(cancelRequested{cause: ErrCancelled})
	<-s.done
}

// post hands ev to the loop. It reports false once the session is terminal.
func (s *Session) post(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancelCtx()

	for {
		select {
		case ev := <-s.events:
			s.apply(ev)
		case <-s.ctx.Done():
			s.apply(cancelRequested{cause: context.Cause(s.ctx)})
		}
		if s.state.Phase.Terminal() {
			return
		}
	}
}

func (s *Session) dial() {
	conn, err := s.dialer.Dial(s.ctx, s.url)
	if err != nil {
		s.post(ErrorOccurred{Info: err.Error(), Err: err})
		return
	}
	if !s.post(Opened{Conn: conn}) {
		conn.Close()
	}
}

func (s *Session) read(conn transport.Conn) {
	for {
		msg, err := conn.Read()
		if err != nil {
			var ce *transport.CloseError
			if errors.As(err, &ce) {
				s.post(Closed{Code: ce.Code, Reason: ce.Reason, Clean: ce.Clean})
			} else {
				s.post(ErrorOccurred{Info: err.Error(), Err: err})
			}
			return
		}
		framing := codec.Binary
		if msg.Type == transport.TextMessage {
			framing = codec.Text
		}
		if !s.post(Message{Framing: framing, Data: msg.Data}) {
			return
		}
	}
}

func (s *Session) assemble(seq uint64, raws [][]byte) {
	images, err := s.assembler.AssembleBatch(s.ctx, raws)
	s.post(assembled{seq: seq, images: images, err: err})
}

// apply is the transition function. It runs only on the loop goroutine.
func (s *Session) apply(ev Event) {
	phase := s.state.Phase
	if phase.Terminal() {
		return
	}

	switch ev := ev.(type) {
	case Opened:
		if phase != Connecting {
			ev.Conn.Close()
			return
		}
		s.conn = ev.Conn
		s.update(func(st *State) { st.Phase = Streaming })
		s.logger.Debug("Connected, sending request")
		if err := s.conn.WriteText(s.ctx, s.payload); err != nil {
			s.fail(TransportError, fmt.Sprintf("An error occurred while sending the request: %v", err), err, false)
			return
		}
		go s.read(s.conn)

	case Message:
		if phase != Streaming || s.finalSeen {
			return
		}
		frame, err := codec.Decode(ev.Framing, ev.Data)
		if err != nil {
			s.fail(DecodeError, fmt.Sprintf("Received a malformed update: %v", err), err, false)
			return
		}
		s.handleFrame(frame)

	case Closed:
		if s.finalSeen {
			return
		}
		msg := fmt.Sprintf("Connection died (code=%d)", ev.Code)
		if ev.Clean {
			msg = fmt.Sprintf("Connection closed before the final step (code=%d)", ev.Code)
		}
		if ev.Reason != "" {
			msg += ": " + ev.Reason
		}
		err := &transport.CloseError{Code: ev.Code, Reason: ev.Reason, Clean: ev.Clean}
		s.fail(TransportError, msg, err, true)

	case ErrorOccurred:
		if s.finalSeen {
			return
		}
		if phase == Connecting {
			s.fail(ConnectError, fmt.Sprintf("An error occurred while connecting: %s", ev.Info), ev.Err, false)
			return
		}
		s.fail(TransportError, fmt.Sprintf("An error occurred in the WebSocket: %s", ev.Info), ev.Err, false)

	case assembled:
		s.pending--
		if ev.err != nil {
			s.fail(AssemblyError, fmt.Sprintf("Failed to convert artifacts: %v", ev.err), ev.err, false)
			return
		}
		if ev.seq > s.applied {
			s.applied = ev.seq
			s.update(func(st *State) { st.Images = ev.images })
			s.logger.Debug("Images updated", "count", len(ev.images), "batch", ev.seq)
		} else {
			s.logger.Debug("Dropping stale images", "batch", ev.seq, "shown", s.applied)
		}
		s.maybeComplete()

	case cancelRequested:
		if phase != Connecting && phase != Streaming {
			return
		}
		s.fail(Cancelled, "Generation cancelled", ev.cause, false)
	}
}

func (s *Session) handleFrame(f codec.Frame) {
	if f.Status != nil {
		s.logger.Debug("Status", "status", *f.Status)
		s.update(func(st *State) { st.Status = *f.Status })
	}
	// start assembling before the step so a final frame's previews are
	// waited for
	if f.HasArtifacts() {
		s.seq++
		s.pending++
		go s.assemble(s.seq, f.Artifacts)
	}
	if f.Step != nil {
		step := *f.Step
		last := s.req.LastStep()
		s.logger.Debug("Step", "step", step, "of", last)
		s.update(func(st *State) {
			st.Step = step
			st.Progress = progressFor(step, last)
		})
		if step == last {
			s.finalSeen = true
			s.closeConn()
		}
	}
	s.maybeComplete()
}

func (s *Session) maybeComplete() {
	if !s.finalSeen || s.pending > 0 {
		return
	}
	s.update(func(st *State) {
		st.Phase = Completed
		st.FinishedAt = time.Now()
	})
	s.logger.Info("Generation finished", "images", len(s.state.Images), "took", s.state.Elapsed().Round(10*time.Millisecond))
}

// fail moves to Failed. Unless keepProgress is set the progress bar resets
// to zero. Images are kept.
func (s *Session) fail(kind Kind, msg string, cause error, keepProgress bool) {
	s.closeConn()
	s.update(func(st *State) {
		st.Phase = Failed
		st.Err = &Error{Kind: kind, Message: msg, Err: cause}
		st.FinishedAt = time.Now()
		if !keepProgress {
			st.Progress = 0
		}
	})
	if kind == Cancelled {
		s.logger.Warn("Generation cancelled")
		return
	}
	s.logger.Error("Generation failed", "kind", kind, "err", cause)
}

func (s *Session) closeConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Error closing connection", "err", err)
	}
	s.conn = nil
}

// update applies fn to the state under the lock and notifies the observer.
func (s *Session) update(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	snap := s.state.clone()
	s.mu.Unlock()
	if s.observer != nil {
		s.observer(snap)
	}
}
