package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/blacktop/sdxly/internal/assemble"
	"github.com/blacktop/sdxly/internal/transport"
)

// --- Mocks ---

type inbound struct {
	msg transport.Message
	err error
}

type fakeConn struct {
	inbound chan inbound

	mu       sync.Mutex
	written  [][]byte
	writeErr error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan inbound),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) WriteText(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Read() (transport.Message, error) {
	select {
	case in := <-c.inbound:
		return in.msg, in.err
	case <-c.closed:
		return transport.Message{}, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

// deliver hands a message to the session's reader.
func (c *fakeConn) deliver(t *testing.T, in inbound) {
	t.Helper()
	select {
	case c.inbound <- in:
	case <-c.closed:
		t.Fatalf("connection closed before delivery")
	case <-time.After(2 * time.Second):
		t.Fatalf("reader did not pick up message")
	}
}

func (c *fakeConn) frame(t *testing.T, fields map[string]any) {
	t.Helper()
	data, err := msgpack.Marshal(fields)
	require.NoError(t, err)
	c.deliver(t, inbound{msg: transport.Message{Type: transport.BinaryMessage, Data: data}})
}

type fakeDialer struct {
	conn *fakeConn
	err  error
	gate chan struct{} // when set, Dial waits for it
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

// gatedAssembler blocks batches whose first payload has a gate until the gate
// is closed. It ignores context cancellation, like a slow conversion that
// cannot be interrupted.
type gatedAssembler struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	started chan string
}

func newGatedAssembler() *gatedAssembler {
	return &gatedAssembler{
		gates:   make(map[string]chan struct{}),
		started: make(chan string, 16),
	}
}

func (a *gatedAssembler) gate(key string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	g := make(chan struct{})
	a.gates[key] = g
	return g
}

func (a *gatedAssembler) AssembleBatch(ctx context.Context, raws [][]byte) ([]assemble.Image, error) {
	key := ""
	if len(raws) > 0 {
		key = string(raws[0])
	}
	a.started <- key
	a.mu.Lock()
	g := a.gates[key]
	a.mu.Unlock()
	if g != nil {
		<-g
	}
	return assemble.New("image/jpeg", false).AssembleBatch(context.Background(), raws)
}

func (a *gatedAssembler) waitStarted(t *testing.T, key string) {
	t.Helper()
	select {
	case got := <-a.started:
		require.Equal(t, key, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("assembly of %q never started", key)
	}
}

// recorder collects every snapshot passed to the observer.
type recorder struct {
	mu    sync.Mutex
	snaps []State
}

func (r *recorder) observe(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.snaps...)
}
