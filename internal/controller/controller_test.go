package controller

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/blacktop/sdxly/internal/codec"
	"github.com/blacktop/sdxly/internal/config"
	"github.com/blacktop/sdxly/internal/session"
	"github.com/blacktop/sdxly/internal/transport"
)

// fakeService plays the generation service: it reads the JSON request and
// runs script against the socket.
func fakeService(t *testing.T, script func(c *websocket.Conn)) (*httptest.Server, chan codec.Payload) {
	t.Helper()
	requests := make(chan codec.Payload, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		var p codec.Payload
		if err := c.ReadJSON(&p); err != nil {
			return
		}
		requests <- p
		script(c)
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func sendFrame(c *websocket.Conn, fields map[string]any) {
	data, err := msgpack.Marshal(fields)
	if err != nil {
		panic(err)
	}
	_ = c.WriteMessage(websocket.BinaryMessage, data)
}

// drain reads until the client goes away.
func drain(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestController(t *testing.T, srv *httptest.Server) *Controller {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Endpoint = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.Samples = 2
	c := New(cfg, transport.NewWSDialer(),
		WithLogger(log.New(io.Discard)),
		WithSeed(func() int { return 42 }),
	)
	t.Cleanup(c.Cancel)
	return c
}

func waitView(t *testing.T, c *Controller) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := c.Wait(ctx)
	require.NoError(t, err)
	return v
}

func TestControllerSubmit(t *testing.T) {
	srv, requests := fakeService(t, func(c *websocket.Conn) {
		sendFrame(c, map[string]any{"status": "processing"})
		sendFrame(c, map[string]any{"step": 5, "artifacts": [][]byte{[]byte("buf1"), []byte("buf2")}})
		sendFrame(c, map[string]any{"step": 39})
		drain(c)
	})
	c := newTestController(t, srv)

	require.NoError(t, c.Submit(context.Background(), "  a fox in mist  "))

	v := waitView(t, c)
	assert.False(t, v.Busy)
	assert.Equal(t, session.Completed, v.Phase)
	assert.Equal(t, 100.0, v.Progress)
	require.Len(t, v.Images, 2)
	assert.Equal(t, []byte("buf1"), v.Images[0].Data)
	assert.Empty(t, v.ErrorMessage)
	assert.Equal(t, "a fox in mist", v.Prompt)
	assert.Equal(t, 42, v.Seed)

	p := <-requests
	assert.Equal(t, "a fox in mist", p.TextPrompts[0].Text)
	assert.Equal(t, 1.0, p.TextPrompts[0].Weight)
	assert.Equal(t, "blurry", p.TextPrompts[1].Text)
	assert.Equal(t, -1.0, p.TextPrompts[1].Weight)
	assert.Equal(t, 42, p.Seed)
	assert.Equal(t, 2, p.Samples)
	assert.True(t, p.UseBinary)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"callback_steps":5`)
}

func TestControllerBusy(t *testing.T) {
	release := make(chan struct{})
	srv, _ := fakeService(t, func(c *websocket.Conn) {
		sendFrame(c, map[string]any{"step": 10})
		<-release
		drain(c)
	})
	defer close(release)
	c := newTestController(t, srv)

	require.NoError(t, c.Submit(context.Background(), "first prompt"))
	require.Eventually(t, func() bool { return c.View().Step == 10 }, 5*time.Second, 5*time.Millisecond)

	err := c.Submit(context.Background(), "second prompt")
	assert.ErrorIs(t, err, ErrBusy)

	v := c.View()
	assert.True(t, v.Busy)
	assert.Equal(t, session.Streaming, v.Phase)
	assert.Equal(t, "first prompt", v.Prompt)
	assert.InDelta(t, 25.64, v.Progress, 0.01)

	c.Cancel()
	v = c.View()
	assert.False(t, v.Busy)
	assert.Equal(t, session.Cancelled, v.ErrorKind)
	assert.NotEmpty(t, v.ErrorMessage)
	assert.Zero(t, v.Progress)
}

func TestControllerResubmitAfterFailure(t *testing.T) {
	srv, requests := fakeService(t, func(c *websocket.Conn) {
		sendFrame(c, map[string]any{"step": 5})
		// drop the TCP connection without a close handshake
		c.UnderlyingConn().Close()
	})
	c := newTestController(t, srv)

	require.NoError(t, c.Submit(context.Background(), "first prompt"))
	v := waitView(t, c)
	assert.Equal(t, session.Failed, v.Phase)
	assert.Equal(t, session.TransportError, v.ErrorKind)
	assert.False(t, v.Busy)
	<-requests

	require.NoError(t, c.Submit(context.Background(), "second prompt"))
	p := <-requests
	assert.Equal(t, "second prompt", p.TextPrompts[0].Text)
	waitView(t, c)
}

func TestControllerConnectError(t *testing.T) {
	srv, _ := fakeService(t, func(c *websocket.Conn) {})
	c := newTestController(t, srv)
	srv.Close()

	require.NoError(t, c.Submit(context.Background(), "a fox in mist"))
	v := waitView(t, c)
	assert.Equal(t, session.Failed, v.Phase)
	assert.Equal(t, session.ConnectError, v.ErrorKind)
	assert.Zero(t, v.Progress)
}

func TestControllerUpdates(t *testing.T) {
	srv, _ := fakeService(t, func(c *websocket.Conn) {
		for step := 0; step < 40; step++ {
			sendFrame(c, map[string]any{"step": step})
		}
		drain(c)
	})
	c := newTestController(t, srv)
	require.NoError(t, c.Submit(context.Background(), "a fox in mist"))

	timeout := time.After(5 * time.Second)
	for {
		select {
		case v := <-c.Updates():
			if v.Phase.Terminal() {
				assert.Equal(t, session.Completed, v.Phase)
				assert.Equal(t, 100.0, v.Progress)
				return
			}
		case <-timeout:
			t.Fatal("never received the terminal view")
		}
	}
}

func TestControllerInputErrors(t *testing.T) {
	srv, _ := fakeService(t, func(c *websocket.Conn) {})
	c := newTestController(t, srv)

	assert.ErrorIs(t, c.Submit(context.Background(), "   "), ErrEmptyPrompt)

	_, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, View{}, c.View())
}

func TestControllerDropsStaleSessionViews(t *testing.T) {
	c := New(&config.Config{SeedMax: 10}, transport.NewWSDialer(), WithLogger(log.New(io.Discard)))

	// the second submit bumped the generation before the first session
	// published its terminal view
	c.active = 2
	c.publish(2, View{Busy: true, Phase: session.Connecting, Prompt: "second prompt"})
	c.publish(1, View{Phase: session.Failed, ErrorKind: session.Cancelled, Prompt: "first prompt"})

	v := c.View()
	assert.True(t, v.Busy)
	assert.Equal(t, session.Connecting, v.Phase)
	assert.Equal(t, "second prompt", v.Prompt)

	select {
	case u := <-c.Updates():
		assert.Equal(t, "second prompt", u.Prompt)
	default:
		t.Fatal("expected a pending view")
	}
}

func TestControllerSeedWithoutSeedMax(t *testing.T) {
	c := New(&config.Config{}, transport.NewWSDialer(), WithLogger(log.New(io.Discard)))

	for range 100 {
		seed := c.seed()
		assert.GreaterOrEqual(t, seed, 0)
		assert.Less(t, seed, defaultSeedMax)
	}
}
