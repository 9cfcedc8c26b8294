package ws

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events chan string
	msgs   chan []byte
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 16), msgs: make(chan []byte, 16)}
}

func (r *recorder) ChannelOpened(reconnect bool) { r.events <- fmt.Sprintf("open:%v", reconnect) }
func (r *recorder) ChannelClosed()               { r.events <- "closed" }
func (r *recorder) MessageReceived(d []byte)     { r.msgs <- d }

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel event")
		return ""
	}
}

// echoServer echoes text frames and hands every server-side connection to
// the test so it can drop it.
func echoServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(kind, data)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testOptions() ChannelOptions {
	opts := DefaultChannelOptions()
	opts.HandshakeTimeout = time.Second
	return opts
}

func TestChannelConnectSendReceive(t *testing.T) {
	srv, _ := echoServer(t)
	rec := newRecorder()
	ch := NewChannel("detection", wsURL(srv), testOptions(), zerolog.Nop())
	ch.Listen(rec)
	defer ch.Close()

	assert.False(t, ch.Send(map[string]string{"action": "analyze"}), "send before open is dropped")

	require.True(t, ch.Connect())
	assert.False(t, ch.Connect(), "connect while connecting or open is ignored")
	assert.Equal(t, "open:false", rec.next(t))
	assert.Equal(t, StateOpen, ch.State())
	assert.False(t, ch.Connect())

	require.True(t, ch.Send(map[string]string{"action": "delete_captures"}))
	select {
	case msg := <-rec.msgs:
		assert.JSONEq(t, `{"action":"delete_captures"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}
}

func TestChannelReconnectFlag(t *testing.T) {
	srv, conns := echoServer(t)
	rec := newRecorder()
	ch := NewChannel("detection", wsURL(srv), testOptions(), zerolog.Nop())
	ch.Listen(rec)
	defer ch.Close()

	require.True(t, ch.Connect())
	assert.Equal(t, "open:false", rec.next(t))

	server := <-conns
	server.Close()

	assert.Equal(t, "closed", rec.next(t))
	assert.Equal(t, StateClosed, ch.State())
	assert.False(t, ch.Send(map[string]string{"action": "delete_captures"}))

	require.True(t, ch.Connect())
	assert.Equal(t, "open:true", rec.next(t))
}

func TestChannelDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	rec := newRecorder()
	ch := NewChannel("detection", wsURL(srv), testOptions(), zerolog.Nop())
	ch.Listen(rec)

	require.True(t, ch.Connect())
	assert.Equal(t, "closed", rec.next(t))
	assert.Equal(t, StateClosed, ch.State())
	srv.Close()
}

func TestChannelCloseIsSilent(t *testing.T) {
	srv, _ := echoServer(t)
	rec := newRecorder()
	ch := NewChannel("screenshot", wsURL(srv), testOptions(), zerolog.Nop())
	ch.Listen(rec)

	require.True(t, ch.Connect())
	assert.Equal(t, "open:false", rec.next(t))

	ch.Close()
	assert.Equal(t, StateClosed, ch.State())

	select {
	case e := <-rec.events:
		t.Fatalf("unexpected event %q after Close", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
}
