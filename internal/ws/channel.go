package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the lifecycle of a client channel.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Listener receives channel events. Callbacks run on the channel's own
// goroutines; implementations hand them off rather than doing work inline.
// ChannelOpened is always delivered before any message of that connection.
type Listener interface {
	// ChannelOpened fires when a connection is established. reconnect is
	// true when the channel has been closed at least once before.
	ChannelOpened(reconnect bool)
	// ChannelClosed fires when a connection attempt fails or an open
	// connection drops.
	ChannelClosed()
	// MessageReceived delivers a text frame.
	MessageReceived(data []byte)
}

// ChannelOptions tunes the keepalive of a client channel.
type ChannelOptions struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	ReadLimit        int64
}

// DefaultChannelOptions pings every 30s and drops the connection when no
// pong arrives within 60s.
func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
		ReadLimit:        10 * 1024 * 1024,
	}
}

// Channel is a client WebSocket with an explicit connection state. It
// holds at most one live connection; Connect is ignored unless the channel
// is closed, and Send is dropped unless it is open.
type Channel struct {
	name   string
	url    string
	opts   ChannelOptions
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	gen      uint64
	sawClose bool
	cancel   context.CancelFunc
	listener Listener

	writeMu sync.Mutex
}

// NewChannel creates a closed channel for url. name is used in logs.
func NewChannel(name, url string, opts ChannelOptions, log zerolog.Logger) *Channel {
	return &Channel{
		name: name,
		url:  url,
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  256 * 1024, // base64 encoded JPEG frames
		},
		log:      log.With().Str("channel", name).Logger(),
		listener: nopListener{},
	}
}

// Listen sets the event listener. Call it before Connect.
func (c *Channel) Listen(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l == nil {
		l = nopListener{}
	}
	c.listener = l
}

// URL returns the endpoint the channel dials.
func (c *Channel) URL() string {
	return c.url
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts a connection attempt in the background. It reports false
// when the channel is already connecting or open.
func (c *Channel) Connect() bool {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.log.Debug().Str("url", c.url).Msg("connecting")
	go c.dial(ctx, gen)
	return true
}

func (c *Channel) dial(ctx context.Context, gen uint64) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.cancel = nil
	if err != nil {
		c.state = StateClosed
		c.sawClose = true
		l := c.listener
		c.mu.Unlock()

		c.log.Warn().Err(err).Msg("connection failed")
		l.ChannelClosed()
		return
	}

	c.state = StateOpen
	c.conn = conn
	reconnect := c.sawClose
	l := c.listener
	c.mu.Unlock()

	c.log.Info().Bool("reconnect", reconnect).Msg("connected")
	l.ChannelOpened(reconnect)
	c.readPump(conn, gen, l)
}

// readPump reads until the connection fails. A ping ticker keeps the peer
// alive and every pong extends the read deadline.
func (c *Channel) readPump(conn *websocket.Conn, gen uint64, l Listener) {
	done := make(chan struct{})
	defer close(done)

	conn.SetReadLimit(c.opts.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			break
		}
		if kind != websocket.TextMessage {
			continue
		}
		l.MessageReceived(data)
	}

	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.sawClose = true
	c.conn = nil
	c.mu.Unlock()

	conn.Close()
	c.log.Info().Msg("disconnected")
	l.ChannelClosed()
}

// Send marshals v to JSON and writes it as a text frame. It reports false
// when the channel is not open or the write fails; nothing is queued.
func (c *Channel) Send(v any) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		c.log.Debug().Msg("send dropped, channel not open")
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal message")
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Warn().Err(err).Msg("write failed")
		return false
	}
	return true
}

// Close drops the connection or cancels a pending attempt without notifying
// the listener. The channel can be connected again afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	if c.state != StateClosed {
		c.sawClose = true
	}
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
}

type nopListener struct{}

func (nopListener) ChannelOpened(bool)     {}
func (nopListener) ChannelClosed()         {}
func (nopListener) MessageReceived([]byte) {}
