package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/logging"
	"github.com/caesar-terminal/depthbook/internal/metrics"
)

// FeedState reports whether the upstream connection is usable.
type FeedState int32

const (
	FeedDown FeedState = iota // disconnected or reconnecting
	FeedUp                    // connected and subscribed
)

func (s FeedState) String() string {
	if s == FeedUp {
		return "up"
	}
	return "down"
}

// StateWatcher is told about every connection state transition.
type StateWatcher interface {
	FeedStateChanged(FeedState)
}

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the longest the client waits for a frame or a pong
	// before dropping the connection. Pings go out at half this interval.
	HeartbeatTimeout time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// InboundBuffer is the capacity of the Messages channel.
	InboundBuffer int

	Headers http.Header
}

// DefaultWSConfig returns defaults tuned for a busy futures depth feed.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   16384,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 2 * time.Second,
		BackoffInitial:   50 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		BackoffFactor:    2.0,
		InboundBuffer:    4096,
	}
}

// WSClient holds the single upstream market-data connection. Every
// connection, first or re-established, starts with the subscription frame,
// so a reconnect resumes the same stream. Inbound frames land on one channel
// read by the feed decoder.
type WSClient struct {
	cfg      WSConfig
	log      zerolog.Logger
	watchers []StateWatcher

	state atomic.Int32

	mu   sync.RWMutex
	conn *websocket.Conn
	sub  []byte

	inMu     sync.RWMutex
	in       chan []byte
	inClosed bool

	outbox  chan []byte
	resumed chan struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSClient creates a client. watchers are notified of state changes from
// the client's goroutines and must not block. Call Connect to start.
func NewWSClient(cfg WSConfig, logger zerolog.Logger, watchers ...StateWatcher) *WSClient {
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = DefaultWSConfig(cfg.URL).InboundBuffer
	}
	return &WSClient{
		cfg:      cfg,
		log:      logging.Component(logger, "ws"),
		watchers: watchers,
		in:       make(chan []byte, cfg.InboundBuffer),
		outbox:   make(chan []byte, 256),
		resumed:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (ws *WSClient) State() FeedState {
	return FeedState(ws.state.Load())
}

// SetSubscription sets the frame sent first on every connection.
func (ws *WSClient) SetSubscription(frame []byte) {
	ws.mu.Lock()
	ws.sub = frame
	ws.mu.Unlock()
}

// Messages returns the inbound frame channel. It is closed by Close. Frames
// arriving while the channel is full are dropped and counted.
func (ws *WSClient) Messages() <-chan []byte {
	return ws.in
}

// Send enqueues a frame for the write loop without blocking.
func (ws *WSClient) Send(data []byte) {
	select {
	case ws.outbox <- data:
	default:
		ws.log.Warn().Int("bytes", len(data)).Msg("outbox full, dropping frame")
	}
}

// Connect dials, sends the subscription and starts the read and write loops.
// It blocks until the first connection succeeds or fails.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, ws.cancel = context.WithCancel(ctx)

	c, err := ws.dial(ctx)
	if err != nil {
		return err
	}
	if err := ws.subscribe(c); err != nil {
		c.Close()
		return err
	}
	ws.setState(FeedUp)
	ws.log.Info().Str("url", ws.url()).Msg("feed connected")

	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)
	return nil
}

// Close stops both loops, closes the connection and the Messages channel.
// Safe to call more than once.
func (ws *WSClient) Close() {
	ws.closeOnce.Do(func() {
		if ws.cancel != nil {
			ws.cancel()
		}
		ws.mu.Lock()
		if ws.conn != nil {
			ws.conn.Close()
		}
		ws.mu.Unlock()
		ws.setState(FeedDown)

		ws.inMu.Lock()
		ws.inClosed = true
		close(ws.in)
		ws.inMu.Unlock()

		close(ws.done)
	})
}

// Done returns a channel that is closed when the client has shut down.
func (ws *WSClient) Done() <-chan struct{} {
	return ws.done
}

func (ws *WSClient) url() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.cfg.URL
}

func (ws *WSClient) current() *websocket.Conn {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.conn
}

func (ws *WSClient) setState(s FeedState) {
	if FeedState(ws.state.Swap(int32(s))) == s {
		return
	}
	for _, w := range ws.watchers {
		w.FeedStateChanged(s)
	}
}

// dial opens a connection with TCP_NODELAY and a read deadline that every
// frame or pong pushes forward.
func (ws *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:  ws.cfg.ReadBufferSize,
		WriteBufferSize: ws.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	c, _, err := dialer.DialContext(ctx, ws.url(), ws.cfg.Headers)
	if err != nil {
		return nil, err
	}
	c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
	})

	ws.mu.Lock()
	ws.conn = c
	ws.mu.Unlock()
	return c, nil
}

// subscribe writes the subscription frame, if any. Only the goroutine that
// owns writes for c may call it.
func (ws *WSClient) subscribe(c *websocket.Conn) error {
	ws.mu.RLock()
	frame := ws.sub
	ws.mu.RUnlock()
	if frame == nil {
		return nil
	}
	return c.WriteMessage(websocket.TextMessage, frame)
}

// reconnect retries with exponential backoff until a connection is back or
// ctx is cancelled. The write loop resubscribes on the new connection.
func (ws *WSClient) reconnect(ctx context.Context) bool {
	ws.setState(FeedDown)

	delay := ws.cfg.BackoffInitial
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}

		if _, err := ws.dial(ctx); err != nil {
			ws.log.Warn().Err(err).Dur("retry_in", delay).Msg("reconnect failed")
			delay = min(time.Duration(float64(delay)*ws.cfg.BackoffFactor), ws.cfg.BackoffMax)
			timer.Reset(delay)
			continue
		}

		metrics.FeedReconnects.Inc()
		select {
		case ws.resumed <- struct{}{}:
		default:
		}
		return true
	}
}

// readLoop hands frames to Messages. A read error, including a missed
// heartbeat, drops the connection and reconnects.
func (ws *WSClient) readLoop(ctx context.Context) {
	for {
		c := ws.current()
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ws.log.Warn().Err(err).Msg("read error, reconnecting")
			c.Close()
			if !ws.reconnect(ctx) {
				return
			}
			continue
		}
		c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
		ws.deliver(msg)
	}
}

// writeLoop owns data writes: the subscription after a reconnect, queued
// frames and pings.
func (ws *WSClient) writeLoop(ctx context.Context) {
	interval := ws.cfg.HeartbeatTimeout / 2
	if interval <= 0 {
		interval = DefaultWSConfig("").HeartbeatTimeout / 2
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ws.resumed:
			if err := ws.subscribe(ws.current()); err != nil {
				ws.log.Warn().Err(err).Msg("resubscribe failed")
				continue
			}
			ws.setState(FeedUp)
			ws.log.Info().Msg("feed reconnected")
		case data := <-ws.outbox:
			if err := ws.current().WriteMessage(websocket.TextMessage, data); err != nil {
				ws.log.Warn().Err(err).Msg("write error")
			}
		case <-ping.C:
			deadline := time.Now().Add(interval)
			err := ws.current().WriteControl(websocket.PingMessage, nil, deadline)
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				ws.log.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}

func (ws *WSClient) deliver(msg []byte) {
	ws.inMu.RLock()
	defer ws.inMu.RUnlock()
	if ws.inClosed {
		return
	}
	select {
	case ws.in <- msg:
	default:
		metrics.FeedDropped.Inc()
	}
}
