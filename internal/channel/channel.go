// Package channel maintains the single shared websocket connection to the
// backend's event endpoint and fans decoded events out to any number of
// subscribers.
//
// The connection is opened lazily by the first Subscribe call and is kept
// alive for the lifetime of the Channel: a lost or failed connection is
// retried after a fixed delay, forever. Transport failures are logged and
// never surfaced to subscribers.
package channel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/buildwatch/internal/event"
	"github.com/JakeFAU/buildwatch/internal/metrics"
)

// ErrClosed is returned by Subscribe once the Channel has been closed.
var ErrClosed = errors.New("event channel closed")

const (
	defaultReconnectDelay   = 5 * time.Second
	defaultSubscriberBuffer = 64
	defaultDialTimeout      = 10 * time.Second

	topicEvents = "events"
	topicStatus = "status"
)

// Config controls how the Channel connects and buffers.
//   - URL: websocket endpoint of the event relay (required).
//   - ReconnectDelay: fixed pause between connection attempts (default 5s).
//   - SubscriberBuffer: per-subscriber buffer; events that do not fit are
//     dropped for that subscriber only (default 64).
//   - DialTimeout: bound on a single handshake (default 10s).
//   - IdleTimeout: when positive, a connection that delivers no frame or ping
//     within this window is treated as lost.
//   - Header: extra handshake headers.
//   - Logger: optional structured logger.
type Config struct {
	URL              string
	ReconnectDelay   time.Duration
	SubscriberBuffer int
	DialTimeout      time.Duration
	IdleTimeout      time.Duration
	Header           http.Header
	Logger           *zap.Logger
}

// Option customizes a Channel.
type Option func(*Channel)

// WithDialer replaces the websocket dialer used for every connection attempt.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		if d != nil {
			c.dialer = d
		}
	}
}

// Channel is the shared event feed. The zero value is not usable; construct
// one with New.
type Channel struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer

	events *pubsub.PubSub[string, event.Event]
	status *pubsub.PubSub[string, State]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool

	// mu guards conn, state and closed. Status transitions are published
	// while holding it so that new status subscribers observe a consistent
	// initial state.
	mu     sync.RWMutex
	conn   *websocket.Conn
	state  State
	closed bool
}

// New builds a Channel. It does not connect; the first Subscribe call does.
func New(cfg Config, opts ...Option) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:    cfg,
		logger: logger.Named("channel"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		events: pubsub.New[string, event.Event](cfg.SubscriberBuffer),
		status: pubsub.New[string, State](cfg.SubscriberBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  Disconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers a new subscriber and starts the connection loop if it is
// not already running. Every subscriber sees every event decoded after its
// registration, in arrival order.
func (c *Channel) Subscribe() (event.Stream, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	ch := c.events.Sub(topicEvents)
	c.mu.RUnlock()

	metrics.IncSubscribers()
	c.start()
	return &Subscription{owner: c, ch: ch}, nil
}

// SubscribeStatus registers an observer of connectivity transitions. The
// first value received is the state at subscription time. It does not start
// the connection loop.
func (c *Channel) SubscribeStatus() (*StatusSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := make(chan State, c.cfg.SubscriberBuffer)
	ch <- c.state
	c.status.AddSub(ch, topicStatus)
	return &StatusSubscription{owner: c, ch: ch}, nil
}

// Connected reports whether the channel currently holds a live connection.
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == Connected
}

// Close stops the connection loop, closes the socket and ends every
// subscription. Subsequent calls are no-ops.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		c.closed = true
		if c.conn != nil {
			closeQuietly(c.logger, c.conn)
		}
		c.mu.Unlock()

		if c.started.Load() {
			<-c.done
		}
		c.events.Shutdown()
		c.status.Shutdown()
		c.logger.Debug("event channel closed")
	})
	return nil
}

func (c *Channel) start() {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.run()
	})
}

func (c *Channel) run() {
	defer close(c.done)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			metrics.ObserveReconnect()
		}
		conn, err := c.dial()
		switch {
		case err == nil:
			c.serve(conn)
		case c.ctx.Err() == nil:
			c.logger.Warn("event channel dial failed",
				zap.String("url", c.cfg.URL),
				zap.Duration("retry_in", c.cfg.ReconnectDelay),
				zap.Error(err))
		}
		if !c.sleep() {
			return
		}
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve reads frames from conn until it fails, then tears the connection down.
func (c *Channel) serve(conn *websocket.Conn) {
	if !c.attach(conn) {
		closeQuietly(c.logger, conn)
		return
	}
	defer c.detach(conn)

	c.logger.Info("event channel connected", zap.String("url", c.cfg.URL))
	if c.cfg.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		conn.SetPingHandler(func(data string) error {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
			err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("event channel connection lost",
					zap.Duration("retry_in", c.cfg.ReconnectDelay),
					zap.Error(err))
			}
			return
		}
		if c.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}
		c.dispatch(frame)
	}
}

func (c *Channel) dispatch(frame []byte) {
	evt, err := event.Decode(frame)
	if err != nil {
		metrics.ObserveFrame(metrics.FrameMalformed)
		c.logger.Debug("dropping malformed frame", zap.ByteString("frame", frame), zap.Error(err))
		return
	}
	metrics.ObserveFrame(metrics.FrameAccepted)

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.events.TryPub(evt, topicEvents)
	metrics.ObserveDelivered()
}

func (c *Channel) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	c.setStateLocked(Connected)
	return true
}

func (c *Channel) detach(conn *websocket.Conn) {
	closeQuietly(c.logger, conn)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	c.setStateLocked(Disconnected)
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	metrics.SetConnected(s == Connected)
	if !c.closed {
		c.status.TryPub(s, topicStatus)
	}
}

// sleep waits out the reconnect delay. It reports false once the channel is
// closing.
func (c *Channel) sleep() bool {
	timer := time.NewTimer(c.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// closeQuietly closes a connection that may already be broken. Errors are
// expected and ignored.
func closeQuietly(logger *zap.Logger, conn *websocket.Conn) {
	if err := conn.Close(); err != nil {
		logger.Debug("closing event connection", zap.Error(err))
	}
}
