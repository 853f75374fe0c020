package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/codealchemist/peer-meet/internal/dns"
	"github.com/gammazero/deque"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// DefaultRetryInterval is how often queued messages are retried while
	// the socket is down.
	DefaultRetryInterval = 250 * time.Millisecond

	maxReconnectInterval = 10 * time.Second
)

var (
	ErrClosed            = errors.New("signaling client closed")
	ErrAlreadySubscribed = errors.New("signaling client already subscribed")
)

// Transport is the relay channel the orchestrator speaks through. Send must
// not block; delivery is best effort and eventually happens once connected.
type Transport interface {
	Subscribe(ctx context.Context, sessionID string, fn func(*Message)) error
	Send(msg *Message) error
}

// Client is a Transport over a WebSocket relay. It reconnects forever with
// exponential backoff and keeps outbound messages queued, in order, while
// disconnected.
type Client struct {
	serverURL     string
	dialer        *websocket.Dialer
	retryInterval time.Duration
	logger        *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	outgoing   deque.Deque[*Message]
	subscribed bool
	closed     bool
	cancel     context.CancelFunc

	wake chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithRetryInterval sets the send retry interval while disconnected.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialer replaces the WebSocket dialer. Tests use it to skip the custom
// DNS fallback.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// NewClient creates a client for the relay at serverURL (e.g. wss://host/ws).
func NewClient(serverURL string, opts ...Option) *Client {
	dialer := *websocket.DefaultDialer
	dialer.NetDialContext = dns.DialContext

	c := &Client{
		serverURL:     strings.TrimSuffix(serverURL, "/"),
		dialer:        &dialer,
		retryInterval: DefaultRetryInterval,
		logger:        slog.Default(),
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe joins the relay channel named sessionID and delivers every
// inbound message to fn, in arrival order, from a single goroutine.
func (c *Client) Subscribe(ctx context.Context, sessionID string, fn func(*Message)) error {
	if sessionID == "" {
		return fmt.Errorf("subscribe: empty session id")
	}
	u, err := url.Parse(c.serverURL + "/" + url.PathEscape(sessionID))
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.subscribed {
		return ErrAlreadySubscribed
	}
	c.subscribed = true

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go c.connectLoop(ctx, u.String(), fn)
	go c.writeLoop(ctx)
	return nil
}

// Send queues msg for delivery. It never blocks.
func (c *Client) Send(msg *Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.outgoing.PushBack(msg)
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		c.logger.Debug("socket not connected, message queued", "type", msg.Type)
	}
	c.notify()
	return nil
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Pending returns the number of queued, unsent messages.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outgoing.Len()
}

// Close stops reconnecting and closes the socket. Queued messages that were
// not written yet are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// connectLoop keeps one live connection and pumps its reads into fn.
func (c *Client) connectLoop(ctx context.Context, u string, fn func(*Message)) {
	defer c.wg.Done()

	for {
		conn, err := c.dial(ctx, u)
		if err != nil {
			return
		}

		c.setConn(conn)
		c.logger.Info("signaling connected", "url", u)
		c.notify()

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		c.readPump(conn, fn)
		stop()

		c.clearConn(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("signaling connection lost, reconnecting")
	}
}

func (c *Client) dial(ctx context.Context, u string) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = maxReconnectInterval
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		cc, _, err := c.dialer.DialContext(ctx, u, nil)
		if err != nil {
			return err
		}
		conn = cc
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Debug("signaling dial failed", "err", err, "retry_in", next)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) clearConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// readPump reads until the connection fails. Malformed frames are skipped.
func (c *Client) readPump(conn *websocket.Conn, fn func(*Message)) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("signaling read failed", "err", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("dropping malformed signaling frame", "err", err)
			continue
		}
		fn(&msg)
	}
}

// writeLoop is the only writer of data frames. It drains the queue whenever
// a connection is available and retries on a fixed interval otherwise.
func (c *Client) writeLoop(ctx context.Context) {
	defer c.wg.Done()

	retry := time.NewTicker(c.retryInterval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		retry.Stop()
		ping.Stop()
		c.shutdownConn()
	}()

	for {
		c.flush()

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-retry.C:
		case <-ping.C:
			c.ping()
		}
	}
}

func (c *Client) flush() {
	for {
		c.mu.Lock()
		conn := c.conn
		if conn == nil || c.outgoing.Len() == 0 {
			c.mu.Unlock()
			return
		}
		msg := c.outgoing.Front()
		c.mu.Unlock()

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			// Leave msg at the front; it is resent after reconnect.
			c.logger.Debug("signaling write failed", "err", err)
			conn.Close()
			return
		}

		c.mu.Lock()
		c.outgoing.PopFront()
		c.mu.Unlock()
	}
}

func (c *Client) ping() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		conn.Close()
	}
}

func (c *Client) shutdownConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}
