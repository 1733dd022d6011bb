package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/park285/cheese-chat/internal/obslog"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// HeaderProvider injects headers into the websocket handshake.
type HeaderProvider func() map[string]string

// WSClient is a reconnecting websocket Channel.
type WSClient struct {
	mux
	acks pendingAcks

	url     string
	headers HeaderProvider
	logger  *zap.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	stMu  sync.RWMutex
	state State

	maxReconnectAttempts int
	reconnectDelay       time.Duration
	pingInterval         time.Duration
	ackTimeout           time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

var _ Channel = (*WSClient)(nil)

type WSOption func(*WSClient)

func WithHeaders(h HeaderProvider) WSOption { return func(c *WSClient) { c.headers = h } }

func WithLogger(l *zap.Logger) WSOption { return func(c *WSClient) { c.logger = l } }

func WithPingInterval(d time.Duration) WSOption {
	return func(c *WSClient) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

func WithAckTimeout(d time.Duration) WSOption {
	return func(c *WSClient) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}

func NewWSClient(url string, maxReconnectAttempts int, reconnectDelay time.Duration, opts ...WSOption) *WSClient {
	c := &WSClient{
		url:                  url,
		state:                StateDisconnected,
		maxReconnectAttempts: maxReconnectAttempts,
		reconnectDelay:       reconnectDelay,
		pingInterval:         30 * time.Second,
		ackTimeout:           10 * time.Second,
		stopCh:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = obslog.Or(c.logger, "transport")
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	return c
}

func (c *WSClient) Connect(ctx context.Context) error {
	switch c.State() {
	case StateConnected, StateConnecting:
		return nil
	}
	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("ws_connect_failed", zap.String("url", c.url), zap.Error(err))
		c.setState(StateFailed)
		c.scheduleReconnect()
		return err
	}
	c.attach(conn)
	return nil
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	return conn, err
}

func (c *WSClient) attach(conn *websocket.Conn) {
	if c.isStopping() {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
		return
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setState(StateConnected)
	c.logger.Info("ws_connected", zap.String("url", c.url))

	c.wg.Add(2)
	go c.listen(conn)
	go c.pingLoop(conn)
}

func (c *WSClient) current() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *WSClient) listen(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var f Frame
		if err := wsjson.Read(c.rootCtx, conn, &f); err != nil {
			if c.isStopping() {
				return
			}
			c.logger.Warn("ws_read_failed", zap.Error(err))
			c.drop(conn, "reconnect")
			return
		}
		if f.Event == EventAck {
			if f.Ack == nil || !c.acks.resolve(f.Seq, *f.Ack) {
				c.logger.Debug("ws_ack_unmatched", zap.Uint64("seq", f.Seq))
			}
			continue
		}
		if n := c.dispatch(c.rootCtx, f); n == 0 {
			c.logger.Debug("ws_frame_unhandled", zap.String("event", string(f.Event)))
		}
	}
}

func (c *WSClient) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if c.current() != conn {
				return
			}
			ctx, cancel := context.WithTimeout(c.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				if c.isStopping() {
					return
				}
				c.drop(conn, "ping failure")
				return
			}
		}
	}
}

// drop tears down conn once and starts reconnecting.
func (c *WSClient) drop(conn *websocket.Conn, reason string) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.connMu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, reason)
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *WSClient) scheduleReconnect() {
	if c.maxReconnectAttempts <= 0 || c.isStopping() {
		return
	}
	c.setState(StateReconnecting)

	go func() {
		for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoffDuration(c.reconnectDelay, attempt)):
			}
			conn, err := c.dial(c.rootCtx)
			if err != nil {
				c.logger.Debug("ws_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			c.attach(conn)
			return
		}
		c.logger.Error("ws_reconnect_exhausted", zap.Int("attempts", c.maxReconnectAttempts))
		c.setState(StateFailed)
	}()
}

// backoffDuration doubles base per attempt, capped at 32x.
func backoffDuration(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * base
}

func (c *WSClient) Emit(ctx context.Context, event Event, payload any) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	f, err := encode(event, 0, payload)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, f)
}

// EmitWithAck must not be called from a Handler: acks arrive on the same
// read loop that runs handlers.
func (c *WSClient) EmitWithAck(ctx context.Context, event Event, payload any) (Ack, error) {
	conn := c.current()
	if conn == nil {
		return Ack{}, ErrNotConnected
	}
	seq, ch := c.acks.register()
	f, err := encode(event, seq, payload)
	if err != nil {
		c.acks.drop(seq)
		return Ack{}, err
	}
	if err := wsjson.Write(ctx, conn, f); err != nil {
		c.acks.drop(seq)
		return Ack{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ackTimeout)
		defer cancel()
	}
	return c.acks.await(ctx, seq, ch)
}

func (c *WSClient) State() State {
	c.stMu.RLock()
	defer c.stMu.RUnlock()
	return c.state
}

func (c *WSClient) setState(s State) {
	c.stMu.Lock()
	changed := c.state != s
	c.state = s
	c.stMu.Unlock()
	if changed {
		c.notify(s)
	}
}

func (c *WSClient) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	c.rootCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		c.setState(StateDisconnected)
		return nil
	}
}

func (c *WSClient) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *WSClient) buildHeaders() http.Header {
	hdr := http.Header{}
	if c.headers == nil {
		return hdr
	}
	for k, v := range c.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
