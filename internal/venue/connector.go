package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/alanyoungcy/pulsefeed/internal/metrics"
	"github.com/gorilla/websocket"
)

// writeWait is the time allowed to write a frame to the peer.
const writeWait = 10 * time.Second

// UpdateFunc receives every strictly positive price a connector extracts.
type UpdateFunc func(domain.Snapshot)

// Options tunes the reconnect loop shared by every venue.
type Options struct {
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	StopTimeout    time.Duration
}

// DefaultOptions returns the production reconnect settings.
func DefaultOptions() Options {
	return Options{
		BackoffMin:     time.Second,
		BackoffMax:     30 * time.Second,
		BackoffFactor:  1.5,
		ConnectTimeout: 5 * time.Second,
		PingInterval:   20 * time.Second,
		StopTimeout:    2 * time.Second,
	}
}

// nextBackoff grows d by factor, capped at max.
func nextBackoff(d time.Duration, factor float64, max time.Duration) time.Duration {
	n := time.Duration(float64(d) * factor)
	if n > max {
		return max
	}
	return n
}

// Connector owns one outbound websocket for one venue and keeps it alive
// until Stop. Transport errors are retried indefinitely with capped
// exponential backoff; parse errors are counted and skipped.
type Connector struct {
	strategy Strategy
	opts     Options
	logger   *slog.Logger
	dialer   websocket.Dialer

	mu       sync.RWMutex
	state    domain.ConnectionState
	conn     *websocket.Conn
	onUpdate UpdateFunc

	lifeMu    sync.Mutex
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	connected chan struct{}
	connOnce  sync.Once
	stopped   atomic.Bool
}

// NewConnector wraps strategy in the shared connection loop.
func NewConnector(strategy Strategy, opts Options, logger *slog.Logger) *Connector {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultOptions().StopTimeout
	}
	name := strategy.Name()
	return &Connector{
		strategy: strategy,
		opts:     opts,
		logger:   logger.With(slog.String("component", "venue"), slog.String("venue", name)),
		dialer: websocket.Dialer{
			HandshakeTimeout: opts.ConnectTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		state:     domain.ConnectionState{Venue: name, Status: domain.ConnDisconnected},
		done:      make(chan struct{}),
		connected: make(chan struct{}),
	}
}

// Name returns the venue id.
func (c *Connector) Name() string { return c.strategy.Name() }

// Start launches the connection loop and waits up to ConnectTimeout for the
// first successful connection. On timeout the loop keeps retrying in the
// background and Start returns domain.ErrConnectTimeout. Calling Start again
// only waits; it never opens a second connection.
func (c *Connector) Start(ctx context.Context, onUpdate UpdateFunc) error {
	c.lifeMu.Lock()
	if c.stopped.Load() {
		c.lifeMu.Unlock()
		return fmt.Errorf("venue: %s: %w", c.Name(), domain.ErrStopped)
	}
	if !c.started {
		c.started = true
		c.mu.Lock()
		c.onUpdate = onUpdate
		c.mu.Unlock()

		runCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.run(runCtx)
	}
	c.lifeMu.Unlock()

	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-c.connected:
		return nil
	case <-timer.C:
		return fmt.Errorf("venue: %s: %w", c.Name(), domain.ErrConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the loop and closes the socket. No callback fires after
// Stop returns. It is safe to call more than once.
func (c *Connector) Stop() {
	c.lifeMu.Lock()
	if c.stopped.Swap(true) {
		c.lifeMu.Unlock()
		return
	}
	started, cancel := c.started, c.cancel
	c.lifeMu.Unlock()

	if started {
		cancel()
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}

		select {
		case <-c.done:
		case <-time.After(c.opts.StopTimeout):
			c.logger.Warn("connection loop did not exit in time")
		}
	}

	c.mu.Lock()
	c.state.Status = domain.ConnStopped
	c.mu.Unlock()
	metrics.VenueConnected(c.Name(), false)
	c.logger.Info("stopped")
}

// State returns a copy of the connection health.
func (c *Connector) State() domain.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Latest returns the most recent priced snapshot, if any.
func (c *Connector) Latest() (domain.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.LastPrice <= 0 {
		return domain.Snapshot{}, false
	}
	return domain.Snapshot{
		Venue: c.state.Venue,
		Price: c.state.LastPrice,
		Bid:   c.state.Bid,
		Ask:   c.state.Ask,
		Time:  c.state.LastUpdate,
	}, true
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (c *Connector) run(ctx context.Context) {
	defer close(c.done)

	backoff := c.opts.BackoffMin
	for {
		wasUp, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if wasUp {
			backoff = c.opts.BackoffMin
		}

		c.mu.Lock()
		c.state.Status = domain.ConnDisconnected
		c.state.Errors++
		c.state.Reconnects++
		c.state.Backoff = backoff
		c.mu.Unlock()

		metrics.VenueConnected(c.Name(), false)
		metrics.VenueError(c.Name(), "transport")
		metrics.VenueReconnect(c.Name())
		c.logger.Warn("disconnected", slog.String("error", err.Error()), slog.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.opts.BackoffFactor, c.opts.BackoffMax)
	}
}

// session runs one connection from dial to failure. It reports whether the
// connection was established before it failed.
func (c *Connector) session(ctx context.Context) (bool, error) {
	c.mu.Lock()
	c.state.Status = domain.ConnConnecting
	c.mu.Unlock()

	url, err := c.strategy.Endpoint(ctx)
	if err != nil {
		return false, fmt.Errorf("endpoint: %w", err)
	}

	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()
	// Stop may have run between dial and publishing conn.
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	readTimeout := 3 * c.opts.PingInterval
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	sub, err := c.strategy.Subscribe()
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	if sub != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
			return false, fmt.Errorf("subscribe: %w", err)
		}
	}

	c.markConnected()

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(pingCtx, conn)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("%w: %w", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.handle(msg)
	}
}

func (c *Connector) markConnected() {
	c.mu.Lock()
	c.state.Status = domain.ConnConnected
	c.state.Backoff = c.opts.BackoffMin
	c.mu.Unlock()

	c.connOnce.Do(func() { close(c.connected) })
	metrics.VenueConnected(c.Name(), true)
	c.logger.Info("connected")
}

// pingLoop is the only writer on conn once the session is subscribed.
func (c *Connector) pingLoop(ctx context.Context, conn *websocket.Conn) {
	interval := c.opts.PingInterval
	ka, hasKA := c.strategy.(keepAliver)
	if hasKA {
		if d, _ := ka.KeepAlive(); d > 0 && d < interval {
			interval = d
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			if hasKA {
				_, msg := ka.KeepAlive()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}
}

func (c *Connector) handle(msg []byte) {
	name := c.Name()
	q, err := c.strategy.Parse(msg)

	c.mu.Lock()
	c.state.Messages++
	if err != nil {
		c.state.Errors++
		c.mu.Unlock()
		metrics.VenueError(name, "parse")
		return
	}
	if q.Bid > 0 {
		c.state.Bid = q.Bid
	}
	if q.Ask > 0 {
		c.state.Ask = q.Ask
	}
	if q.Price <= 0 {
		c.mu.Unlock()
		metrics.VenueMessage(name)
		return
	}
	now := time.Now()
	c.state.LastPrice = q.Price
	c.state.LastUpdate = now
	snap := domain.Snapshot{Venue: name, Price: q.Price, Bid: c.state.Bid, Ask: c.state.Ask, Time: now}
	fn := c.onUpdate
	c.mu.Unlock()

	metrics.VenueMessage(name)
	if fn != nil && !c.stopped.Load() {
		fn(snap)
	}
}
