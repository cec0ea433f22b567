// Package outcome maintains live order books for the two outcome tokens
// of one prediction market window over the CLOB market websocket.
package outcome

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/alanyoungcy/pulsefeed/internal/metrics"
	"github.com/gorilla/websocket"
)

// DefaultURL is the public CLOB market channel.
const DefaultURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

const writeWait = 10 * time.Second

// Options tunes the outcome connection.
type Options struct {
	URL            string
	Resubscribe    time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	StopTimeout    time.Duration
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		URL:            DefaultURL,
		Resubscribe:    3 * time.Minute,
		BackoffMin:     time.Second,
		BackoffMax:     5 * time.Second,
		BackoffFactor:  1.5,
		ConnectTimeout: 5 * time.Second,
		PingInterval:   20 * time.Second,
		StopTimeout:    2 * time.Second,
	}
}

// ChangeFunc is called after every applied top-of-book change.
type ChangeFunc func(tokenID string, bid, ask float64)

// Feed holds one websocket subscribed to an up/down token pair. Book state
// per token is published through an atomic pointer so readers never see a
// half-applied event.
type Feed struct {
	opts     Options
	logger   *slog.Logger
	dialer   websocket.Dialer
	onChange ChangeFunc

	// tokens and books are fixed by Start and read without locking after.
	tokens domain.TokenPair
	books  map[string]*atomic.Pointer[domain.OutcomeBookState]

	mu         sync.RWMutex
	conn       *websocket.Conn
	status     domain.ConnStatus
	messages   uint64
	errors     uint64
	reconnects uint64

	lifeMu    sync.Mutex
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	connected chan struct{}
	connOnce  sync.Once
	stopped   atomic.Bool
}

// NewFeed returns an idle feed. onChange may be nil.
func NewFeed(opts Options, onChange ChangeFunc, logger *slog.Logger) *Feed {
	def := DefaultOptions()
	if opts.URL == "" {
		opts.URL = def.URL
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}
	if opts.BackoffFactor <= 1 {
		opts.BackoffFactor = def.BackoffFactor
	}
	return &Feed{
		opts:     opts,
		logger:   logger.With(slog.String("component", "outcome")),
		onChange: onChange,
		dialer: websocket.Dialer{
			HandshakeTimeout: opts.ConnectTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		status:    domain.ConnDisconnected,
		done:      make(chan struct{}),
		connected: make(chan struct{}),
	}
}

// Start subscribes to tokens and waits up to ConnectTimeout for the first
// connection. A feed serves exactly one token pair; later calls ignore
// tokens and only wait. On timeout the loop keeps retrying until Stop, so a
// caller discarding the feed must Stop it.
func (f *Feed) Start(ctx context.Context, tokens domain.TokenPair) error {
	f.lifeMu.Lock()
	if f.stopped.Load() {
		f.lifeMu.Unlock()
		return fmt.Errorf("outcome: start: %w", domain.ErrStopped)
	}
	if !f.started {
		if !tokens.Valid() {
			f.lifeMu.Unlock()
			return fmt.Errorf("outcome: start: invalid token pair")
		}
		f.started = true
		f.tokens = tokens
		f.books = make(map[string]*atomic.Pointer[domain.OutcomeBookState], 2)
		for _, id := range []string{tokens.Up, tokens.Down} {
			p := &atomic.Pointer[domain.OutcomeBookState]{}
			p.Store(&domain.OutcomeBookState{TokenID: id})
			f.books[id] = p
		}
		f.logger = f.logger.With(slog.String("up", short(tokens.Up)), slog.String("down", short(tokens.Down)))

		runCtx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		go f.run(runCtx)
	}
	f.lifeMu.Unlock()

	timer := time.NewTimer(f.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-f.connected:
		return nil
	case <-timer.C:
		return fmt.Errorf("outcome: start: %w", domain.ErrConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the socket and ends the loop. It is safe to call more than
// once and no callback fires after it returns.
func (f *Feed) Stop() {
	f.lifeMu.Lock()
	if f.stopped.Swap(true) {
		f.lifeMu.Unlock()
		return
	}
	started, cancel := f.started, f.cancel
	f.lifeMu.Unlock()

	if started {
		cancel()
		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		select {
		case <-f.done:
		case <-time.After(f.opts.StopTimeout):
			f.logger.Warn("connection loop did not exit in time")
		}
	} else {
		close(f.done)
	}

	f.mu.Lock()
	f.status = domain.ConnStopped
	f.mu.Unlock()
	f.logger.Info("stopped")
}

// Done is closed once the connection loop has exited.
func (f *Feed) Done() <-chan struct{} { return f.done }

// Tokens returns the subscribed pair.
func (f *Feed) Tokens() domain.TokenPair {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()
	return f.tokens
}

// Connected reports whether the socket is currently up.
func (f *Feed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status == domain.ConnConnected
}

// Stats is a point-in-time view of the connection counters.
type Stats struct {
	Status     domain.ConnStatus `json:"status"`
	Messages   uint64            `json:"messages"`
	Errors     uint64            `json:"errors"`
	Reconnects uint64            `json:"reconnects"`
}

// Stats returns the connection counters.
func (f *Feed) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{Status: f.status, Messages: f.messages, Errors: f.errors, Reconnects: f.reconnects}
}

// Book returns the current book for tokenID.
func (f *Feed) Book(tokenID string) (domain.OutcomeBookState, bool) {
	p := f.book(tokenID)
	if p == nil {
		return domain.OutcomeBookState{}, false
	}
	return *p.Load(), true
}

// Prices returns the up and down mids. ok is false unless both are known.
func (f *Feed) Prices() (up, down float64, ok bool) {
	tokens := f.Tokens()
	ub, uok := f.Book(tokens.Up)
	db, dok := f.Book(tokens.Down)
	if !uok || !dok {
		return 0, 0, false
	}
	up, uok = ub.Mid()
	down, dok = db.Mid()
	return up, down, uok && dok
}

// Spread returns best ask minus best bid for tokenID.
func (f *Feed) Spread(tokenID string) (float64, bool) {
	b, ok := f.Book(tokenID)
	if !ok {
		return 0, false
	}
	return b.Spread()
}

// ExpectedFill walks the book for a market order of size shares. It fails
// when the book is empty or too thin to fill size.
func (f *Feed) ExpectedFill(tokenID string, side domain.Side, size float64) (domain.FillEstimate, bool) {
	b, ok := f.Book(tokenID)
	if !ok {
		return domain.FillEstimate{}, false
	}
	return expectedFill(b, side, size)
}

// Liquidity sums the size available at limit or better. A non-positive
// limit returns the whole side.
func (f *Feed) Liquidity(tokenID string, side domain.Side, limit float64) float64 {
	b, ok := f.Book(tokenID)
	if !ok {
		return 0
	}
	return liquidity(b, side, limit)
}

// Age is the age of the older of the two books among those that have been
// updated. It is false when neither has.
func (f *Feed) Age() (time.Duration, bool) {
	var oldest time.Time
	for _, id := range f.tokenIDs() {
		b, _ := f.Book(id)
		if b.UpdatedAt.IsZero() {
			continue
		}
		if oldest.IsZero() || b.UpdatedAt.Before(oldest) {
			oldest = b.UpdatedAt
		}
	}
	if oldest.IsZero() {
		return time.Duration(math.MaxInt64), false
	}
	return time.Since(oldest), true
}

// IsStale reports whether no update is younger than maxAge.
func (f *Feed) IsStale(maxAge time.Duration) bool {
	age, ok := f.Age()
	return !ok || age > maxAge
}

func (f *Feed) tokenIDs() []string {
	t := f.Tokens()
	if !t.Valid() {
		return nil
	}
	return []string{t.Up, t.Down}
}

func (f *Feed) book(tokenID string) *atomic.Pointer[domain.OutcomeBookState] {
	f.lifeMu.Lock()
	books := f.books
	f.lifeMu.Unlock()
	return books[tokenID]
}

// --------------------------------------------------------------------------
// Connection loop
// --------------------------------------------------------------------------

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)

	backoff := f.opts.BackoffMin
	for {
		wasUp, err := f.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if wasUp {
			backoff = f.opts.BackoffMin
		}

		f.mu.Lock()
		f.status = domain.ConnDisconnected
		f.errors++
		f.reconnects++
		f.mu.Unlock()
		metrics.OutcomeEvent("disconnect")
		f.logger.Warn("disconnected", slog.String("error", err.Error()), slog.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = time.Duration(math.Min(float64(backoff)*f.opts.BackoffFactor, float64(f.opts.BackoffMax)))
	}
}

type subscribeMessage struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

func (f *Feed) session(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.status = domain.ConnConnecting
	f.mu.Unlock()

	conn, _, err := f.dialer.DialContext(ctx, f.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		conn.Close()
	}()
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	readTimeout := 3 * f.opts.PingInterval
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	sub, err := json.Marshal(subscribeMessage{AssetIDs: []string{f.tokens.Up, f.tokens.Down}, Type: "market"})
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	f.mu.Lock()
	f.status = domain.ConnConnected
	f.mu.Unlock()
	f.connOnce.Do(func() { close(f.connected) })
	f.logger.Info("connected")

	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.writeLoop(writeCtx, conn, sub)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("%w: %w", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		f.handle(msg)
	}
}

// writeLoop is the only writer once the session is subscribed. It pings
// and periodically repeats the subscription so the server keeps pushing.
func (f *Feed) writeLoop(ctx context.Context, conn *websocket.Conn, sub []byte) {
	ping := time.NewTicker(f.opts.PingInterval)
	defer ping.Stop()

	resub := f.opts.Resubscribe
	if resub <= 0 {
		resub = DefaultOptions().Resubscribe
	}
	again := time.NewTicker(resub)
	defer again.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-again.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
				return
			}
			f.logger.Debug("resubscribed")
		}
	}
}

// --------------------------------------------------------------------------
// Message handling
// --------------------------------------------------------------------------

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wireChange struct {
	AssetID string `json:"asset_id"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

type wireEvent struct {
	EventType    string       `json:"event_type"`
	AssetID      string       `json:"asset_id"`
	Bids         []wireLevel  `json:"bids"`
	Asks         []wireLevel  `json:"asks"`
	PriceChanges []wireChange `json:"price_changes"`
	Changes      []wireChange `json:"changes"`
}

// handle accepts a single event object or an array of them. An empty array
// is the subscription ack. Undecodable frames are counted and dropped.
// The message counter moves only after the frame is applied.
func (f *Feed) handle(msg []byte) {
	defer func() {
		f.mu.Lock()
		f.messages++
		f.mu.Unlock()
	}()

	trimmed := bytes.TrimSpace(msg)
	var events []wireEvent
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &events); err != nil {
			f.countError("decode")
			return
		}
	default:
		var ev wireEvent
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			f.countError("decode")
			return
		}
		events = []wireEvent{ev}
	}

	for _, ev := range events {
		if f.stopped.Load() {
			return
		}
		f.apply(ev)
	}
}

func (f *Feed) apply(ev wireEvent) {
	now := time.Now()
	switch ev.EventType {
	case "book":
		p := f.book(ev.AssetID)
		if p == nil {
			return
		}
		bids, err1 := parseLevels(ev.Bids)
		asks, err2 := parseLevels(ev.Asks)
		if err1 != nil || err2 != nil {
			f.countError("book")
			return
		}
		next, ok := withLadders(*p.Load(), bids, asks, now)
		if !ok {
			return
		}
		p.Store(&next)
		metrics.OutcomeEvent("book")
		f.notify(next.TokenID, next.BestBid, next.BestAsk)

	case "price_change":
		changes := ev.PriceChanges
		if len(changes) == 0 {
			changes = ev.Changes
		}
		for _, c := range changes {
			p := f.book(c.AssetID)
			if p == nil || c.BestBid == "" || c.BestAsk == "" {
				continue
			}
			bid, err1 := strconv.ParseFloat(c.BestBid, 64)
			ask, err2 := strconv.ParseFloat(c.BestAsk, 64)
			if err1 != nil || err2 != nil {
				f.countError("price_change")
				continue
			}
			next := withTop(*p.Load(), bid, ask, now)
			p.Store(&next)
			metrics.OutcomeEvent("price_change")
			f.notify(c.AssetID, bid, ask)
		}

	case "":
	default:
		metrics.OutcomeEvent(ev.EventType)
	}
}

func (f *Feed) notify(tokenID string, bid, ask float64) {
	if f.onChange != nil && !f.stopped.Load() {
		f.onChange(tokenID, bid, ask)
	}
}

func (f *Feed) countError(kind string) {
	f.mu.Lock()
	f.errors++
	f.mu.Unlock()
	metrics.OutcomeEvent("error_" + kind)
}

func parseLevels(in []wireLevel) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		price, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseFloat(l.Size, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

func short(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
