// Package ws is the exchange-agnostic websocket engine: one Client per
// connection drives connect, subscribe, heartbeat and reconnect while a
// per-exchange Processor handles the wire format.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"cryptofeed/config"
	"cryptofeed/internal/fanout"
	"cryptofeed/internal/metrics"
	"cryptofeed/internal/metrics/rate"
	"cryptofeed/logger"
	"cryptofeed/models"
)

// ConnectedEvent is emitted once per established connection.
type ConnectedEvent struct {
	Exchange  string
	URL       string
	Reconnect bool
}

// DisconnectedEvent is emitted when a connection ends. Err is nil for a
// requested Disconnect.
type DisconnectedEvent struct {
	Exchange string
	Err      error
}

type Stats struct {
	State        string    `json:"state"`
	Frames       int64     `json:"frames"`
	DataMessages int64     `json:"dataMessages"`
	ParseErrors  int64     `json:"parseErrors"`
	Reconnects   int64     `json:"reconnects"`
	LastMessage  time.Time `json:"lastMessage"`
	LastData     time.Time `json:"lastData"`
}

// session is one live transport. It is replaced on every reconnect.
type session struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	url    string
}

type Client struct {
	processor Processor
	cfg       config.WebSocketConfig
	localIP   string
	log       *logger.Log

	mu        sync.Mutex
	state     State
	sess      *session
	runCtx    context.Context
	runCancel context.CancelFunc

	writeMu  sync.Mutex
	registry *Registry
	wg       sync.WaitGroup

	frames       atomic.Int64
	dataMessages atomic.Int64
	parseErrors  atomic.Int64
	reconnects   atomic.Int64
	lastRecv     atomic.Int64
	lastData     atomic.Int64

	onConnected    *fanout.List[ConnectedEvent]
	onDisconnected *fanout.List[DisconnectedEvent]
	onError        *fanout.List[error]
	onOrderbook    *fanout.List[*models.OrderBook]
	onTrade        *fanout.List[*models.Trade]
	onTicker       *fanout.List[*models.Ticker]
	onCandle       *fanout.List[*models.Candle]
}

// NewClient builds a client for p. localIP, when set, is the source
// address for the connection.
func NewClient(p Processor, cfg config.WebSocketConfig, localIP string) *Client {
	name := p.Name()
	return &Client{
		processor:      p,
		cfg:            cfg,
		localIP:        localIP,
		log:            logger.GetLogger(),
		registry:       NewRegistry(),
		onConnected:    fanout.New[ConnectedEvent](name + ".connected"),
		onDisconnected: fanout.New[DisconnectedEvent](name + ".disconnected"),
		onError:        fanout.New[error](name + ".error"),
		onOrderbook:    fanout.New[*models.OrderBook](name + ".orderbook"),
		onTrade:        fanout.New[*models.Trade](name + ".trade"),
		onTicker:       fanout.New[*models.Ticker](name + ".ticker"),
		onCandle:       fanout.New[*models.Candle](name + ".candle"),
	}
}

func (c *Client) Exchange() string { return c.processor.Name() }

func (c *Client) LocalIP() string { return c.localIP }

func (c *Client) OnConnected(fn func(ConnectedEvent)) fanout.ID { return c.onConnected.Add(fn) }

func (c *Client) OnDisconnected(fn func(DisconnectedEvent)) fanout.ID {
	return c.onDisconnected.Add(fn)
}

func (c *Client) OnError(fn func(error)) fanout.ID { return c.onError.Add(fn) }

func (c *Client) OnOrderbook(fn func(*models.OrderBook)) fanout.ID { return c.onOrderbook.Add(fn) }

func (c *Client) OnTrade(fn func(*models.Trade)) fanout.ID { return c.onTrade.Add(fn) }

func (c *Client) OnTicker(fn func(*models.Ticker)) fanout.ID { return c.onTicker.Add(fn) }

func (c *Client) OnCandle(fn func(*models.Candle)) fanout.ID { return c.onCandle.Add(fn) }

// RemoveListener unregisters a listener returned by any On* method.
func (c *Client) RemoveListener(id fanout.ID) {
	c.onConnected.Remove(id)
	c.onDisconnected.Remove(id)
	c.onError.Remove(id)
	c.onOrderbook.Remove(id)
	c.onTrade.Remove(id)
	c.onTicker.Remove(id)
	c.onCandle.Remove(id)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
	c.reportState(s)
}

func (c *Client) reportState(s State) {
	v := 0.0
	if s == StateStreaming {
		v = 1
	}
	metrics.ConnectionState.WithLabelValues(c.processor.Name()).Set(v)
}

// Subscriptions returns a copy of the active subscriptions.
func (c *Client) Subscriptions() []models.SubscriptionInfo {
	return c.registry.Active()
}

func (c *Client) Stats() Stats {
	s := Stats{
		State:        c.State().String(),
		Frames:       c.frames.Load(),
		DataMessages: c.dataMessages.Load(),
		ParseErrors:  c.parseErrors.Load(),
		Reconnects:   c.reconnects.Load(),
	}
	if v := c.lastRecv.Load(); v > 0 {
		s.LastMessage = time.Unix(0, v)
	}
	if v := c.lastData.Load(); v > 0 {
		s.LastData = time.Unix(0, v)
	}
	return s
}

// Connect dials the exchange and starts the reader and ping goroutines.
// It does not retry a failed dial; reconnection only follows a dropped
// connection. ctx bounds the lifetime of the connection and any later
// reconnects.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case c.state != StateDisconnected:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%s: connect in state %s", c.processor.Name(), state)
	}
	c.state = StateConnecting
	c.runCtx, c.runCancel = context.WithCancel(ctx)
	runCtx := c.runCtx
	c.mu.Unlock()

	url, err := c.dial(runCtx)
	if err != nil {
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateDisconnected
		}
		if c.runCancel != nil {
			c.runCancel()
		}
		c.mu.Unlock()
		c.emitError(err)
		return err
	}

	c.log.WithComponent("ws_client").WithFields(logger.Fields{
		"exchange": c.processor.Name(),
		"url":      url,
		"local_ip": c.localIP,
	}).Info("websocket connected")
	c.onConnected.Emit(ConnectedEvent{Exchange: c.processor.Name(), URL: url})
	return nil
}

// dial resolves the endpoint, opens the transport and installs a new
// session. The state is Connected on success.
func (c *Client) dial(ctx context.Context) (string, error) {
	endpoint, err := c.resolveEndpoint(ctx)
	if err != nil {
		return "", err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	if c.localIP != "" {
		if ip := net.ParseIP(c.localIP); ip != nil {
			dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}

	conn, _, err := dialer.DialContext(ctx, endpoint.URL, endpoint.Header)
	if err != nil {
		return "", fmt.Errorf("%s: dial %s: %w", c.processor.Name(), endpoint.URL, err)
	}
	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}

	if r, ok := c.processor.(Resetter); ok {
		r.Reset()
	}

	interval := c.processor.PingInterval()
	if endpoint.PingInterval > 0 {
		interval = endpoint.PingInterval
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{conn: conn, cancel: cancel, url: endpoint.URL}

	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		c.touch()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout()))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	c.mu.Lock()
	if c.state == StateClosed || ctx.Err() != nil {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return "", ErrClosed
	}
	c.sess = sess
	c.state = StateConnected
	c.mu.Unlock()
	c.reportState(StateConnected)
	c.touch()

	c.wg.Add(1)
	go c.readLoop(sessCtx, sess)
	if interval > 0 {
		c.wg.Add(1)
		go c.pingLoop(sessCtx, sess, interval)
	}
	return endpoint.URL, nil
}

func (c *Client) resolveEndpoint(ctx context.Context) (Endpoint, error) {
	attempts := c.cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		endpoint, err := c.processor.Endpoint(ctx)
		if err == nil {
			return endpoint, nil
		}
		lastErr = err
		c.log.WithComponent("ws_client").WithFields(logger.Fields{
			"exchange": c.processor.Name(),
			"attempt":  i + 1,
		}).WithError(err).Warn("failed to resolve websocket endpoint")
		if i < attempts-1 && waitForReconnect(ctx, time.Duration(i+1)*500*time.Millisecond) {
			return Endpoint{}, ctx.Err()
		}
	}
	return Endpoint{}, fmt.Errorf("%s: resolve endpoint: %w", c.processor.Name(), lastErr)
}

func (c *Client) touch() {
	c.lastRecv.Store(time.Now().UnixNano())
}

func (c *Client) writeTimeout() time.Duration {
	if c.cfg.WriteTimeout > 0 {
		return c.cfg.WriteTimeout
	}
	return 5 * time.Second
}

func (c *Client) currentSession() (*session, State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess, c.state
}

func (c *Client) write(sess *session, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
	if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%s: write: %w", c.processor.Name(), err)
	}
	return nil
}

func (c *Client) writePing(sess *session) error {
	frame := c.processor.PingFrame()
	if frame != nil {
		return c.write(sess, frame)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout()))
}

func (c *Client) readLoop(ctx context.Context, sess *session) {
	defer c.wg.Done()
	for {
		_, frame, err := sess.conn.ReadMessage()
		if err != nil {
			c.handleDrop(sess, err)
			return
		}
		c.touch()
		c.handleFrame(sess, frame)
		if ctx.Err() != nil {
			c.handleDrop(sess, ctx.Err())
			return
		}
	}
}

// pingLoop sends keepalives and closes the transport when nothing has been
// received for interval plus the pong grace period.
func (c *Client) pingLoop(ctx context.Context, sess *session, interval time.Duration) {
	defer c.wg.Done()
	grace := c.cfg.PongGrace
	if grace <= 0 {
		grace = interval
	}
	check := interval / 4
	if check <= 0 {
		check = interval
	}
	log := c.log.WithComponent("ws_client").WithFields(logger.Fields{"exchange": c.processor.Name()})

	ping := time.NewTicker(interval)
	health := time.NewTicker(check)
	defer ping.Stop()
	defer health.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := c.writePing(sess); err != nil {
				log.WithError(err).Warn("failed to send websocket ping")
				sess.conn.Close()
				return
			}
		case <-health.C:
			silent := time.Since(time.Unix(0, c.lastRecv.Load()))
			if silent > interval+grace {
				log.WithFields(logger.Fields{"silent_ms": silent.Milliseconds()}).Warn("no traffic within ping window, closing connection")
				sess.conn.Close()
				return
			}
		}
	}
}

func (c *Client) handleFrame(sess *session, frame []byte) {
	c.frames.Add(1)
	logger.IncrementCounter(logger.CounterFramesReceived, 1)
	metrics.FramesReceived.WithLabelValues(c.processor.Name()).Inc()

	msg, err := c.process(frame)
	if err != nil {
		c.parseErrors.Add(1)
		metrics.ProcessErrors.WithLabelValues(c.processor.Name()).Inc()
		c.emitError(fmt.Errorf("%s: process frame: %w", c.processor.Name(), err))
		return
	}
	if msg == nil {
		return
	}

	switch msg.Kind {
	case KindPing:
		if len(msg.Reply) > 0 {
			if err := c.write(sess, msg.Reply); err != nil {
				c.emitError(err)
			}
		}
	case KindError:
		if msg.Err != nil {
			rate.ReportLimitFromMessage(c.log, c.processor.Name(), "", c.localIP, "websocket", msg.Err.Error())
			c.emitError(fmt.Errorf("%s: %w", c.processor.Name(), msg.Err))
		}
	case KindData:
		c.dispatch(msg)
	}
}

// process runs the processor with panic recovery so one bad frame cannot
// end the reader.
func (c *Client) process(frame []byte) (msg *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg = nil
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return c.processor.Process(frame)
}

func (c *Client) dispatch(msg *Message) {
	if msg.Records() == 0 {
		return
	}
	now := time.Now()
	c.dataMessages.Add(1)
	c.lastData.Store(now.UnixNano())

	for _, ob := range msg.OrderBooks {
		c.touchSubscription(models.ChannelOrderbook, ob.Symbol, now)
		c.onOrderbook.Emit(ob)
	}
	for _, tr := range msg.Trades {
		c.touchSubscription(models.ChannelTrades, tr.Symbol, now)
		c.onTrade.Emit(tr)
	}
	for _, tk := range msg.Tickers {
		c.touchSubscription(models.ChannelTicker, tk.Symbol, now)
		c.onTicker.Emit(tk)
	}
	for _, cd := range msg.Candles {
		c.touchSubscription(models.ChannelCandles, cd.Symbol, now)
		c.onCandle.Emit(cd)
	}
}

func (c *Client) touchSubscription(channel, symbol string, at time.Time) {
	m, err := models.ParseMarket(symbol)
	if err != nil {
		return
	}
	c.registry.Touch(channel, m, at)
}

func (c *Client) emitError(err error) {
	c.onError.Emit(err)
}

// handleDrop tears down sess. Unless the drop was requested it starts the
// reconnect supervisor.
func (c *Client) handleDrop(sess *session, cause error) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	sess.cancel()
	requested := c.state == StateDisconnected || c.state == StateClosed
	runCtx := c.runCtx
	if !requested {
		c.state = StateReconnecting
	}
	c.mu.Unlock()
	sess.conn.Close()

	if requested || runCtx == nil || runCtx.Err() != nil {
		if !requested {
			c.setState(StateDisconnected)
		}
		return
	}
	c.reportState(StateReconnecting)

	if errors.Is(cause, io.EOF) || websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		cause = fmt.Errorf("%s: connection closed by peer: %w", c.processor.Name(), cause)
	} else {
		cause = fmt.Errorf("%s: connection lost: %w", c.processor.Name(), cause)
	}
	c.log.WithComponent("ws_client").WithFields(logger.Fields{
		"exchange": c.processor.Name(),
	}).WithError(cause).Warn("websocket dropped, reconnecting")
	c.onDisconnected.Emit(DisconnectedEvent{Exchange: c.processor.Name(), Err: cause})

	active := c.registry.Active()
	c.wg.Add(1)
	go c.reconnect(runCtx, active)
}

func (c *Client) reconnect(ctx context.Context, active []models.SubscriptionInfo) {
	defer c.wg.Done()
	b := newBackoff(c.cfg.Reconnect)
	log := c.log.WithComponent("ws_client").WithFields(logger.Fields{"exchange": c.processor.Name()})

	for {
		if ctx.Err() != nil {
			c.setStateIf(StateReconnecting, StateDisconnected)
			return
		}
		c.reconnects.Add(1)
		logger.IncrementCounter(logger.CounterReconnects, 1)
		metrics.Reconnects.WithLabelValues(c.processor.Name()).Inc()

		url, err := c.dial(ctx)
		if err == nil {
			b.Reset()
			log.WithFields(logger.Fields{"url": url, "subscriptions": len(active)}).Info("websocket reconnected")
			c.onConnected.Emit(ConnectedEvent{Exchange: c.processor.Name(), URL: url, Reconnect: true})
			c.resubscribe(active)
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		c.emitError(err)
		delay := b.Duration()
		log.WithError(err).WithFields(logger.Fields{"delay_ms": delay.Milliseconds()}).Warn("reconnect failed, retrying")
		if waitForReconnect(ctx, delay) {
			c.setStateIf(StateReconnecting, StateDisconnected)
			return
		}
	}
}

func (c *Client) setStateIf(from, to State) {
	c.mu.Lock()
	changed := c.state == from
	if changed {
		c.state = to
	}
	c.mu.Unlock()
	if changed {
		c.reportState(to)
	}
}

// frameError marks a subscribe failure raised by the processor rather than
// the connection.
type frameError struct{ err error }

func (e *frameError) Error() string { return e.err.Error() }

func (e *frameError) Unwrap() error { return e.err }

// resubscribe replays subs on the current connection. A failure is
// reported and the remaining subscriptions are still attempted.
func (c *Client) resubscribe(subs []models.SubscriptionInfo) int {
	if len(subs) == 0 {
		return 0
	}
	c.setStateIf(StateConnected, StateSubscribing)
	failed := 0
	for _, sub := range subs {
		if err := c.subscribe(sub.Channel, sub.Symbol, sub.Extra); err != nil {
			failed++
			// Transport failures keep the subscription for the next
			// reconnect; only a frame the processor cannot build is final.
			var fe *frameError
			if errors.As(err, &fe) {
				c.registry.Deactivate(sub.Key())
			}
			c.emitError(fmt.Errorf("%s: resubscribe %s: %w", c.processor.Name(), sub.Key(), err))
		}
	}
	if failed < len(subs) {
		c.setStateIf(StateSubscribing, StateStreaming)
	} else {
		c.setStateIf(StateSubscribing, StateConnected)
	}
	return failed
}

// Resubscribe replays every active subscription on the current connection,
// typically after a manual Disconnect and Connect. It returns how many
// failed.
func (c *Client) Resubscribe() int {
	return c.resubscribe(c.registry.Active())
}

func (c *Client) SubscribeOrderbook(m models.Market) error {
	return c.subscribe(models.ChannelOrderbook, m, "")
}

func (c *Client) SubscribeTrades(m models.Market) error {
	return c.subscribe(models.ChannelTrades, m, "")
}

func (c *Client) SubscribeTicker(m models.Market) error {
	return c.subscribe(models.ChannelTicker, m, "")
}

// SubscribeCandles subscribes to bars of interval, e.g. "1m".
func (c *Client) SubscribeCandles(m models.Market, interval string) error {
	if interval == "" {
		interval = "1m"
	}
	return c.subscribe(models.ChannelCandles, m, interval)
}

func (c *Client) subscribe(channel string, m models.Market, extra string) error {
	if !m.Valid() {
		return &frameError{err: fmt.Errorf("%s: subscribe %s: invalid market %q", c.processor.Name(), channel, m.String())}
	}
	sess, state := c.currentSession()
	if sess == nil || !state.live() {
		return ErrNotConnected
	}

	sub := models.SubscriptionInfo{Channel: channel, Symbol: m, Extra: extra}
	frame, err := c.subscribeFrame(sub)
	if err != nil {
		return &frameError{err: err}
	}
	if err := c.write(sess, frame); err != nil {
		return err
	}
	c.registry.Put(sub)
	c.setStateIf(StateConnected, StateStreaming)

	c.log.WithComponent("ws_client").WithFields(logger.Fields{
		"exchange": c.processor.Name(),
		"channel":  channel,
		"symbol":   m.String(),
	}).Debug("subscribed")
	return nil
}

func (c *Client) subscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	batch, ok := c.processor.(BatchSubscriber)
	if !ok {
		return c.processor.SubscribeFrame(sub)
	}
	if _, err := c.processor.SubscribeFrame(sub); err != nil {
		return nil, err
	}
	set := []models.SubscriptionInfo{}
	for _, s := range c.registry.Active() {
		if s.Key() != sub.Key() {
			set = append(set, s)
		}
	}
	set = append(set, sub)
	return batch.SubscriptionFrame(set)
}

// Unsubscribe removes every active subscription on channel and symbol.
// Unsubscribing something that is not subscribed is a no-op.
func (c *Client) Unsubscribe(channel string, m models.Market) error {
	subs := c.registry.Find(channel, m)
	if len(subs) == 0 {
		return nil
	}

	sess, state := c.currentSession()
	for _, sub := range subs {
		if sess != nil && state.live() {
			frame, err := c.unsubscribeFrame(sub)
			if err != nil {
				return err
			}
			if err := c.write(sess, frame); err != nil {
				return err
			}
		}
		c.registry.Deactivate(sub.Key())
	}
	return nil
}

func (c *Client) unsubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	batch, ok := c.processor.(BatchSubscriber)
	if !ok {
		return c.processor.UnsubscribeFrame(sub)
	}
	set := []models.SubscriptionInfo{}
	for _, s := range c.registry.Active() {
		if s.Key() != sub.Key() {
			set = append(set, s)
		}
	}
	return batch.SubscriptionFrame(set)
}

// Disconnect closes the transport without reconnecting. Subscriptions are
// kept for a later Resubscribe.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasLive := c.sess != nil
	c.disconnectLocked(StateDisconnected)
	c.mu.Unlock()
	c.reportState(StateDisconnected)

	if wasLive {
		c.log.WithComponent("ws_client").WithFields(logger.Fields{"exchange": c.processor.Name()}).Info("websocket disconnected")
		c.onDisconnected.Emit(DisconnectedEvent{Exchange: c.processor.Name()})
	}
}

// disconnectLocked must be called with c.mu held.
func (c *Client) disconnectLocked(next State) {
	c.state = next
	if c.runCancel != nil {
		c.runCancel()
	}
	if c.sess != nil {
		sess := c.sess
		c.sess = nil
		sess.cancel()
		c.writeMu.Lock()
		sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		sess.conn.Close()
	}
}

// Close disconnects, waits for the client goroutines and releases the
// processor's HTTP resources. It is safe to call more than once but must
// not be called from a listener.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasLive := c.sess != nil
	c.disconnectLocked(StateClosed)
	c.mu.Unlock()
	c.reportState(StateClosed)

	if wasLive {
		c.onDisconnected.Emit(DisconnectedEvent{Exchange: c.processor.Name()})
	}
	c.wg.Wait()

	if closer, ok := c.processor.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// WaitForData blocks until a data record arrives or timeout elapses.
func (c *Client) WaitForData(ctx context.Context, timeout time.Duration) error {
	start := c.dataMessages.Load()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if c.dataMessages.Load() > start {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%s: no data within %s", c.processor.Name(), timeout)
		case <-tick.C:
		}
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
