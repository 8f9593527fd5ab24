package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cryptofeed/config"
	"cryptofeed/models"
)

// fakeProcessor speaks a line protocol: the client sends "sub:<key>" and
// the server pushes "trade:<BASE/QUOTE>", "PING", "err:<text>" or "panic".
type fakeProcessor struct {
	url      string
	interval time.Duration
	ping     []byte

	mu         sync.Mutex
	failSymbol string
	resets     atomic.Int32
}

func (p *fakeProcessor) Name() string { return "fake" }

func (p *fakeProcessor) Endpoint(context.Context) (Endpoint, error) {
	return Endpoint{URL: p.url}, nil
}

func (p *fakeProcessor) SubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	if sub.Channel == models.ChannelCandles {
		return nil, ErrUnsupportedChannel
	}
	p.mu.Lock()
	fail := p.failSymbol
	p.mu.Unlock()
	if fail != "" && sub.Symbol.String() == fail {
		return nil, errors.New("injected failure")
	}
	return []byte("sub:" + sub.Key()), nil
}

func (p *fakeProcessor) UnsubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	return []byte("unsub:" + sub.Key()), nil
}

func (p *fakeProcessor) PingFrame() []byte { return p.ping }

func (p *fakeProcessor) PingInterval() time.Duration { return p.interval }

func (p *fakeProcessor) Reset() { p.resets.Add(1) }

func (p *fakeProcessor) Process(frame []byte) (*Message, error) {
	s := string(frame)
	switch {
	case s == "PING":
		return Ping([]byte("PONG")), nil
	case s == "panic":
		panic("bad frame")
	case strings.HasPrefix(s, "err:"):
		return Errorf("%s", strings.TrimPrefix(s, "err:")), nil
	case strings.HasPrefix(s, "trade:"):
		m, err := models.ParseMarket(strings.TrimPrefix(s, "trade:"))
		if err != nil {
			return nil, err
		}
		return Trades(&models.Trade{Exchange: "fake", Symbol: m.String(), Result: []models.TradeItem{{TradeID: "1", Price: 1, Quantity: 1}}}), nil
	}
	return nil, fmt.Errorf("unknown frame %q", s)
}

type serverFrame struct {
	conn int
	text string
}

type fakeServer struct {
	srv      *httptest.Server
	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan serverFrame
	accepted chan int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{received: make(chan serverFrame, 256), accepted: make(chan int, 16)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		idx := len(fs.conns)
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		fs.accepted <- idx
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fs.received <- serverFrame{conn: idx, text: string(data)}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) conn(i int) *websocket.Conn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conns[i]
}

func (fs *fakeServer) send(t *testing.T, i int, text string) {
	t.Helper()
	if err := fs.conn(i).WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// expect collects frames from connection idx until all wanted texts were
// seen.
func (fs *fakeServer) expect(t *testing.T, idx int, want ...string) {
	t.Helper()
	pending := map[string]bool{}
	for _, w := range want {
		pending[w] = true
	}
	timeout := time.After(2 * time.Second)
	for len(pending) > 0 {
		select {
		case f := <-fs.received:
			if f.conn == idx {
				delete(pending, f.text)
			}
		case <-timeout:
			t.Fatalf("connection %d: frames not received: %v", idx, pending)
		}
	}
}

func testConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		PongGrace:        50 * time.Millisecond,
		ConnectAttempts:  1,
		Reconnect:        config.ReconnectConfig{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
	}
}

func TestConnectSubscribeAndReceive(t *testing.T) {
	fs := newFakeServer(t)
	proc := &fakeProcessor{url: fs.url()}
	c := NewClient(proc, testConfig(), "")
	defer c.Close()

	connected := make(chan ConnectedEvent, 1)
	c.OnConnected(func(e ConnectedEvent) { connected <- e })
	trades := make(chan *models.Trade, 1)
	c.OnTrade(func(tr *models.Trade) { trades <- tr })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if ev := <-connected; ev.Reconnect || ev.Exchange != "fake" {
		t.Fatalf("unexpected connected event %+v", ev)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}
	if proc.resets.Load() != 1 {
		t.Fatalf("expected processor reset on connect")
	}

	btc := models.MustParseMarket("BTC/USDT")
	if err := c.SubscribeTrades(btc); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	fs.expect(t, 0, "sub:trades|BTC/USDT")
	if c.State() != StateStreaming {
		t.Fatalf("expected streaming, got %s", c.State())
	}

	fs.send(t, 0, "trade:BTC/USDT")
	select {
	case tr := <-trades:
		if tr.Symbol != "BTC/USDT" {
			t.Fatalf("unexpected trade %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("trade not delivered")
	}

	subs := c.Subscriptions()
	if len(subs) != 1 || !subs[0].Active || subs[0].Key() != "trades|BTC/USDT" {
		t.Fatalf("unexpected subscriptions %+v", subs)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("second connect must fail")
	}
}

func TestSubscribeRequiresConnection(t *testing.T) {
	c := NewClient(&fakeProcessor{url: "ws://127.0.0.1:1"}, testConfig(), "")
	err := c.SubscribeOrderbook(models.MustParseMarket("BTC/USDT"))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if len(c.Subscriptions()) != 0 {
		t.Fatalf("failed subscribe must not record a subscription")
	}
}

func TestConnectFailureEmitsError(t *testing.T) {
	c := NewClient(&fakeProcessor{url: "ws://127.0.0.1:1"}, testConfig(), "")
	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })

	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
	select {
	case <-errs:
	default:
		t.Fatalf("expected OnError on failed connect")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
}

func TestUnsupportedChannelAndIdempotentUnsubscribe(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(&fakeProcessor{url: fs.url()}, testConfig(), "")
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	eth := models.MustParseMarket("ETH/USDT")
	if err := c.SubscribeCandles(eth, "1m"); !errors.Is(err, ErrUnsupportedChannel) {
		t.Fatalf("expected ErrUnsupportedChannel, got %v", err)
	}

	if err := c.Unsubscribe(models.ChannelTicker, eth); err != nil {
		t.Fatalf("unsubscribe of unknown subscription: %v", err)
	}
	if err := c.SubscribeTicker(eth); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Unsubscribe(models.ChannelTicker, eth); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	fs.expect(t, 0, "sub:ticker|ETH/USDT", "unsub:ticker|ETH/USDT")
	if err := c.Unsubscribe(models.ChannelTicker, eth); err != nil {
		t.Fatalf("repeated unsubscribe: %v", err)
	}
	if len(c.Subscriptions()) != 0 {
		t.Fatalf("expected no active subscriptions")
	}

	select {
	case f := <-fs.received:
		t.Fatalf("repeated unsubscribe sent a frame: %q", f.text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconnectResubscribesEverySubscription(t *testing.T) {
	fs := newFakeServer(t)
	proc := &fakeProcessor{url: fs.url()}
	c := NewClient(proc, testConfig(), "")
	defer c.Close()

	reconnected := make(chan struct{}, 1)
	c.OnConnected(func(e ConnectedEvent) {
		if e.Reconnect {
			reconnected <- struct{}{}
		}
	})
	disconnects := make(chan DisconnectedEvent, 4)
	c.OnDisconnected(func(e DisconnectedEvent) { disconnects <- e })
	var errMu sync.Mutex
	var errs []string
	c.OnError(func(err error) {
		errMu.Lock()
		errs = append(errs, err.Error())
		errMu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fs.accepted
	for _, s := range []string{"BTC/USDT", "ETH/USDT", "XRP/USDT"} {
		if err := c.SubscribeTrades(models.MustParseMarket(s)); err != nil {
			t.Fatalf("subscribe %s: %v", s, err)
		}
	}
	fs.expect(t, 0, "sub:trades|BTC/USDT", "sub:trades|ETH/USDT", "sub:trades|XRP/USDT")

	proc.mu.Lock()
	proc.failSymbol = "ETH/USDT"
	proc.mu.Unlock()
	fs.conn(0).Close()

	select {
	case ev := <-disconnects:
		if ev.Err == nil {
			t.Fatalf("drop must carry an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no disconnect event")
	}
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatalf("client did not reconnect")
	}
	fs.expect(t, 1, "sub:trades|BTC/USDT", "sub:trades|XRP/USDT")

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateStreaming && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.State() != StateStreaming {
		t.Fatalf("expected streaming after resubscribe, got %s", c.State())
	}

	errMu.Lock()
	found := false
	for _, e := range errs {
		if strings.Contains(e, "resubscribe trades|ETH/USDT") {
			found = true
		}
	}
	errMu.Unlock()
	if !found {
		t.Fatalf("expected resubscribe failure to be reported, got %v", errs)
	}

	subs := c.Subscriptions()
	if len(subs) != 2 {
		t.Fatalf("expected 2 active subscriptions, got %+v", subs)
	}
	if c.Stats().Reconnects < 1 {
		t.Fatalf("reconnect not counted")
	}
	if proc.resets.Load() != 2 {
		t.Fatalf("expected reset per connection, got %d", proc.resets.Load())
	}
}

func TestServerPingIsAnswered(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(&fakeProcessor{url: fs.url()}, testConfig(), "")
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fs.accepted
	fs.send(t, 0, "PING")
	fs.expect(t, 0, "PONG")
}

func TestSilentConnectionIsClosed(t *testing.T) {
	fs := newFakeServer(t)
	proc := &fakeProcessor{url: fs.url(), interval: 40 * time.Millisecond, ping: []byte("ping")}
	cfg := testConfig()
	cfg.PongGrace = 40 * time.Millisecond
	c := NewClient(proc, cfg, "")
	defer c.Close()

	dropped := make(chan DisconnectedEvent, 4)
	c.OnDisconnected(func(e DisconnectedEvent) { dropped <- e })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fs.expect(t, 0, "ping")

	select {
	case ev := <-dropped:
		if ev.Err == nil {
			t.Fatalf("health close must report an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("silent connection was not closed")
	}
}

func TestBadFramesDoNotStopReader(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(&fakeProcessor{url: fs.url()}, testConfig(), "")
	defer c.Close()

	errs := make(chan error, 8)
	c.OnError(func(err error) { errs <- err })
	trades := make(chan *models.Trade, 1)
	c.OnTrade(func(tr *models.Trade) { trades <- tr })
	c.OnTrade(func(*models.Trade) { panic("listener failure") })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fs.accepted
	fs.send(t, 0, "panic")
	fs.send(t, 0, "garbage")
	fs.send(t, 0, "err:subscription rejected")
	fs.send(t, 0, "trade:ETH/BTC")

	select {
	case tr := <-trades:
		if tr.Symbol != "ETH/BTC" {
			t.Fatalf("unexpected trade %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader stopped after bad frames")
	}
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d", len(errs))
	}
	if s := c.Stats(); s.ParseErrors != 2 || s.DataMessages != 1 || s.Frames != 4 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestDisconnectKeepsSubscriptions(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(&fakeProcessor{url: fs.url()}, testConfig(), "")
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	btc := models.MustParseMarket("BTC/USDT")
	if err := c.SubscribeOrderbook(btc); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	fs.expect(t, 0, "sub:orderbook|BTC/USDT")

	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	if len(c.Subscriptions()) != 1 {
		t.Fatalf("disconnect must keep subscriptions")
	}
	if err := c.SubscribeTrades(btc); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if failed := c.Resubscribe(); failed != 0 {
		t.Fatalf("resubscribe failed for %d subscriptions", failed)
	}
	fs.expect(t, 1, "sub:orderbook|BTC/USDT")
}

func TestCloseIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(&fakeProcessor{url: fs.url()}, testConfig(), "")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWaitForData(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(&fakeProcessor{url: fs.url()}, testConfig(), "")
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fs.accepted

	if err := c.WaitForData(context.Background(), 50*time.Millisecond); err == nil {
		t.Fatalf("expected timeout without data")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		fs.conn(0).WriteMessage(websocket.TextMessage, []byte("trade:BTC/USDT"))
	}()
	if err := c.WaitForData(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("wait for data: %v", err)
	}
}

func TestResubscribeWithoutConnectionKeepsSubscriptions(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(&fakeProcessor{url: fs.url()}, testConfig(), "")
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for _, s := range []string{"BTC/USDT", "ETH/USDT"} {
		if err := c.SubscribeTrades(models.MustParseMarket(s)); err != nil {
			t.Fatalf("subscribe %s: %v", s, err)
		}
	}
	fs.expect(t, 0, "sub:trades|BTC/USDT", "sub:trades|ETH/USDT")

	c.Disconnect()
	if failed := c.Resubscribe(); failed != 2 {
		t.Fatalf("expected 2 failures while disconnected, got %d", failed)
	}
	if subs := c.Subscriptions(); len(subs) != 2 {
		t.Fatalf("transport failure deactivated subscriptions: %+v", subs)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if failed := c.Resubscribe(); failed != 0 {
		t.Fatalf("resubscribe failed for %d subscriptions", failed)
	}
	fs.expect(t, 1, "sub:trades|BTC/USDT", "sub:trades|ETH/USDT")
}

func TestDropDuringResubscribeReplaysEverySubscription(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(&fakeProcessor{url: fs.url()}, testConfig(), "")
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fs.accepted
	symbols := []string{"BTC/USDT", "ETH/USDT", "XRP/USDT", "SOL/USDT"}
	var keys []string
	for _, s := range symbols {
		if err := c.SubscribeTrades(models.MustParseMarket(s)); err != nil {
			t.Fatalf("subscribe %s: %v", s, err)
		}
		keys = append(keys, "sub:trades|"+s)
	}
	fs.expect(t, 0, keys...)

	fs.conn(0).Close()
	select {
	case idx := <-fs.accepted:
		if idx != 1 {
			t.Fatalf("unexpected connection %d", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client did not reconnect")
	}
	// the second connection dies as soon as the replay starts
	timeout := time.After(2 * time.Second)
	for closed := false; !closed; {
		select {
		case f := <-fs.received:
			if f.conn == 1 {
				fs.conn(1).Close()
				closed = true
			}
		case <-timeout:
			t.Fatalf("no resubscribe frame on connection 1")
		}
	}

	fs.expect(t, 2, keys...)
	if subs := c.Subscriptions(); len(subs) != len(symbols) {
		t.Fatalf("expected %d active subscriptions, got %+v", len(symbols), subs)
	}
}

func TestDataRefreshesSubscription(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(&fakeProcessor{url: fs.url()}, testConfig(), "")
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fs.accepted
	if err := c.SubscribeTrades(models.MustParseMarket("BTC/USDT")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	fs.expect(t, 0, "sub:trades|BTC/USDT")
	before := c.Subscriptions()[0].LastUpdate

	time.Sleep(5 * time.Millisecond)
	fs.send(t, 0, "trade:BTC/USDT")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if subs := c.Subscriptions(); len(subs) == 1 && subs[0].LastUpdate.After(before) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("last update not refreshed by data")
}
