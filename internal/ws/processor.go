package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cryptofeed/models"
)

var (
	ErrNotConnected       = errors.New("websocket not connected")
	ErrUnsupportedChannel = errors.New("channel not supported by exchange")
	ErrClosed             = errors.New("websocket client closed")
)

// Endpoint is where a processor wants the client to dial. PingInterval
// overrides Processor.PingInterval when the exchange hands one out at
// connect time.
type Endpoint struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration
}

// Processor adapts one exchange's wire protocol to the client engine.
// Process is only called from the connection's reader goroutine.
type Processor interface {
	Name() string
	Endpoint(ctx context.Context) (Endpoint, error)
	SubscribeFrame(sub models.SubscriptionInfo) ([]byte, error)
	UnsubscribeFrame(sub models.SubscriptionInfo) ([]byte, error)
	// PingFrame returns the application ping. nil means a websocket
	// control ping.
	PingFrame() []byte
	// PingInterval of 0 leaves keepalive to the server.
	PingInterval() time.Duration
	Process(frame []byte) (*Message, error)
}

// Resetter is implemented by processors that keep per-connection state,
// such as sequence guards. Reset runs before each new connection reads.
type Resetter interface {
	Reset()
}

// BatchSubscriber is implemented by exchanges where each subscribe request
// replaces the whole subscription set.
type BatchSubscriber interface {
	SubscriptionFrame(active []models.SubscriptionInfo) ([]byte, error)
}

// Kind tags what a processed frame carried.
type Kind int

const (
	KindIgnore Kind = iota
	KindData
	KindPing
	KindPong
	KindAck
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindIgnore:
		return "ignore"
	case KindData:
		return "data"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindAck:
		return "ack"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Message is the result of processing one frame. Only the fields matching
// Kind are set.
type Message struct {
	Kind Kind
	// Reply is written back on the connection for KindPing.
	Reply []byte
	Err   error

	OrderBooks []*models.OrderBook
	Trades     []*models.Trade
	Tickers    []*models.Ticker
	Candles    []*models.Candle
}

func Ignore() *Message { return &Message{Kind: KindIgnore} }

func Ack() *Message { return &Message{Kind: KindAck} }

func Pong() *Message { return &Message{Kind: KindPong} }

// Ping answers a server ping with reply.
func Ping(reply []byte) *Message { return &Message{Kind: KindPing, Reply: reply} }

// Errorf reports an exchange-level error frame, for example a rejected
// subscription.
func Errorf(format string, args ...interface{}) *Message {
	return &Message{Kind: KindError, Err: fmt.Errorf(format, args...)}
}

func OrderBooks(obs ...*models.OrderBook) *Message {
	return &Message{Kind: KindData, OrderBooks: obs}
}

func Trades(trades ...*models.Trade) *Message {
	return &Message{Kind: KindData, Trades: trades}
}

func Tickers(tickers ...*models.Ticker) *Message {
	return &Message{Kind: KindData, Tickers: tickers}
}

func Candles(candles ...*models.Candle) *Message {
	return &Message{Kind: KindData, Candles: candles}
}

// Records counts the normalized records carried by m.
func (m *Message) Records() int {
	return len(m.OrderBooks) + len(m.Trades) + len(m.Tickers) + len(m.Candles)
}
