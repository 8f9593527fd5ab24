package models

// Subscription channel names shared by every exchange client.
const (
	ChannelOrderbook = "orderbook"
	ChannelTrades    = "trades"
	ChannelTicker    = "ticker"
	ChannelCandles   = "candles"
)

// Dispatch commands carried by QMessage.
const (
	CommandWebSocket = "WS"
	CommandPolling   = "AP"
	CommandSnapshot  = "SS"
	// CommandReset discards materialized books so the next snapshot re-seeds
	// them whatever its sequence.
	CommandReset = "RS"
)

// Orderbook actions.
const (
	ActionSnapshot = "snapshot"
	ActionDelta    = "delta"
)

// Trade sides after normalization. Bid is a buyer-initiated trade.
const (
	SideBid = "bid"
	SideAsk = "ask"
)

// Order types reported on trades.
const (
	OrderTypeLimit  = "limit"
	OrderTypeMarket = "market"
)

// ValidChannel reports whether c is one of the known channels.
func ValidChannel(c string) bool {
	switch c {
	case ChannelOrderbook, ChannelTrades, ChannelTicker, ChannelCandles:
		return true
	}
	return false
}
