package processor

import (
	"context"

	"cryptofeed/internal/channel"
	"cryptofeed/internal/fanout"
	"cryptofeed/internal/ws"
	"cryptofeed/logger"
	"cryptofeed/models"
)

// recordSource is the listener surface of a websocket client.
type recordSource interface {
	Exchange() string
	OnOrderbook(fn func(*models.OrderBook)) fanout.ID
	OnTrade(fn func(*models.Trade)) fanout.ID
	OnTicker(fn func(*models.Ticker)) fanout.ID
	OnCandle(fn func(*models.Candle)) fanout.ID
}

// connectionSource is implemented by clients that report (re)connects.
type connectionSource interface {
	OnConnected(fn func(ws.ConnectedEvent)) fanout.ID
	Subscriptions() []models.SubscriptionInfo
}

var (
	_ recordSource     = (*ws.Client)(nil)
	_ connectionSource = (*ws.Client)(nil)
)

// Attach forwards every record a client emits into the queue as a "WS"
// message. It returns the listener ids so the caller can detach.
//
// When src reports connects, each connect queues a reset of the books it
// subscribes to, ahead of the snapshots the new session sends.
func Attach(ctx context.Context, src recordSource, q *channel.Queue) []fanout.ID {
	log := logger.GetLogger().WithComponent("bridge").WithFields(logger.Fields{"exchange": src.Exchange()})
	enqueue := func(stream, action, symbol string, record interface{}) {
		msg, err := models.NewQMessage(models.CommandWebSocket, src.Exchange(), stream, action, record)
		if err != nil {
			log.WithError(err).Warn("record not queued")
			return
		}
		msg.Symbol = symbol
		q.Enqueue(ctx, msg)
	}
	ids := []fanout.ID{
		src.OnOrderbook(func(ob *models.OrderBook) {
			enqueue(models.ChannelOrderbook, ob.Action, ob.Symbol, ob)
		}),
		src.OnTrade(func(tr *models.Trade) {
			enqueue(models.ChannelTrades, "", tr.Symbol, tr)
		}),
		src.OnTicker(func(tk *models.Ticker) {
			enqueue(models.ChannelTicker, "", tk.Symbol, tk)
		}),
		src.OnCandle(func(cd *models.Candle) {
			enqueue(models.ChannelCandles, "", cd.Symbol, cd)
		}),
	}
	if cs, ok := src.(connectionSource); ok {
		ids = append(ids, cs.OnConnected(func(ws.ConnectedEvent) {
			for _, sub := range cs.Subscriptions() {
				if sub.Channel == models.ChannelOrderbook {
					RequestReset(ctx, q, src.Exchange(), sub.Symbol.String())
				}
			}
		}))
	}
	return ids
}
