package binance

import (
	"strings"
	"testing"

	"cryptofeed/config"
	"cryptofeed/internal/ws"
	"cryptofeed/models"
)

func TestSubscribeFrame(t *testing.T) {
	p := NewProcessor(config.ExchangeConfig{})
	btc := models.MustParseMarket("BTC/USDT")

	frame, err := p.SubscribeFrame(models.SubscriptionInfo{Channel: models.ChannelOrderbook, Symbol: btc})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if string(frame) != `{"method":"SUBSCRIBE","params":["btcusdt@depth20@100ms"],"id":1}` {
		t.Fatalf("unexpected frame %s", frame)
	}
	frame, _ = p.UnsubscribeFrame(models.SubscriptionInfo{Channel: models.ChannelCandles, Symbol: btc, Extra: "5m"})
	if !strings.Contains(string(frame), `"btcusdt@kline_5m"`) || !strings.Contains(string(frame), `"id":2`) {
		t.Fatalf("unexpected frame %s", frame)
	}
}

func TestProcessDepthSnapshots(t *testing.T) {
	p := NewProcessor(config.ExchangeConfig{})
	frame := `{"e":"depthUpdate","E":1700000000100,"T":1700000000090,"s":"BTCUSDT","U":1,"u":%s,"pu":0,"b":[["99","1"],["98","2"]],"a":[["101","2"]]}`

	msg, err := p.Process([]byte(strings.Replace(frame, "%s", "5", 1)))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	ob := msg.OrderBooks[0]
	if !ob.IsSnapshot() || ob.Symbol != "BTC/USDT" || ob.Timestamp != 1700000000090 || ob.Result.BidSumQty != 3 {
		t.Fatalf("unexpected book %+v", ob)
	}

	msg, _ = p.Process([]byte(strings.Replace(frame, "%s", "4", 1)))
	if msg.Kind != ws.KindIgnore {
		t.Fatalf("expected stale update to be ignored, got %s", msg.Kind)
	}
}

func TestProcessCombinedStreamTrade(t *testing.T) {
	p := NewProcessor(config.ExchangeConfig{})
	msg, err := p.Process([]byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1,"s":"BTCUSDT","a":77,"p":"30000.1","q":"0.01","T":1700000000000,"m":true}}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	it := msg.Trades[0].Result[0]
	if it.TradeID != "77" || it.Side != models.SideAsk || it.Price != 30000.1 {
		t.Fatalf("unexpected trade %+v", it)
	}
}

func TestProcessTickerKlineAndControl(t *testing.T) {
	p := NewProcessor(config.ExchangeConfig{})
	msg, err := p.Process([]byte(`{"e":"24hrTicker","E":1700000000000,"s":"ETHUSDT","p":"10","P":"0.5","w":"2005","c":"2010","o":"2000","h":"2020","l":"1990","v":"100","q":"200500"}`))
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if tk := msg.Tickers[0]; tk.Symbol != "ETH/USDT" || tk.Result.Close != 2010 || tk.Result.Percentage != 0.5 {
		t.Fatalf("unexpected ticker %+v", tk)
	}

	msg, err = p.Process([]byte(`{"e":"kline","E":1,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m","o":"1","c":"2","h":"3","l":"0.5","v":"10","q":"15","x":true}}`))
	if err != nil {
		t.Fatalf("kline: %v", err)
	}
	if cd := msg.Candles[0]; cd.Interval != "1m" || !cd.Result[0].IsClosed || cd.Result[0].High != 3 {
		t.Fatalf("unexpected candle %+v", cd)
	}

	if msg, _ := p.Process([]byte(`{"result":null,"id":1}`)); msg.Kind != ws.KindAck {
		t.Fatalf("expected ack, got %s", msg.Kind)
	}
	if msg, _ := p.Process([]byte(`{"error":{"code":-1003,"msg":"Too many requests"},"id":2}`)); msg.Kind != ws.KindError {
		t.Fatalf("expected error, got %s", msg.Kind)
	}
	if _, err := p.Process([]byte(`{"e":"aggTrade","s":"NOPE"}`)); err == nil {
		t.Fatalf("expected symbol error")
	}
}

// Full futures frames repeat keys that differ only in case.
func TestProcessFullFuturesFrames(t *testing.T) {
	p := NewProcessor(config.ExchangeConfig{})

	msg, err := p.Process([]byte(`{"e":"depthUpdate","E":1700000000123,"T":1700000000120,"s":"BTCUSDT","U":390497796,"u":390497878,"pu":390497794,"b":[["7403.89","0.002"],["7403.90","3.906"]],"a":[["7405.96","3.340"],["7406.63","4.525"]]}`))
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	ob := msg.OrderBooks[0]
	if ob.Sequence != 390497878 || ob.Timestamp != 1700000000120 || len(ob.Result.Asks) != 2 || ob.Result.Asks[0].Price != 7405.96 {
		t.Fatalf("unexpected book %+v", ob)
	}

	msg, err = p.Process([]byte(`{"e":"aggTrade","E":1700000000200,"s":"BTCUSDT","a":5933014,"p":"7404.10","q":"0.250","f":100,"l":105,"T":1700000000195,"m":false}`))
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if it := msg.Trades[0].Result[0]; it.TradeID != "5933014" || it.Side != models.SideBid || it.Quantity != 0.25 || it.Timestamp != 1700000000195 {
		t.Fatalf("unexpected trade %+v", it)
	}

	msg, err = p.Process([]byte(`{"e":"24hrTicker","E":1700000000300,"s":"BTCUSDT","p":"15.00","P":"0.203","w":"7400.10","c":"7404.10","Q":"10","o":"7389.10","h":"7420.00","l":"7380.00","v":"10000","q":"74001000","O":1699913600300,"C":1700000000300,"F":1,"L":18150,"n":18150}`))
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if tk := msg.Tickers[0].Result; tk.Close != 7404.1 || tk.Open != 7389.1 || tk.Low != 7380 || tk.QuoteVolume != 74001000 || tk.Percentage != 0.203 {
		t.Fatalf("unexpected ticker %+v", tk)
	}

	msg, err = p.Process([]byte(`{"e":"kline","E":1700000000400,"s":"BTCUSDT","k":{"t":1699999980000,"T":1700000039999,"s":"BTCUSDT","i":"1m","f":100,"L":200,"o":"7400.00","c":"7404.10","h":"7405.00","l":"7399.00","v":"1000","n":100,"x":false,"q":"7402000","V":"500","Q":"3701000","B":"0"}}`))
	if err != nil {
		t.Fatalf("kline: %v", err)
	}
	cd := msg.Candles[0].Result[0]
	if cd.OpenTime != 1699999980000 || cd.CloseTime != 1700000039999 || cd.QuoteVolume != 7402000 || cd.IsClosed {
		t.Fatalf("unexpected candle %+v", cd)
	}
}
