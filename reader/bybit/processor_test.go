package bybit

import (
	"testing"

	"cryptofeed/config"
	"cryptofeed/internal/ws"
	"cryptofeed/models"
)

func TestSubscribeFrameAndTopics(t *testing.T) {
	p := NewProcessor(config.ExchangeConfig{})
	frame, err := p.SubscribeFrame(models.SubscriptionInfo{Channel: models.ChannelCandles, Symbol: models.MustParseMarket("BTC/USDT"), Extra: "4h"})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if string(frame) != `{"op":"subscribe","args":["kline.240.BTCUSDT"]}` {
		t.Fatalf("unexpected frame %s", frame)
	}

	ch, extra, sym := parseTopic("kline.240.BTCUSDT")
	if ch != models.ChannelCandles || extra != "4h" || sym != "BTCUSDT" {
		t.Fatalf("unexpected topic parse %s %s %s", ch, extra, sym)
	}
	for in, want := range map[string]string{"1m": "1", "15m": "15", "1h": "60", "1d": "D", "1w": "W"} {
		if got := klineInterval(in); got != want {
			t.Errorf("%s: got %s want %s", in, got, want)
		}
		if back := normalInterval(klineInterval(in)); back != in {
			t.Errorf("%s: round trip gave %s", in, back)
		}
	}
}

func TestProcessControl(t *testing.T) {
	p := NewProcessor(config.ExchangeConfig{})
	cases := map[string]ws.Kind{
		`{"success":true,"ret_msg":"pong","conn_id":"x","op":"ping"}`:       ws.KindPong,
		`{"success":true,"ret_msg":"","conn_id":"x","op":"subscribe"}`:      ws.KindAck,
		`{"success":false,"ret_msg":"error:handler not found","op":"subscribe"}`: ws.KindError,
	}
	for frame, want := range cases {
		msg, err := p.Process([]byte(frame))
		if err != nil {
			t.Fatalf("%s: %v", frame, err)
		}
		if msg.Kind != want {
			t.Errorf("%s: got %s want %s", frame, msg.Kind, want)
		}
	}
}

func TestProcessOrderbookSequence(t *testing.T) {
	p := NewProcessor(config.ExchangeConfig{})
	msg, err := p.Process([]byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000000000,"data":{"s":"BTCUSDT","b":[["99","1"]],"a":[["101","2"]],"u":4,"seq":1}}`))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !msg.OrderBooks[0].IsSnapshot() {
		t.Fatalf("expected snapshot")
	}

	kinds := []ws.Kind{}
	for _, u := range []string{"5", "7", "6", "8"} {
		msg, err := p.Process([]byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1700000000001,"data":{"s":"BTCUSDT","b":[["99","0"]],"a":[],"u":` + u + `}}`))
		if err != nil {
			t.Fatalf("delta %s: %v", u, err)
		}
		kinds = append(kinds, msg.Kind)
	}
	want := []ws.Kind{ws.KindData, ws.KindData, ws.KindIgnore, ws.KindData}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("delta %d: got %s want %s", i, kinds[i], want[i])
		}
	}
}

func TestProcessTickerDeltaMerge(t *testing.T) {
	p := NewProcessor(config.ExchangeConfig{})
	_, err := p.Process([]byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1700000000000,"data":{"symbol":"BTCUSDT","lastPrice":"100","prevPrice24h":"90","volume24h":"10","turnover24h":"950","bid1Price":"99","ask1Price":"101"}}`))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	msg, err := p.Process([]byte(`{"topic":"tickers.BTCUSDT","type":"delta","ts":1700000001000,"data":{"symbol":"BTCUSDT","lastPrice":"102"}}`))
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	tk := msg.Tickers[0].Result
	if tk.Close != 102 || tk.Open != 90 || tk.BidPrice != 99 || tk.Vwap != 95 || tk.Timestamp != 1700000001000 {
		t.Fatalf("unexpected merged ticker %+v", tk)
	}
}

func TestProcessTradesAndKline(t *testing.T) {
	p := NewProcessor(config.ExchangeConfig{})
	msg, err := p.Process([]byte(`{"topic":"publicTrade.ETHUSDT","type":"snapshot","ts":1,"data":[{"T":1700000000000,"s":"ETHUSDT","S":"Buy","v":"0.5","p":"2000","i":"abc"},{"T":1700000000005,"s":"ETHUSDT","S":"Sell","v":"1","p":"1999"}]}`))
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	tr := msg.Trades[0]
	if len(tr.Result) != 2 || tr.Result[0].Side != models.SideBid || tr.Result[1].Side != models.SideAsk || tr.Timestamp != 1700000000005 {
		t.Fatalf("unexpected trades %+v", tr)
	}

	msg, err = p.Process([]byte(`{"topic":"kline.1.BTCUSDT","type":"snapshot","ts":1,"data":[{"start":1700000000000,"end":1700000059999,"interval":"1","open":"1","close":"2","high":"3","low":"0.5","volume":"4","turnover":"6","confirm":false}]}`))
	if err != nil {
		t.Fatalf("kline: %v", err)
	}
	if cd := msg.Candles[0]; cd.Interval != "1m" || cd.Result[0].IsClosed || cd.Result[0].QuoteVolume != 6 {
		t.Fatalf("unexpected candle %+v", cd)
	}
}
