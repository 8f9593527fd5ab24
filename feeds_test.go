package main

import (
	"reflect"
	"testing"
	"time"

	"cryptofeed/config"
)

func TestShardExchange(t *testing.T) {
	ex := config.ExchangeConfig{
		Enabled: true,
		Streams: config.StreamsConfig{
			Orderbook: []string{"BTC/USDT", "ETH/USDT"},
			Trades:    []string{"ETH/USDT"},
			Candles:   config.CandlesConfig{Interval: "1m", Symbols: []string{"BTC/USDT"}},
		},
		Polling: []config.PollConfig{
			{Stream: "ticker", Interval: time.Second, Symbols: []string{"SOL/USDT", "BTC/USDT"}},
			{Stream: "trades", Interval: time.Second, Symbols: []string{"SOL/USDT"}},
		},
	}

	want := []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}
	if got := wantedSymbols(ex); !reflect.DeepEqual(got, want) {
		t.Fatalf("wantedSymbols = %v, want %v", got, want)
	}

	sc := shardExchange(ex, []string{"BTC/USDT"})
	if !reflect.DeepEqual(sc.Streams.Orderbook, []string{"BTC/USDT"}) || len(sc.Streams.Trades) != 0 {
		t.Fatalf("unexpected streams %+v", sc.Streams)
	}
	if sc.Streams.Candles.Interval != "1m" || len(sc.Streams.Candles.Symbols) != 1 {
		t.Fatalf("candles lost: %+v", sc.Streams.Candles)
	}
	if len(sc.Polling) != 1 || !reflect.DeepEqual(sc.Polling[0].Symbols, []string{"BTC/USDT"}) {
		t.Fatalf("unexpected polling %+v", sc.Polling)
	}
	if len(ex.Polling[0].Symbols) != 2 {
		t.Fatalf("shardExchange modified its input")
	}

	if hasStreams(shardExchange(ex, []string{"SOL/USDT"}).Streams) {
		t.Fatalf("poll-only shard reported streams")
	}
}

func TestShardForSplitsSymbols(t *testing.T) {
	shards := &config.IPShards{Shards: []config.IPShard{
		{IP: "10.0.0.2", Symbols: map[string][]string{"okx": {"ETH/USDT"}}},
	}}
	groups := shards.ShardFor("okx", []string{"BTC/USDT", "ETH/USDT"})
	if !reflect.DeepEqual(groups["10.0.0.2"], []string{"ETH/USDT"}) || !reflect.DeepEqual(groups[""], []string{"BTC/USDT"}) {
		t.Fatalf("unexpected groups %v", groups)
	}
}
