package wire

import (
	"encoding/json"
	"testing"

	"cryptofeed/models"
)

func TestNumberAcceptsStringsAndNumbers(t *testing.T) {
	var v struct {
		A Number `json:"a"`
		B Number `json:"b"`
		C Int64  `json:"c"`
		D Int64  `json:"d"`
		E Number `json:"e"`
	}
	if err := json.Unmarshal([]byte(`{"a":"0.1","b":2.5,"c":"17","d":42,"e":null}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A != 0.1 || v.B != 2.5 || v.C != 17 || v.D != 42 || v.E != 0 {
		t.Fatalf("unexpected values %+v", v)
	}
	if err := json.Unmarshal([]byte(`{"a":"abc"}`), &v); err == nil {
		t.Fatalf("expected error for non-numeric string")
	}
}

func TestLevels(t *testing.T) {
	got, err := Levels([][]string{{"100.5", "1"}, {"101", "0", "3"}})
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	if len(got) != 2 || got[0].Price != 100.5 || got[1].Quantity != 0 {
		t.Fatalf("unexpected levels %+v", got)
	}
	if _, err := Levels([][]string{{"1"}}); err == nil {
		t.Fatalf("expected error for short level")
	}
}

func TestBookAndAmount(t *testing.T) {
	m := models.MustParseMarket("BTC/USDT")
	ob := Book("okx", m, 1700000000, models.ActionSnapshot, 3,
		[]models.OrderBookItem{{Price: 101, Quantity: 2}},
		[]models.OrderBookItem{{Price: 99, Quantity: 1}, {Price: 98, Quantity: 0.5}})
	if ob.Timestamp != 1700000000000 || ob.Result.BidSumQty != 1.5 || ob.Result.AskSumQty != 2 {
		t.Fatalf("unexpected book %+v", ob)
	}
	if Amount(0.1, 3) != 0.3 {
		t.Fatalf("amount must be exact, got %v", Amount(0.1, 3))
	}
	if Side(true) != models.SideBid || Side(false) != models.SideAsk {
		t.Fatalf("unexpected side mapping")
	}
}

func TestMillis(t *testing.T) {
	cases := map[float64]int64{
		1700000000.123: 1700000000123,
		1700000000123:  1700000000123,
		0:              0,
	}
	for in, want := range cases {
		if got := Millis(in); got != want {
			t.Errorf("%v: got %d want %d", in, got, want)
		}
	}
}
