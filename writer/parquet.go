// Package writer holds the downstream sinks fed by the dispatcher: parquet
// snapshots on S3, a Kafka republisher and a sampled log sink.
package writer

import (
	"bytes"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"cryptofeed/internal/symbols"
	"cryptofeed/models"
)

// BookRow is one price level of a materialized book at snapshot time.
type BookRow struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Sequence  int64   `parquet:"name=sequence, type=INT64"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level     int32   `parquet:"name=level, type=INT32"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Quantity  float64 `parquet:"name=quantity, type=DOUBLE"`
}

// TradeRow is one normalized trade.
type TradeRow struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeID   string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Quantity  float64 `parquet:"name=quantity, type=DOUBLE"`
	Amount    float64 `parquet:"name=amount, type=DOUBLE"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

func bookRows(ob *models.OrderBook) []BookRow {
	rows := make([]BookRow, 0, len(ob.Result.Asks)+len(ob.Result.Bids))
	add := func(side string, items []models.OrderBookItem) {
		for i, it := range items {
			if it.Price <= 0 || it.Quantity <= 0 {
				continue
			}
			rows = append(rows, BookRow{
				Exchange:  ob.Exchange,
				Symbol:    ob.Symbol,
				Timestamp: ob.Timestamp,
				Sequence:  ob.Sequence,
				Side:      side,
				Level:     int32(i + 1),
				Price:     it.Price,
				Quantity:  it.Quantity,
			})
		}
	}
	add(models.SideAsk, ob.Result.Asks)
	add(models.SideBid, ob.Result.Bids)
	return rows
}

func tradeRows(tr *models.Trade) []TradeRow {
	rows := make([]TradeRow, 0, len(tr.Result))
	for _, it := range tr.Result {
		if !it.Valid() {
			continue
		}
		rows = append(rows, TradeRow{
			Exchange:  tr.Exchange,
			Symbol:    tr.Symbol,
			TradeID:   it.TradeID,
			Side:      it.Side,
			Price:     it.Price,
			Quantity:  it.Quantity,
			Amount:    it.Amount,
			Timestamp: it.Timestamp,
		})
	}
	return rows
}

// memoryFile is a write-only source.ParquetFile backed by a buffer.
type memoryFile struct {
	buf *bytes.Buffer
}

func newMemoryFile() *memoryFile { return &memoryFile{buf: &bytes.Buffer{}} }

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(int64, int) (int64, error)            { return int64(m.buf.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)                { return m.buf.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)               { return m.buf.Write(b) }
func (m *memoryFile) Close() error                              { return nil }

// encodeParquet writes rows with the schema of proto into a snappy
// compressed parquet file.
func encodeParquet[T any](proto *T, rows []T) ([]byte, error) {
	f := newMemoryFile()
	pw, err := pqwriter.NewParquetWriter(f, proto, 1)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	return f.buf.Bytes(), nil
}

// objectKey builds a Hive partitioned key:
// prefix/kind/exchange=x/symbol=BTCUSDT/year=/month=/day=/hour=/file.
func objectKey(prefix, kind, exchange, symbol string, at time.Time) string {
	at = at.UTC()
	sym := symbol
	if m, err := models.ParseMarket(symbol); err == nil {
		sym = symbols.Compact(m)
	}
	file := fmt.Sprintf("%s_%s_%s_%s.parquet", exchange, sym, at.Format("20060102T150405"), uuid.NewString()[:8])
	return path.Join(
		prefix,
		kind,
		"exchange="+exchange,
		"symbol="+sym,
		fmt.Sprintf("year=%04d", at.Year()),
		fmt.Sprintf("month=%02d", at.Month()),
		fmt.Sprintf("day=%02d", at.Day()),
		fmt.Sprintf("hour=%02d", at.Hour()),
		file,
	)
}
