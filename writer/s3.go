package writer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"cryptofeed/config"
	"cryptofeed/internal/fanout"
	"cryptofeed/internal/metrics"
	"cryptofeed/logger"
	"cryptofeed/models"
)

// Uploader is the part of the S3 client the snapshot writer needs.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Source is the listener surface of the dispatcher.
type Source interface {
	OnOrderbook(fn func(*models.OrderBook)) fanout.ID
	OnTrade(fn func(*models.Trade)) fanout.ID
	OnTicker(fn func(*models.Ticker)) fanout.ID
	OnCandle(fn func(*models.Candle)) fanout.ID
}

// NewS3Client builds an S3 client from the storage section. Static keys
// are used when both are set, otherwise the default credential chain.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// SnapshotWriter keeps the latest materialized book per market and every
// trade since the last flush, and uploads them as parquet objects on each
// flush interval. Trades for one market are flushed early once batchSize
// rows are buffered.
type SnapshotWriter struct {
	uploader      Uploader
	bucket        string
	prefix        string
	version       string
	flushInterval time.Duration
	batchSize     int

	mu     sync.Mutex
	books  map[string]*models.OrderBook
	trades map[string][]TradeRow
	kick   chan struct{}

	wg      sync.WaitGroup
	running bool
	cancel  context.CancelFunc
	log     *logger.Log
}

func NewSnapshotWriter(uploader Uploader, cfg *config.Config) *SnapshotWriter {
	interval := cfg.Writer.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	w := &SnapshotWriter{
		uploader:      uploader,
		bucket:        cfg.Storage.S3.Bucket,
		prefix:        cfg.Storage.S3.Prefix,
		version:       cfg.Cryptofeed.Version,
		flushInterval: interval,
		batchSize:     cfg.Writer.BatchSize,
		books:         make(map[string]*models.OrderBook),
		trades:        make(map[string][]TradeRow),
		kick:          make(chan struct{}, 1),
		log:           logger.GetLogger(),
	}
	w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"bucket":         w.bucket,
		"prefix":         w.prefix,
		"flush_interval": interval.String(),
	}).Info("s3 writer initialized")
	return w
}

// Attach registers the writer on the dispatcher's book and trade lists.
func (w *SnapshotWriter) Attach(src Source) []fanout.ID {
	return []fanout.ID{src.OnOrderbook(w.HandleOrderbook), src.OnTrade(w.HandleTrade)}
}

func (w *SnapshotWriter) HandleOrderbook(ob *models.OrderBook) {
	w.mu.Lock()
	w.books[ob.Exchange+"|"+ob.Symbol] = ob
	w.mu.Unlock()
}

func (w *SnapshotWriter) HandleTrade(tr *models.Trade) {
	rows := tradeRows(tr)
	if len(rows) == 0 {
		return
	}
	key := tr.Exchange + "|" + tr.Symbol
	w.mu.Lock()
	w.trades[key] = append(w.trades[key], rows...)
	full := w.batchSize > 0 && len(w.trades[key]) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

func (w *SnapshotWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("s3 writer already running")
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushWorker(ctx)
	w.log.WithComponent("s3_writer").Info("s3 writer started")
	return nil
}

// Stop flushes what is buffered and waits for uploads in flight.
func (w *SnapshotWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	w.log.WithComponent("s3_writer").Info("s3 writer stopped")
}

func (w *SnapshotWriter) flushWorker(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Flush(context.WithoutCancel(ctx), "shutdown")
			return
		case <-ticker.C:
			w.Flush(ctx, "interval")
		case <-w.kick:
			w.flushFullTrades(ctx)
		}
	}
}

// Flush uploads the buffered books and trades and returns the number of
// objects written.
func (w *SnapshotWriter) Flush(ctx context.Context, reason string) int {
	w.mu.Lock()
	books, trades := w.books, w.trades
	w.books = make(map[string]*models.OrderBook)
	w.trades = make(map[string][]TradeRow)
	w.mu.Unlock()

	if len(books) == 0 && len(trades) == 0 {
		return 0
	}
	w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"books":  len(books),
		"trades": len(trades),
		"reason": reason,
	}).Debug("flushing buffers")

	written := 0
	for _, ob := range books {
		if w.uploadBook(ctx, ob) {
			written++
		}
	}
	for key, rows := range trades {
		exchange, symbol := splitKey(key)
		if w.uploadTrades(ctx, exchange, symbol, rows) {
			written++
		}
	}
	return written
}

// flushFullTrades uploads only the trade buffers that reached batchSize.
func (w *SnapshotWriter) flushFullTrades(ctx context.Context) {
	w.mu.Lock()
	full := make(map[string][]TradeRow)
	for key, rows := range w.trades {
		if len(rows) >= w.batchSize {
			full[key] = rows
			delete(w.trades, key)
		}
	}
	w.mu.Unlock()
	for key, rows := range full {
		exchange, symbol := splitKey(key)
		w.uploadTrades(ctx, exchange, symbol, rows)
	}
}

func splitKey(key string) (string, string) {
	exchange, symbol, _ := strings.Cut(key, "|")
	return exchange, symbol
}

func (w *SnapshotWriter) uploadBook(ctx context.Context, ob *models.OrderBook) bool {
	rows := bookRows(ob)
	if len(rows) == 0 {
		return false
	}
	data, err := encodeParquet(new(BookRow), rows)
	if err != nil {
		w.log.WithComponent("s3_writer").WithError(err).Error("failed to encode book snapshot")
		metrics.SinkWrites.WithLabelValues("s3", "error").Inc()
		return false
	}
	at := time.UnixMilli(ob.Timestamp)
	if ob.Timestamp <= 0 {
		at = time.Now()
	}
	return w.put(ctx, objectKey(w.prefix, "orderbook", ob.Exchange, ob.Symbol, at), data, len(rows))
}

func (w *SnapshotWriter) uploadTrades(ctx context.Context, exchange, symbol string, rows []TradeRow) bool {
	data, err := encodeParquet(new(TradeRow), rows)
	if err != nil {
		w.log.WithComponent("s3_writer").WithError(err).Error("failed to encode trades")
		metrics.SinkWrites.WithLabelValues("s3", "error").Inc()
		return false
	}
	at := time.UnixMilli(rows[len(rows)-1].Timestamp)
	if rows[len(rows)-1].Timestamp <= 0 {
		at = time.Now()
	}
	return w.put(ctx, objectKey(w.prefix, "trades", exchange, symbol, at), data, len(rows))
}

func (w *SnapshotWriter) put(ctx context.Context, key string, data []byte, rows int) bool {
	start := time.Now()
	log := w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"bucket": w.bucket,
		"s3_key": key,
		"rows":   rows,
	})
	_, err := w.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        "snappy",
			"cryptofeed-version": w.version,
		},
	})
	if err != nil {
		metrics.SinkWrites.WithLabelValues("s3", "error").Inc()
		log.WithError(err).WithEnv("S3_BUCKET").Error("failed to upload to S3")
		return false
	}
	metrics.SinkWrites.WithLabelValues("s3", "ok").Inc()
	logger.LogDataFlowEntry(log, "dispatcher", "s3", rows, "rows")
	logger.LogPerformanceEntry(log, "s3_writer", "put_object", time.Since(start), logger.Fields{"size": len(data)})
	return true
}
