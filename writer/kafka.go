package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"cryptofeed/config"
	"cryptofeed/internal/fanout"
	"cryptofeed/internal/metrics"
	"cryptofeed/logger"
	"cryptofeed/models"
)

// MessageWriter is the part of kafka.Writer the republisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the Kafka value: the record kind and its normalized JSON.
type Envelope struct {
	Kind     string          `json:"kind"`
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Record   json.RawMessage `json:"record"`
}

// KafkaWriter republishes every normalized record, keyed by
// "exchange|symbol" so one market stays on one partition.
type KafkaWriter struct {
	writer        MessageWriter
	topic         string
	pending       chan kafka.Message
	batchSize     int
	flushInterval time.Duration

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	log     *logger.Log

	dropped atomic.Int64
	written atomic.Int64
}

// NewKafkaWriter builds a writer over kafka-go from the storage section.
func NewKafkaWriter(cfg *config.Config) (*KafkaWriter, error) {
	if len(cfg.Storage.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Storage.Kafka.Brokers...),
		Topic:    cfg.Storage.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}
	return NewKafkaWriterWith(kw, cfg), nil
}

// NewKafkaWriterWith uses w, for tests and custom transports.
func NewKafkaWriterWith(w MessageWriter, cfg *config.Config) *KafkaWriter {
	size := cfg.Writer.BatchSize
	if size <= 0 {
		size = 100
	}
	interval := cfg.Writer.FlushInterval
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	k := &KafkaWriter{
		writer:        w,
		topic:         cfg.Storage.Kafka.Topic,
		pending:       make(chan kafka.Message, size*10),
		batchSize:     size,
		flushInterval: interval,
		log:           logger.GetLogger(),
	}
	k.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Storage.Kafka.Brokers,
		"topic":   k.topic,
	}).Debug("kafka writer initialized")
	return k
}

func (k *KafkaWriter) Attach(src Source) []fanout.ID {
	return []fanout.ID{
		src.OnOrderbook(func(ob *models.OrderBook) { k.publish(models.ChannelOrderbook, ob.Exchange, ob.Symbol, ob) }),
		src.OnTrade(func(tr *models.Trade) { k.publish(models.ChannelTrades, tr.Exchange, tr.Symbol, tr) }),
		src.OnTicker(func(tk *models.Ticker) { k.publish(models.ChannelTicker, tk.Exchange, tk.Symbol, tk) }),
		src.OnCandle(func(cd *models.Candle) { k.publish(models.ChannelCandles, cd.Exchange, cd.Symbol, cd) }),
	}
}

// publish queues a record without blocking the dispatcher; a full buffer
// drops the record.
func (k *KafkaWriter) publish(kind, exchange, symbol string, record interface{}) {
	raw, err := json.Marshal(record)
	if err != nil {
		k.log.WithComponent("kafka_writer").WithError(err).Warn("failed to marshal record")
		return
	}
	value, err := json.Marshal(Envelope{Kind: kind, Exchange: exchange, Symbol: symbol, Record: raw})
	if err != nil {
		k.log.WithComponent("kafka_writer").WithError(err).Warn("failed to marshal envelope")
		return
	}
	msg := kafka.Message{
		Key:     []byte(exchange + "|" + symbol),
		Value:   value,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(kind)}},
	}
	select {
	case k.pending <- msg:
	default:
		k.dropped.Add(1)
		metrics.SinkWrites.WithLabelValues("kafka", "dropped").Inc()
	}
}

func (k *KafkaWriter) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return fmt.Errorf("kafka writer already running")
	}
	k.running = true
	ctx, k.cancel = context.WithCancel(ctx)

	k.log.WithComponent("kafka_writer").Debug("starting kafka writer")
	k.wg.Add(1)
	go k.run(ctx)
	return nil
}

func (k *KafkaWriter) run(ctx context.Context) {
	defer k.wg.Done()
	ticker := time.NewTicker(k.flushInterval)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, k.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := k.writer.WriteMessages(ctx, batch...); err != nil {
			metrics.SinkWrites.WithLabelValues("kafka", "error").Add(float64(len(batch)))
			k.log.WithComponent("kafka_writer").WithError(err).WithField("messages", len(batch)).Warn("failed to write messages")
		} else {
			k.written.Add(int64(len(batch)))
			metrics.SinkWrites.WithLabelValues("kafka", "ok").Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for len(k.pending) > 0 {
				batch = append(batch, <-k.pending)
			}
			flush(context.WithoutCancel(ctx))
			return
		case msg := <-k.pending:
			batch = append(batch, msg)
			if len(batch) >= k.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// Stop drains what is queued, writes it and closes the producer.
func (k *KafkaWriter) Stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.running = false
	k.cancel()
	k.mu.Unlock()

	k.wg.Wait()
	if err := k.writer.Close(); err != nil {
		k.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	k.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"written": k.written.Load(),
		"dropped": k.dropped.Load(),
	}).Debug("kafka writer stopped")
}
