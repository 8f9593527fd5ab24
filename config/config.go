package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cryptofeed/models"
)

type Config struct {
	Cryptofeed AppConfig                 `yaml:"cryptofeed"`
	Logging    LoggingConfig             `yaml:"logging"`
	Metrics    MetricsConfig             `yaml:"metrics"`
	Queue      QueueConfig               `yaml:"queue"`
	Dispatcher DispatcherConfig          `yaml:"dispatcher"`
	WebSocket  WebSocketConfig           `yaml:"websocket"`
	Reader     ReaderConfig              `yaml:"reader"`
	Polling    PollingConfig             `yaml:"polling"`
	Exchanges  map[string]ExchangeConfig `yaml:"exchanges"`
	Writer     WriterConfig              `yaml:"writer"`
	Storage    StorageConfig             `yaml:"storage"`
	Dashboard  DashboardConfig           `yaml:"dashboard"`
	Series     SeriesConfig              `yaml:"series"`

	provider *Provider
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// QueueConfig sizes the dispatch queue. Overflow is one of "drop_oldest",
// "drop_newest" or "block".
type QueueConfig struct {
	Size     int    `yaml:"size"`
	Overflow string `yaml:"overflow"`
}

type DispatcherConfig struct {
	BookDepth int `yaml:"book_depth"`
}

type WebSocketConfig struct {
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration   `yaml:"write_timeout"`
	PongGrace        time.Duration   `yaml:"pong_grace"`
	ConnectAttempts  int             `yaml:"connect_attempts"`
	ReadLimit        int64           `yaml:"read_limit"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter bool          `yaml:"jitter"`
}

type ReaderConfig struct {
	Timeout   time.Duration   `yaml:"timeout"`
	UserAgent string          `yaml:"user_agent"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

type PollingConfig struct {
	Slice    time.Duration `yaml:"slice"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// ExchangeConfig configures one exchange. Symbols are canonical "BASE/QUOTE".
type ExchangeConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	WebSocketURL   string               `yaml:"websocket_url"`
	RestURL        string               `yaml:"rest_url"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Streams        StreamsConfig        `yaml:"streams"`
	Polling        []PollConfig         `yaml:"polling"`
}

type StreamsConfig struct {
	Orderbook []string      `yaml:"orderbook"`
	Trades    []string      `yaml:"trades"`
	Ticker    []string      `yaml:"ticker"`
	Candles   CandlesConfig `yaml:"candles"`
}

type CandlesConfig struct {
	Interval string   `yaml:"interval"`
	Symbols  []string `yaml:"symbols"`
}

// PollConfig describes one REST polling task.
type PollConfig struct {
	Stream   string        `yaml:"stream"`
	Interval time.Duration `yaml:"interval"`
	Limit    int           `yaml:"limit"`
	Symbols  []string      `yaml:"symbols"`
	Extra    string        `yaml:"extra"`
}

type WriterConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	LogSink       LogSinkConfig `yaml:"log_sink"`
}

type LogSinkConfig struct {
	Enabled     bool `yaml:"enabled"`
	SampleEvery int  `yaml:"sample_every"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	History int    `yaml:"history"`
}

type SeriesConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	History  int           `yaml:"history"`
}

// LoadConfig reads, defaults, overrides from the environment and validates
// the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for in-memory YAML.
func ParseConfig(data []byte) (*Config, error) {
	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	provider, err := NewProvider(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.provider = provider

	applyDefaults(&config)
	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// Provider exposes the raw configuration tree through typed getters.
func (c *Config) Provider() *Provider {
	if c.provider == nil {
		c.provider = &Provider{root: map[string]interface{}{}}
	}
	return c.provider
}

// EnabledExchanges returns enabled exchange names in sorted order.
func (c *Config) EnabledExchanges() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Queue.Size <= 0 {
		cfg.Queue.Size = 10000
	}
	if cfg.Queue.Overflow == "" {
		cfg.Queue.Overflow = "drop_oldest"
	}
	if cfg.Dispatcher.BookDepth < 0 {
		cfg.Dispatcher.BookDepth = 0
	}
	ws := &cfg.WebSocket
	if ws.HandshakeTimeout <= 0 {
		ws.HandshakeTimeout = 10 * time.Second
	}
	if ws.WriteTimeout <= 0 {
		ws.WriteTimeout = 5 * time.Second
	}
	if ws.PongGrace <= 0 {
		ws.PongGrace = 10 * time.Second
	}
	if ws.ConnectAttempts <= 0 {
		ws.ConnectAttempts = 3
	}
	if ws.Reconnect.Min <= 0 {
		ws.Reconnect.Min = time.Second
	}
	if ws.Reconnect.Max <= 0 {
		ws.Reconnect.Max = 30 * time.Second
	}
	if ws.Reconnect.Factor <= 1 {
		ws.Reconnect.Factor = 2
	}
	if cfg.Reader.Timeout <= 0 {
		cfg.Reader.Timeout = 10 * time.Second
	}
	if cfg.Reader.RateLimit.RequestsPerSecond <= 0 {
		cfg.Reader.RateLimit.RequestsPerSecond = 10
	}
	if cfg.Reader.RateLimit.BurstSize <= 0 {
		cfg.Reader.RateLimit.BurstSize = 1
	}
	if cfg.Reader.Retry.MaxAttempts <= 0 {
		cfg.Reader.Retry.MaxAttempts = 3
	}
	if cfg.Reader.Retry.BaseDelay <= 0 {
		cfg.Reader.Retry.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Polling.Slice <= 0 {
		cfg.Polling.Slice = 20 * time.Millisecond
	}
	if cfg.Polling.Cooldown <= 0 {
		cfg.Polling.Cooldown = time.Second
	}
	if cfg.Writer.FlushInterval <= 0 {
		cfg.Writer.FlushInterval = time.Minute
	}
	if cfg.Writer.BatchSize <= 0 {
		cfg.Writer.BatchSize = 1000
	}
	if cfg.Writer.LogSink.SampleEvery <= 0 {
		cfg.Writer.LogSink.SampleEvery = 100
	}
	if cfg.Series.Interval <= 0 {
		cfg.Series.Interval = time.Minute
	}
	if cfg.Series.History <= 0 {
		cfg.Series.History = 500
	}
	if cfg.Storage.Kafka.Topic == "" {
		cfg.Storage.Kafka.Topic = "market-data"
	}
	// an exchange without its own rate_limit uses reader.rate_limit at
	// client construction; Binance discovers its own instead
	for name, ex := range cfg.Exchanges {
		if ex.Streams.Candles.Interval == "" {
			ex.Streams.Candles.Interval = "1m"
		}
		cfg.Exchanges[name] = ex
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers := strings.Split(v, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		cfg.Storage.Kafka.Brokers = brokers
	}
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
}

var overflowPolicies = map[string]bool{"drop_oldest": true, "drop_newest": true, "block": true}

func validateConfig(cfg *Config) error {
	if cfg.Cryptofeed.Name == "" {
		return fmt.Errorf("cryptofeed.name is required")
	}
	if cfg.Cryptofeed.Version == "" {
		return fmt.Errorf("cryptofeed.version is required")
	}
	if !overflowPolicies[cfg.Queue.Overflow] {
		return fmt.Errorf("queue.overflow '%s' is invalid", cfg.Queue.Overflow)
	}
	if cfg.WebSocket.Reconnect.Max < cfg.WebSocket.Reconnect.Min {
		return fmt.Errorf("websocket.reconnect.max must not be below websocket.reconnect.min")
	}

	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		lists := [][]string{ex.Streams.Orderbook, ex.Streams.Trades, ex.Streams.Ticker, ex.Streams.Candles.Symbols}
		for _, p := range ex.Polling {
			if !models.ValidChannel(p.Stream) {
				return fmt.Errorf("exchanges.%s.polling: unknown stream '%s'", name, p.Stream)
			}
			if p.Interval <= 0 {
				return fmt.Errorf("exchanges.%s.polling.%s: interval must be greater than 0", name, p.Stream)
			}
			if len(p.Symbols) == 0 {
				return fmt.Errorf("exchanges.%s.polling.%s: symbols are required", name, p.Stream)
			}
			lists = append(lists, p.Symbols)
		}
		for _, list := range lists {
			if _, err := models.ParseMarkets(list); err != nil {
				return fmt.Errorf("exchanges.%s: %w", name, err)
			}
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}
	if cfg.Storage.Kafka.Enabled && len(cfg.Storage.Kafka.Brokers) == 0 {
		return fmt.Errorf("storage.kafka.brokers is required when Kafka is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
