// Package dashboard serves the collector's status API: connection health,
// materialized books, cached tickers, poller counters and Prometheus metrics.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"cryptofeed/config"
	"cryptofeed/internal/metrics"
	"cryptofeed/internal/poller"
	"cryptofeed/internal/series"
	"cryptofeed/internal/ws"
	"cryptofeed/logger"
	"cryptofeed/models"
)

// Connection is the view of a WebSocket client the API reports on.
type Connection interface {
	Exchange() string
	LocalIP() string
	State() ws.State
	Stats() ws.Stats
	Subscriptions() []models.SubscriptionInfo
}

type BookReader interface {
	Get(exchange, symbol string) (*models.OrderBook, bool)
	All(exchange string) []*models.OrderBook
}

type TickerReader interface {
	Get(exchange, symbol string) (*models.Ticker, bool)
	All(exchange string) []*models.Ticker
}

type SeriesReader interface {
	Bars(exchange, symbol, interval string) []series.Bar
	Current(exchange, symbol, interval string) (series.Bar, bool)
}

type PollerStats interface {
	TaskStats() map[string]poller.Stats
}

type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
	started       time.Time

	mu      sync.RWMutex
	conns   []Connection
	pollers []PollerStats
	books   BookReader
	tickers TickerReader
	series  SeriesReader
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = logger.GetLogger()
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.History <= 0 {
		cfg.History = 200
	}

	s := &Server{
		cfg:         cfg,
		log:         log,
		metricStore: newMetricStore(cfg.History),
		logStore:    newLogStore(cfg.History),
		started:     time.Now(),
	}
	s.metricHandler = metrics.RegisterMetricHandler(s.metricStore.handle)
	log.AddHook(s.logStore)
	return s, nil
}

func (s *Server) TrackConnection(c Connection) {
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) TrackPoller(p PollerStats) {
	s.mu.Lock()
	s.pollers = append(s.pollers, p)
	s.mu.Unlock()
}

func (s *Server) SetState(books BookReader, tickers TickerReader) {
	s.mu.Lock()
	s.books, s.tickers = books, tickers
	s.mu.Unlock()
}

func (s *Server) SetSeries(r SeriesReader) {
	s.mu.Lock()
	s.series = r
	s.mu.Unlock()
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.Router()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("status API listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

type connectionView struct {
	Exchange      string   `json:"exchange"`
	LocalIP       string   `json:"localIp,omitempty"`
	Stats         ws.Stats `json:"stats"`
	Subscriptions []string `json:"subscriptions"`
}

func (s *Server) connections() []connectionView {
	s.mu.RLock()
	conns := append([]Connection(nil), s.conns...)
	s.mu.RUnlock()

	out := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		subs := c.Subscriptions()
		keys := make([]string, 0, len(subs))
		for _, sub := range subs {
			keys = append(keys, sub.Key())
		}
		out = append(out, connectionView{Exchange: c.Exchange(), LocalIP: c.LocalIP(), Stats: c.Stats(), Subscriptions: keys})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// Router builds the gin engine. Exposed for tests.
func (s *Server) Router() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": s.connections()})
	})
	api.GET("/books", s.handleBooks)
	api.GET("/tickers", s.handleTickers)
	api.GET("/series", s.handleSeries)
	api.GET("/pollers", func(c *gin.Context) {
		s.mu.RLock()
		pollers := append([]PollerStats(nil), s.pollers...)
		s.mu.RUnlock()
		tasks := make(map[string]poller.Stats)
		for _, p := range pollers {
			for name, st := range p.TaskStats() {
				tasks[name] = st
			}
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks})
	})
	api.GET("/metrics", func(c *gin.Context) {
		snap := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(snap))
		for _, m := range snap {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})
	api.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})
	return router, nil
}

// handleHealth reports 503 while any tracked connection is not streaming.
func (s *Server) handleHealth(c *gin.Context) {
	s.mu.RLock()
	conns := append([]Connection(nil), s.conns...)
	s.mu.RUnlock()

	degraded := make([]string, 0)
	for _, conn := range conns {
		if st := conn.State(); st != ws.StateStreaming {
			degraded = append(degraded, conn.Exchange()+":"+st.String())
		}
	}
	body := gin.H{
		"status":      "ok",
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"connections": len(conns),
	}
	if len(degraded) > 0 {
		body["status"] = "degraded"
		body["degraded"] = degraded
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleBooks(c *gin.Context) {
	s.mu.RLock()
	books := s.books
	s.mu.RUnlock()
	if books == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "orderbooks not available"})
		return
	}
	exchange, symbol := c.Query("exchange"), c.Query("symbol")
	if symbol != "" && exchange == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exchange is required with symbol"})
		return
	}
	depth, err := queryDepth(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if symbol != "" {
		ob, ok := books.Get(exchange, symbol)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no book for " + exchange + " " + symbol})
			return
		}
		c.JSON(http.StatusOK, truncate(ob, depth))
		return
	}
	all := books.All(exchange)
	out := make([]*models.OrderBook, 0, len(all))
	for _, ob := range all {
		out = append(out, truncate(ob, depth))
	}
	c.JSON(http.StatusOK, gin.H{"books": out})
}

func (s *Server) handleTickers(c *gin.Context) {
	s.mu.RLock()
	tickers := s.tickers
	s.mu.RUnlock()
	if tickers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tickers not available"})
		return
	}
	exchange, symbol := c.Query("exchange"), c.Query("symbol")
	if symbol != "" && exchange == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exchange is required with symbol"})
		return
	}
	if symbol != "" {
		tk, ok := tickers.Get(exchange, symbol)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no ticker for " + exchange + " " + symbol})
			return
		}
		c.JSON(http.StatusOK, tk)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickers": tickers.All(exchange)})
}

func (s *Server) handleSeries(c *gin.Context) {
	s.mu.RLock()
	r := s.series
	s.mu.RUnlock()
	if r == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "series not enabled"})
		return
	}
	exchange, symbol, interval := c.Query("exchange"), c.Query("symbol"), c.Query("interval")
	if exchange == "" || symbol == "" || interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exchange, symbol and interval are required"})
		return
	}
	body := gin.H{"bars": r.Bars(exchange, symbol, interval)}
	if cur, ok := r.Current(exchange, symbol, interval); ok {
		body["current"] = cur
	}
	c.JSON(http.StatusOK, body)
}

func queryDepth(c *gin.Context) (int, error) {
	raw := c.Query("depth")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("depth must be a non-negative integer")
	}
	return n, nil
}

// truncate returns ob limited to depth levels per side. Zero means all.
func truncate(ob *models.OrderBook, depth int) *models.OrderBook {
	if depth <= 0 || (len(ob.Result.Asks) <= depth && len(ob.Result.Bids) <= depth) {
		return ob
	}
	cp := *ob
	if len(cp.Result.Asks) > depth {
		cp.Result.Asks = cp.Result.Asks[:depth]
	}
	if len(cp.Result.Bids) > depth {
		cp.Result.Bids = cp.Result.Bids[:depth]
	}
	cp.SumQuantities()
	return &cp
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
			return net.JoinHostPort(addr, "8080")
		}
		return addr
	}
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	if port == "" {
		port = "8080"
	}
	return net.JoinHostPort(host, port)
}
