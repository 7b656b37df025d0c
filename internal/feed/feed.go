package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ScreenPulse/internal/domain/models"
	"ScreenPulse/pkg/config"
	"ScreenPulse/pkg/logger"
)

const maxReconnectBackoff = 2 * time.Minute

// Feed streams tickers and candles from the exchange over a combined
// websocket stream and serves point-in-time snapshots to screening cycles.
// A read failure triggers reconnection with exponential backoff; the feed
// reports disconnected in between and cycles run on the last known data.
type Feed struct {
	cfg    config.FeedConfig
	klines *KlineStore
	rest   *restClient
	log    *logger.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	symbols   []string
	intervals []string
	tickers   map[string]models.Ticker

	reconnectCh chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	loopOnce    sync.Once
}

func New(cfg config.FeedConfig, log *logger.Logger) *Feed {
	return &Feed{
		cfg:         cfg,
		klines:      NewKlineStore(cfg.HistoryLimit * 2),
		rest:        newRESTClient(cfg.RestURL, cfg.HistoryLimit),
		log:         log.With("market_feed"),
		tickers:     make(map[string]models.Ticker),
		reconnectCh: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Connect subscribes to ticker and kline streams for the given symbols and
// intervals. Calling it again with a different set drops the old connection
// and resubscribes; candle history for intervals no longer needed is kept
// until the next Clear.
func (f *Feed) Connect(ctx context.Context, symbols, intervals []string) error {
	f.mu.Lock()
	f.symbols = append([]string(nil), symbols...)
	f.intervals = append([]string(nil), intervals...)
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
		f.connected = false
	}
	f.mu.Unlock()

	if err := f.dial(ctx); err != nil {
		return err
	}
	f.loopOnce.Do(func() { go f.reconnectLoop() })
	return nil
}

func (f *Feed) dial(ctx context.Context) error {
	f.mu.RLock()
	streams := buildStreamNames(f.symbols, f.intervals)
	f.mu.RUnlock()
	if len(streams) == 0 {
		return fmt.Errorf("no streams to subscribe")
	}

	url := fmt.Sprintf("%s/stream?streams=%s", f.cfg.WebSocketURL, strings.Join(streams, "/"))
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.cfg.WebSocketURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	go f.readLoop(conn)
	go f.pingLoop(conn)

	f.log.Info("feed connected",
		logger.Int("streams", len(streams)),
		logger.Strings("intervals", f.intervals))
	return nil
}

func buildStreamNames(symbols, intervals []string) []string {
	streams := make([]string, 0, len(symbols)*(len(intervals)+1))
	for _, symbol := range symbols {
		lower := strings.ToLower(symbol)
		streams = append(streams, lower+"@ticker")
		for _, interval := range intervals {
			streams = append(streams, lower+"@kline_"+interval)
		}
	}
	return streams
}

// FetchHistoricalKlines seeds the candle store from the REST API for every
// symbol and interval pair. A failed pair fails the whole backfill: cycles
// must never run against partially seeded history without knowing.
func (f *Feed) FetchHistoricalKlines(ctx context.Context, symbols, intervals []string) error {
	for _, symbol := range symbols {
		for _, interval := range intervals {
			candles, err := f.rest.klines(ctx, symbol, interval)
			if err != nil {
				return err
			}
			f.klines.Seed(symbol, interval, candles)
		}
	}
	f.log.Info("historical klines seeded",
		logger.Int("symbols", len(symbols)),
		logger.Strings("intervals", intervals))
	return nil
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineEvent struct {
	Symbol string `json:"s"`
	Kline  struct {
		OpenTime int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

type tickerEvent struct {
	Symbol      string `json:"s"`
	LastPrice   string `json:"c"`
	PriceChange string `json:"p"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			// A stale goroutine from a replaced connection must not
			// flip state or trigger reconnects.
			current := f.conn == conn
			if current {
				f.connected = false
			}
			f.mu.Unlock()
			if !current {
				return
			}
			select {
			case <-f.stopCh:
			default:
				f.log.Warn("feed read failed", logger.Error(err))
				select {
				case f.reconnectCh <- struct{}{}:
				default:
				}
			}
			return
		}
		f.handleMessage(payload)
	}
}

func (f *Feed) handleMessage(payload []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || len(env.Data) == 0 {
		return
	}

	switch {
	case strings.Contains(env.Stream, "@kline_"):
		var evt klineEvent
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			return
		}
		f.klines.Update(evt.Symbol, evt.Kline.Interval, models.Candle{
			OpenTime: time.UnixMilli(evt.Kline.OpenTime),
			Open:     parsePrice(evt.Kline.Open),
			High:     parsePrice(evt.Kline.High),
			Low:      parsePrice(evt.Kline.Low),
			Close:    parsePrice(evt.Kline.Close),
			Volume:   parsePrice(evt.Kline.Volume),
			Closed:   evt.Kline.Closed,
		})
	case strings.HasSuffix(env.Stream, "@ticker"):
		var evt tickerEvent
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			return
		}
		f.mu.Lock()
		f.tickers[evt.Symbol] = models.Ticker{
			Symbol:         evt.Symbol,
			LastPrice:      parsePrice(evt.LastPrice),
			Volume24h:      parsePrice(evt.Volume),
			PriceChange24h: parsePrice(evt.PriceChange),
			High24h:        parsePrice(evt.High),
			Low24h:         parsePrice(evt.Low),
			UpdatedAt:      time.Now(),
		}
		f.mu.Unlock()
	}
}

func parsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func (f *Feed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			current := f.conn == conn
			f.mu.RUnlock()
			if !current {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				f.log.Debug("ping failed", logger.Error(err))
				return
			}
		}
	}
}

func (f *Feed) reconnectLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		case <-f.reconnectCh:
			f.reconnect()
		}
	}
}

func (f *Feed) reconnect() {
	backoff := f.cfg.ReconnectDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-f.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := f.dial(ctx)
		cancel()
		if err == nil {
			f.log.Info("feed reconnected", logger.Int("attempt", attempt))
			return
		}

		f.log.Warn("reconnect failed",
			logger.Int("attempt", attempt),
			logger.Duration("backoff", backoff),
			logger.Error(err))

		select {
		case <-f.stopCh:
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// Snapshot materializes a copy of the current market state. The returned
// snapshot shares nothing with the feed's live buffers.
func (f *Feed) Snapshot() *models.MarketSnapshot {
	f.mu.RLock()
	symbols := append([]string(nil), f.symbols...)
	tickers := make(map[string]models.Ticker, len(f.tickers))
	for symbol, ticker := range f.tickers {
		tickers[symbol] = ticker
	}
	f.mu.RUnlock()

	return &models.MarketSnapshot{
		Symbols: symbols,
		Tickers: tickers,
		Klines:  f.klines.Copy(),
		TakenAt: time.Now(),
	}
}

func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *Feed) LastUpdate() time.Time {
	return f.klines.LastUpdate()
}

func (f *Feed) Close() error {
	f.stopOnce.Do(func() { close(f.stopCh) })

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if f.conn != nil {
		err := f.conn.Close()
		f.conn = nil
		return err
	}
	return nil
}
