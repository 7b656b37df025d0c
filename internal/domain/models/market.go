package models

import "time"

// Ticker is the latest quote for a symbol.
type Ticker struct {
	Symbol         string  `json:"symbol"`
	LastPrice      float64 `json:"last_price"`
	Volume24h      float64 `json:"volume_24h"`
	PriceChange24h float64 `json:"price_change_24h"`
	High24h        float64 `json:"high_24h"`
	Low24h         float64 `json:"low_24h"`
	UpdatedAt      time.Time
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Closed   bool      `json:"closed"`
}

// MarketSnapshot is the point-in-time market state a screening cycle runs
// against. It is built as a copy: workers and the orchestrator never share
// the feed's live buffers.
type MarketSnapshot struct {
	Symbols []string
	Tickers map[string]Ticker
	// Klines maps symbol -> interval -> ordered candle history (oldest first).
	Klines  map[string]map[string][]Candle
	TakenAt time.Time
}

// HasHistory reports whether the snapshot holds candles for every requested
// interval of a symbol. Instruments without full history are skipped by the
// screening workers rather than evaluated against partial data.
func (s *MarketSnapshot) HasHistory(symbol string, intervals []string) bool {
	byInterval, ok := s.Klines[symbol]
	if !ok {
		return false
	}
	for _, iv := range intervals {
		if len(byInterval[iv]) == 0 {
			return false
		}
	}
	return true
}
