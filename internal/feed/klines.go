package feed

import (
	"sync"
	"time"

	"ScreenPulse/internal/domain/models"
)

const defaultMaxCandles = 1000

// KlineStore holds in-memory candle history per symbol and interval. The
// newest candle is replaced in place while its bar is still open; closed
// bars append, and history is trimmed to maxCandles.
type KlineStore struct {
	mu         sync.RWMutex
	data       map[string]map[string][]models.Candle
	maxCandles int
	lastUpdate time.Time
}

func NewKlineStore(maxCandles int) *KlineStore {
	if maxCandles <= 0 {
		maxCandles = defaultMaxCandles
	}
	return &KlineStore{
		data:       make(map[string]map[string][]models.Candle),
		maxCandles: maxCandles,
	}
}

// Update merges one streamed candle. An update with the open time of the
// newest stored candle replaces it; a later open time appends.
func (ks *KlineStore) Update(symbol, interval string, candle models.Candle) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.data[symbol] == nil {
		ks.data[symbol] = make(map[string][]models.Candle)
	}
	candles := ks.data[symbol][interval]

	if n := len(candles); n > 0 && candles[n-1].OpenTime.Equal(candle.OpenTime) {
		candles[n-1] = candle
	} else {
		candles = append(candles, candle)
		if len(candles) > ks.maxCandles {
			candles = candles[len(candles)-ks.maxCandles:]
		}
	}
	ks.data[symbol][interval] = candles
	ks.lastUpdate = time.Now()
}

// Seed replaces the stored history for a symbol and interval wholesale.
// Used by the historical backfill before streaming starts.
func (ks *KlineStore) Seed(symbol, interval string, candles []models.Candle) {
	if len(candles) > ks.maxCandles {
		candles = candles[len(candles)-ks.maxCandles:]
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.data[symbol] == nil {
		ks.data[symbol] = make(map[string][]models.Candle)
	}
	ks.data[symbol][interval] = candles
	ks.lastUpdate = time.Now()
}

// Copy returns a deep copy of all stored candles, safe to hand to a
// screening cycle.
func (ks *KlineStore) Copy() map[string]map[string][]models.Candle {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	out := make(map[string]map[string][]models.Candle, len(ks.data))
	for symbol, byInterval := range ks.data {
		dst := make(map[string][]models.Candle, len(byInterval))
		for interval, candles := range byInterval {
			cp := make([]models.Candle, len(candles))
			copy(cp, candles)
			dst[interval] = cp
		}
		out[symbol] = dst
	}
	return out
}

// Len reports the candle count for one symbol and interval.
func (ks *KlineStore) Len(symbol, interval string) int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.data[symbol][interval])
}

// LastUpdate reports when any candle last changed.
func (ks *KlineStore) LastUpdate() time.Time {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.lastUpdate
}

// Clear drops all history. Used when the subscription set changes and old
// intervals would otherwise go stale.
func (ks *KlineStore) Clear() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.data = make(map[string]map[string][]models.Candle)
}
