package screening

import (
	"fmt"
	"reflect"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"ScreenPulse/internal/domain/models"
	"ScreenPulse/internal/screening/indicators"
)

// Evaluator runs one trader's filter against one instrument. Implementations
// must be safe to call repeatedly from a single worker goroutine.
type Evaluator interface {
	Evaluate(symbol string, ticker models.Ticker, klines map[string][]models.Candle) (models.FilterResult, error)
}

// CompileFunc builds an Evaluator from a trader definition. The pool calls
// it lazily, once per trader per worker.
type CompileFunc func(trader *models.Trader) (Evaluator, error)

// matchFunc is the shape user filter code must define:
//
//	func matchSignal(symbol string, ticker map[string]interface{}, klines map[string][][]float64) interface{}
//
// returning either a bool or a map with "match" and optional "conditions".
type matchFunc func(string, map[string]interface{}, map[string][][]float64) interface{}

// FilterExecutor interprets user filter source with Yaegi. Each executor
// owns its interpreter; interpreters are not shared across workers, so a
// misbehaving filter can only hurt its own worker.
type FilterExecutor struct {
	traderID string
	source   string
	budget   time.Duration
	fn       matchFunc

	// stale is set when a timed-out call abandoned its interpreter
	// goroutine. The goroutine may still be running inside the
	// interpreter, which tolerates no concurrent use, so the next call
	// gets a fresh one instead of re-entering the old.
	stale bool
}

// NewFilterExecutor compiles filter source and resolves the matchSignal
// entry point. A compile failure is a trader-level error: the trader is
// reported as failed for the cycle, other traders are unaffected.
func NewFilterExecutor(traderID, source string, budget time.Duration) (*FilterExecutor, error) {
	fn, err := compileMatch(source)
	if err != nil {
		return nil, err
	}
	return &FilterExecutor{
		traderID: traderID,
		source:   source,
		budget:   budget,
		fn:       fn,
	}, nil
}

// compileMatch builds an interpreter for the source and extracts the
// matchSignal entry point as a typed func.
func compileMatch(source string) (matchFunc, error) {
	i := interp.New(interp.Options{})
	i.Use(stdlib.Symbols)
	i.Use(indicatorExports)

	if _, err := i.Eval(source); err != nil {
		return nil, fmt.Errorf("filter compile: %w", err)
	}

	v, err := i.Eval("matchSignal")
	if err != nil {
		return nil, fmt.Errorf("filter entry point: %w", err)
	}
	fn, ok := v.Interface().(func(string, map[string]interface{}, map[string][][]float64) interface{})
	if !ok {
		return nil, fmt.Errorf("filter entry point: matchSignal has wrong signature")
	}
	return fn, nil
}

// Evaluate runs the filter under the configured wall-clock budget. A panic
// or timeout counts as a non-match error. A timeout also poisons the
// current interpreter; the next call recompiles before evaluating.
func (e *FilterExecutor) Evaluate(symbol string, ticker models.Ticker, klines map[string][]models.Candle) (models.FilterResult, error) {
	if e.stale {
		fn, err := compileMatch(e.source)
		if err != nil {
			return models.FilterResult{}, err
		}
		e.fn = fn
		e.stale = false
	}

	type outcome struct {
		val interface{}
		err error
	}
	ch := make(chan outcome, 1)
	fn := e.fn

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("filter panic: %v", r)}
			}
		}()
		ch <- outcome{val: fn(symbol, tickerFields(ticker), candleRows(klines))}
	}()

	var o outcome
	if e.budget > 0 {
		timer := time.NewTimer(e.budget)
		defer timer.Stop()
		select {
		case o = <-ch:
		case <-timer.C:
			e.stale = true
			return models.FilterResult{}, fmt.Errorf("filter timeout after %s", e.budget)
		}
	} else {
		o = <-ch
	}

	if o.err != nil {
		return models.FilterResult{}, o.err
	}
	return parseFilterResult(o.val)
}

// parseFilterResult accepts the two result forms filters may return.
func parseFilterResult(v interface{}) (models.FilterResult, error) {
	switch r := v.(type) {
	case bool:
		return models.FilterResult{Match: r}, nil
	case map[string]interface{}:
		match, ok := r["match"].(bool)
		if !ok {
			return models.FilterResult{}, fmt.Errorf("structured result missing bool \"match\"")
		}
		res := models.FilterResult{Match: match}
		switch conds := r["conditions"].(type) {
		case []string:
			res.Conditions = conds
		case []interface{}:
			for _, c := range conds {
				if s, ok := c.(string); ok {
					res.Conditions = append(res.Conditions, s)
				}
			}
		}
		return res, nil
	default:
		return models.FilterResult{}, fmt.Errorf("unsupported filter result type %T", v)
	}
}

// tickerFields flattens a ticker into the generic shape filter code sees.
func tickerFields(t models.Ticker) map[string]interface{} {
	return map[string]interface{}{
		"lastPrice":      t.LastPrice,
		"volume24h":      t.Volume24h,
		"priceChange24h": t.PriceChange24h,
		"high24h":        t.High24h,
		"low24h":         t.Low24h,
	}
}

// candleRows converts candle history to [openTime, open, high, low, close,
// volume] rows, oldest first.
func candleRows(klines map[string][]models.Candle) map[string][][]float64 {
	out := make(map[string][][]float64, len(klines))
	for interval, candles := range klines {
		rows := make([][]float64, len(candles))
		for i, c := range candles {
			rows[i] = []float64{
				float64(c.OpenTime.UnixMilli()),
				c.Open, c.High, c.Low, c.Close, c.Volume,
			}
		}
		out[interval] = rows
	}
	return out
}

// indicatorExports makes the helper set importable from filter source as
// "ScreenPulse/internal/screening/indicators".
var indicatorExports = interp.Exports{
	"ScreenPulse/internal/screening/indicators/indicators": map[string]reflect.Value{
		"Closes":         reflect.ValueOf(indicators.Closes),
		"Opens":          reflect.ValueOf(indicators.Opens),
		"Highs":          reflect.ValueOf(indicators.Highs),
		"Lows":           reflect.ValueOf(indicators.Lows),
		"Volumes":        reflect.ValueOf(indicators.Volumes),
		"SMA":            reflect.ValueOf(indicators.SMA),
		"EMA":            reflect.ValueOf(indicators.EMA),
		"RSI":            reflect.ValueOf(indicators.RSI),
		"HighestHigh":    reflect.ValueOf(indicators.HighestHigh),
		"LowestLow":      reflect.ValueOf(indicators.LowestLow),
		"PriceChangePct": reflect.ValueOf(indicators.PriceChangePct),
	},
}

// DefaultCompiler returns the production CompileFunc backed by Yaegi.
func DefaultCompiler(evalTimeout time.Duration) CompileFunc {
	return func(t *models.Trader) (Evaluator, error) {
		return NewFilterExecutor(t.ID, t.FilterSource, evalTimeout)
	}
}
