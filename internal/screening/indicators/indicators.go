// Package indicators holds the helper functions exported into the filter
// interpreter. Filters receive kline history as rows of
// [openTime, open, high, low, close, volume], oldest first.
package indicators

// Closes extracts the close column.
func Closes(rows [][]float64) []float64 {
	return column(rows, 4)
}

// Opens extracts the open column.
func Opens(rows [][]float64) []float64 {
	return column(rows, 1)
}

// Highs extracts the high column.
func Highs(rows [][]float64) []float64 {
	return column(rows, 2)
}

// Lows extracts the low column.
func Lows(rows [][]float64) []float64 {
	return column(rows, 3)
}

// Volumes extracts the volume column.
func Volumes(rows [][]float64) []float64 {
	return column(rows, 5)
}

func column(rows [][]float64, idx int) []float64 {
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		if len(r) <= idx {
			continue
		}
		out = append(out, r[idx])
	}
	return out
}

// SMA returns the simple moving average of the last period closes, or 0
// when history is too short.
func SMA(rows [][]float64, period int) float64 {
	closes := Closes(rows)
	if period <= 0 || len(closes) < period {
		return 0
	}
	sum := 0.0
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average over the full history,
// seeded with the SMA of the first period closes.
func EMA(rows [][]float64, period int) float64 {
	closes := Closes(rows)
	if period <= 0 || len(closes) < period {
		return 0
	}
	mult := 2.0 / float64(period+1)
	ema := 0.0
	for i := 0; i < period; i++ {
		ema += closes[i]
	}
	ema /= float64(period)
	for i := period; i < len(closes); i++ {
		ema = (closes[i]-ema)*mult + ema
	}
	return ema
}

// RSI returns Wilder's relative strength index over the last period, or
// 0 when history is too short.
func RSI(rows [][]float64, period int) float64 {
	closes := Closes(rows)
	if period <= 0 || len(closes) < period+1 {
		return 0
	}
	gains, losses := 0.0, 0.0
	start := len(closes) - period - 1
	for i := start + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	if losses == 0 {
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}

// HighestHigh returns the highest high of the last period rows.
func HighestHigh(rows [][]float64, period int) float64 {
	highs := Highs(rows)
	if period <= 0 || len(highs) == 0 {
		return 0
	}
	if period > len(highs) {
		period = len(highs)
	}
	max := highs[len(highs)-period]
	for _, h := range highs[len(highs)-period:] {
		if h > max {
			max = h
		}
	}
	return max
}

// LowestLow returns the lowest low of the last period rows.
func LowestLow(rows [][]float64, period int) float64 {
	lows := Lows(rows)
	if period <= 0 || len(lows) == 0 {
		return 0
	}
	if period > len(lows) {
		period = len(lows)
	}
	min := lows[len(lows)-period]
	for _, l := range lows[len(lows)-period:] {
		if l < min {
			min = l
		}
	}
	return min
}

// PriceChangePct returns the percent change between the first and last
// close of the window.
func PriceChangePct(rows [][]float64, period int) float64 {
	closes := Closes(rows)
	if period <= 0 || len(closes) < period+1 {
		return 0
	}
	first := closes[len(closes)-period-1]
	last := closes[len(closes)-1]
	if first == 0 {
		return 0
	}
	return (last - first) / first * 100
}
