package indicators

import (
	"math"
	"testing"
)

func rowsFromCloses(closes ...float64) [][]float64 {
	rows := make([][]float64, len(closes))
	for i, c := range closes {
		rows[i] = []float64{float64(i), c, c + 1, c - 1, c, 100}
	}
	return rows
}

func TestSMA(t *testing.T) {
	rows := rowsFromCloses(1, 2, 3, 4, 5)
	if got := SMA(rows, 3); got != 4 {
		t.Fatalf("SMA(3) = %v, want 4", got)
	}
	if got := SMA(rows, 10); got != 0 {
		t.Fatalf("SMA on short history = %v, want 0", got)
	}
}

func TestEMAConvergesAboveSMAOnUptrend(t *testing.T) {
	rows := rowsFromCloses(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	ema := EMA(rows, 3)
	sma := SMA(rows, len(rows))
	if ema <= sma {
		t.Fatalf("EMA %v should exceed full SMA %v on a steady uptrend", ema, sma)
	}
}

func TestRSI(t *testing.T) {
	up := rowsFromCloses(1, 2, 3, 4, 5, 6)
	if got := RSI(up, 5); got != 100 {
		t.Fatalf("all-gains RSI = %v, want 100", got)
	}

	mixed := rowsFromCloses(10, 11, 10, 11, 10, 11)
	got := RSI(mixed, 5)
	if math.Abs(got-60) > 1 {
		t.Fatalf("mixed RSI = %v, want ~60", got)
	}

	if got := RSI(mixed, 10); got != 0 {
		t.Fatalf("short-history RSI = %v, want 0", got)
	}
}

func TestHighLowWindow(t *testing.T) {
	rows := rowsFromCloses(5, 9, 3, 7)
	if got := HighestHigh(rows, 2); got != 8 {
		t.Fatalf("HighestHigh(2) = %v, want 8", got)
	}
	if got := LowestLow(rows, 2); got != 2 {
		t.Fatalf("LowestLow(2) = %v, want 2", got)
	}
	// window longer than history clamps
	if got := HighestHigh(rows, 10); got != 10 {
		t.Fatalf("HighestHigh(10) = %v, want 10", got)
	}
}

func TestPriceChangePct(t *testing.T) {
	rows := rowsFromCloses(100, 105, 110)
	got := PriceChangePct(rows, 2)
	if math.Abs(got-10) > 1e-9 {
		t.Fatalf("PriceChangePct(2) = %v, want 10", got)
	}
	if got := PriceChangePct(rows, 5); got != 0 {
		t.Fatalf("short-history change = %v, want 0", got)
	}
}

func TestColumnSkipsShortRows(t *testing.T) {
	rows := [][]float64{{1, 2, 3, 4, 5, 6}, {1, 2}}
	if got := Closes(rows); len(got) != 1 || got[0] != 5 {
		t.Fatalf("Closes = %v, want [5]", got)
	}
}
