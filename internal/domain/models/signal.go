package models

import "time"

// FilterResult is the outcome of one filter evaluation. Filters may return
// a plain boolean or a structured match carrying the conditions that fired;
// both collapse into this closed form.
type FilterResult struct {
	Match      bool     `json:"match"`
	Conditions []string `json:"conditions,omitempty"`
}

// Signal is a newly detected match: a symbol entering a trader's match
// state this cycle. Immutable once created.
type Signal struct {
	ID         string    `json:"id"`
	TraderID   string    `json:"trader_id"`
	OwnerID    string    `json:"owner_id"`
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Conditions []string  `json:"conditions,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TraderResult is one trader's outcome for a cycle: only edge-triggered
// new matches, never symbols that were already matching.
type TraderResult struct {
	TraderID   string
	NewMatches []Match
	Elapsed    time.Duration
	// Faults counts contained per-instrument filter failures (error or
	// timeout, both treated as non-match).
	Faults int
	// Err is set only when the trader could not be evaluated at all,
	// e.g. its filter failed to compile.
	Err error
}

// Match pairs a symbol with the conditions its filter reported.
type Match struct {
	Symbol     string
	Price      float64
	Conditions []string
}

// AnalysisResult is the downstream enrichment outcome for a signal.
type AnalysisResult struct {
	SignalID   string `json:"signal_id"`
	TraderID   string `json:"trader_id"`
	Symbol     string `json:"symbol"`
	Decision   string `json:"decision"`
	Confidence int    `json:"confidence"`
	Reasoning  string `json:"reasoning"`
	TradePlan  string `json:"trade_plan,omitempty"`
}
