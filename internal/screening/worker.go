package screening

import (
	"sync/atomic"
	"time"

	"ScreenPulse/internal/domain/models"
	"ScreenPulse/pkg/logger"
)

// job is one worker's share of a screening cycle. Results are always
// delivered on the results channel, even for empty trader chunks.
type job struct {
	traders  []models.Trader
	snapshot *models.MarketSnapshot
	results  chan<- []models.TraderResult
}

// worker screens its assigned traders sequentially. It owns the match
// state and compiled filters for every trader it has seen; neither is
// shared, so no locking happens on the screening path.
type worker struct {
	id   int
	jobs chan job
	quit chan struct{}
	done chan struct{}

	compile     CompileFunc
	evalTimeout time.Duration
	log         *logger.Logger
	busy        *atomic.Int32

	// executors caches compiled filters by trader id. sources remembers the
	// compiled text so an edited filter is recompiled on the next cycle.
	executors map[string]Evaluator
	sources   map[string]string

	// matchState holds the symbols each trader matched in its previous
	// evaluation. A signal fires only on a not-matching to matching edge.
	matchState map[string]map[string]struct{}
}

func newWorker(id int, compile CompileFunc, evalTimeout time.Duration, busy *atomic.Int32, log *logger.Logger) *worker {
	return &worker{
		id:          id,
		jobs:        make(chan job, 1),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		compile:     compile,
		evalTimeout: evalTimeout,
		log:         log,
		busy:        busy,
		executors:   make(map[string]Evaluator),
		sources:     make(map[string]string),
		matchState:  make(map[string]map[string]struct{}),
	}
}

// run drains jobs until quit. A worker retired mid-job finishes and reports
// that job before exiting, so a shrink never loses in-flight results.
func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case j := <-w.jobs:
			w.process(j)
		case <-w.quit:
			select {
			case j := <-w.jobs:
				w.process(j)
			default:
			}
			return
		}
	}
}

func (w *worker) process(j job) {
	w.busy.Add(1)
	defer w.busy.Add(-1)

	out := make([]models.TraderResult, 0, len(j.traders))
	for i := range j.traders {
		out = append(out, w.screen(&j.traders[i], j.snapshot))
	}
	j.results <- out
	w.pruneTo(j.traders)
}

// pruneTo drops state for traders outside the current assignment. A resize
// repartitions contiguously, so a trader that moves away and later returns
// must start unknown here; keeping its old match set would swallow the
// not-matching to matching edge that happened while it lived elsewhere.
func (w *worker) pruneTo(traders []models.Trader) {
	assigned := make(map[string]struct{}, len(traders))
	for i := range traders {
		assigned[traders[i].ID] = struct{}{}
	}
	for id := range w.matchState {
		if _, ok := assigned[id]; !ok {
			delete(w.matchState, id)
		}
	}
	for id := range w.executors {
		if _, ok := assigned[id]; !ok {
			delete(w.executors, id)
			delete(w.sources, id)
		}
	}
}

// screen evaluates one trader against every symbol in the snapshot and
// diffs the outcome against the trader's previous match set. Per-symbol
// evaluation faults count as non-matches and never abort the trader.
func (w *worker) screen(t *models.Trader, snap *models.MarketSnapshot) models.TraderResult {
	start := time.Now()
	res := models.TraderResult{TraderID: t.ID}

	ev, err := w.executor(t)
	if err != nil {
		w.log.Warn("filter compile failed",
			logger.String("trader_id", t.ID),
			logger.Error(err))
		res.Err = err
		res.Elapsed = time.Since(start)
		return res
	}

	intervals := t.Timeframes()
	prev := w.matchState[t.ID]
	current := make(map[string]struct{})

	for _, sym := range snap.Symbols {
		ticker, ok := snap.Tickers[sym]
		if !ok || !snap.HasHistory(sym, intervals) {
			continue
		}
		fr, err := ev.Evaluate(sym, ticker, snap.Klines[sym])
		if err != nil {
			res.Faults++
			w.log.Debug("filter evaluation fault",
				logger.String("trader_id", t.ID),
				logger.String("symbol", sym),
				logger.Error(err))
			continue
		}
		if !fr.Match {
			continue
		}
		current[sym] = struct{}{}
		if _, wasMatching := prev[sym]; !wasMatching {
			res.NewMatches = append(res.NewMatches, models.Match{
				Symbol:     sym,
				Price:      ticker.LastPrice,
				Conditions: fr.Conditions,
			})
		}
	}

	w.matchState[t.ID] = current
	res.Elapsed = time.Since(start)
	return res
}

// executor returns the cached evaluator for a trader, recompiling when the
// filter source changed since the last cycle.
func (w *worker) executor(t *models.Trader) (Evaluator, error) {
	if ev, ok := w.executors[t.ID]; ok && w.sources[t.ID] == t.FilterSource {
		return ev, nil
	}
	ev, err := w.compile(t)
	if err != nil {
		delete(w.executors, t.ID)
		delete(w.sources, t.ID)
		return nil, err
	}
	w.executors[t.ID] = ev
	w.sources[t.ID] = t.FilterSource
	// New or changed filter starts with a clean slate; its first matches
	// report as fresh signals.
	delete(w.matchState, t.ID)
	return ev, nil
}
