package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ScreenPulse/internal/domain/models"
	domrepo "ScreenPulse/internal/domain/repository"
	"ScreenPulse/pkg/cache"
	"ScreenPulse/pkg/logger"
)

// CachedAnalyzer memoises analysis results per (trader, symbol). A trader
// that re-fires on the same symbol inside the TTL gets the prior verdict
// instead of another analyzer round trip. Errors are never cached.
type CachedAnalyzer struct {
	analyzer domrepo.Analyzer
	cache    cache.Service
	ttl      time.Duration
	l        *logger.Logger
}

func NewCachedAnalyzer(analyzer domrepo.Analyzer, c cache.Service, ttl time.Duration, l *logger.Logger) *CachedAnalyzer {
	return &CachedAnalyzer{
		analyzer: analyzer,
		cache:    c,
		ttl:      ttl,
		l:        l.With("analysis_cache"),
	}
}

func analysisKey(traderID, symbol string) string {
	return fmt.Sprintf("analysis:%s:%s", traderID, symbol)
}

func (a *CachedAnalyzer) AnalyzeSignal(ctx context.Context, signalID, traderID, symbol string) (*models.AnalysisResult, error) {
	var cached models.AnalysisResult
	err := a.cache.Get(ctx, analysisKey(traderID, symbol), &cached)
	if err == nil && cached.Decision != "" {
		cached.SignalID = signalID
		return &cached, nil
	}
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		a.l.Debug("analysis cache read failed", logger.Error(err))
	}

	result, err := a.analyzer.AnalyzeSignal(ctx, signalID, traderID, symbol)
	if err != nil {
		return nil, err
	}

	if err := a.cache.Set(ctx, analysisKey(traderID, symbol), result, a.ttl); err != nil {
		a.l.Debug("analysis cache write failed", logger.Error(err))
	}
	return result, nil
}
