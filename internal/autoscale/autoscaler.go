package autoscale

import (
	"sync"
	"time"

	"ScreenPulse/internal/domain/models"
	"ScreenPulse/pkg/config"
	"ScreenPulse/pkg/logger"
)

// Resizer is the part of the screening pool the autoscaler drives.
type Resizer interface {
	Resize(target int) (int, error)
	Stats() models.PoolStats
}

// Autoscaler turns per-cycle load samples into pool resize decisions.
// Hysteresis comes from two mechanisms: separate high and low thresholds
// for every input, and a cooldown window after each applied change. A
// failed resize surfaces as an unapplied decision so the orchestrator can
// record it; the next sample decides fresh.
type Autoscaler struct {
	cfg  config.ScalingConfig
	pool Resizer
	log  *logger.Logger

	mu         sync.Mutex
	lastScaled time.Time
	last       *models.ScalingDecision

	now func() time.Time
}

func New(cfg config.ScalingConfig, pool Resizer, log *logger.Logger) *Autoscaler {
	return &Autoscaler{
		cfg:  cfg,
		pool: pool,
		log:  log.With("autoscaler"),
		now:  time.Now,
	}
}

// Observe evaluates one sample and applies the resulting resize, if any.
// It returns the attempted decision, or nil when the sample called for no
// change or the cooldown window suppressed one. A failed resize yields an
// unapplied decision and does not start a cooldown; the next sample
// decides fresh.
func (a *Autoscaler) Observe(sample models.MetricSample) *models.ScalingDecision {
	target, reason := a.Evaluate(sample)
	if target == sample.TotalWorkers {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if !a.lastScaled.IsZero() && now.Sub(a.lastScaled) < a.cfg.Cooldown {
		a.log.Debug("scaling suppressed by cooldown",
			logger.Int("target", target),
			logger.String("reason", reason))
		return nil
	}

	decision := &models.ScalingDecision{
		TargetWorkers: target,
		Reason:        reason,
		Sample:        sample,
		DecidedAt:     now,
	}

	applied, err := a.pool.Resize(target)
	if err != nil {
		decision.Error = err.Error()
		a.last = decision
		a.log.Warn("resize failed",
			logger.Int("target", target),
			logger.Error(err))
		return decision
	}

	a.lastScaled = now
	decision.TargetWorkers = applied
	decision.Applied = true
	a.last = decision
	a.log.Info("pool scaled",
		logger.Int("from", sample.TotalWorkers),
		logger.Int("to", applied),
		logger.String("reason", reason))
	return decision
}

// Evaluate is the pure decision function: given a sample it returns the
// worker count the pool should have and why. Upward pressure wins over
// downward pressure; the step size is bounded by MaxStep and the result
// clamped to [MinWorkers, MaxWorkers].
func (a *Autoscaler) Evaluate(sample models.MetricSample) (int, string) {
	current := sample.TotalWorkers

	if reason, ok := a.upPressure(sample); ok {
		return a.clamp(current + a.cfg.MaxStep), reason
	}
	if a.downPressure(sample) {
		return a.clamp(current - 1), "idle"
	}
	return current, "steady"
}

func (a *Autoscaler) upPressure(s models.MetricSample) (string, bool) {
	switch {
	case s.AnalysisQueueDepth >= a.cfg.QueueHighWater:
		return "analysis_backlog", true
	case s.BusyRatio() >= a.cfg.BusyHighRatio:
		return "workers_saturated", true
	case s.CPUPercent >= a.cfg.CPUHighPercent:
		return "cpu_pressure", true
	case s.MemoryPercent >= a.cfg.MemoryHighPercent:
		return "memory_pressure", true
	}
	return "", false
}

func (a *Autoscaler) downPressure(s models.MetricSample) bool {
	return s.AnalysisQueueDepth <= a.cfg.QueueLowWater &&
		s.BusyRatio() <= a.cfg.BusyLowRatio &&
		s.CPUPercent < a.cfg.CPUHighPercent &&
		s.MemoryPercent < a.cfg.MemoryHighPercent
}

func (a *Autoscaler) clamp(target int) int {
	if target < a.cfg.MinWorkers {
		return a.cfg.MinWorkers
	}
	if target > a.cfg.MaxWorkers {
		return a.cfg.MaxWorkers
	}
	return target
}

// LastDecision returns the most recently attempted decision, nil before
// the first one.
func (a *Autoscaler) LastDecision() *models.ScalingDecision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
