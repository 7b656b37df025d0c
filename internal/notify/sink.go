package notify

import (
	"errors"
	"time"

	"ScreenPulse/internal/domain/models"
	"ScreenPulse/internal/domain/repository"
)

// MultiSink fans every broadcast out to all member sinks. Commands come
// from the first member with an inbound path.
type MultiSink struct {
	sinks []repository.NotificationSink
}

func NewMultiSink(sinks ...repository.NotificationSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) BroadcastStatusUpdate(status string, capacity int, uptime time.Duration) {
	for _, s := range m.sinks {
		s.BroadcastStatusUpdate(status, capacity, uptime)
	}
}

func (m *MultiSink) BroadcastMetricsUpdate(sample models.MetricSample) {
	for _, s := range m.sinks {
		s.BroadcastMetricsUpdate(sample)
	}
}

func (m *MultiSink) BroadcastSignalCreated(signal *models.Signal) {
	for _, s := range m.sinks {
		s.BroadcastSignalCreated(signal)
	}
}

func (m *MultiSink) BroadcastAnalysisCompleted(result *models.AnalysisResult) {
	for _, s := range m.sinks {
		s.BroadcastAnalysisCompleted(result)
	}
}

func (m *MultiSink) Commands() <-chan repository.Command {
	for _, s := range m.sinks {
		if ch := s.Commands(); ch != nil {
			return ch
		}
	}
	return nil
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
