package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain repository.Metrics using Prometheus.
type Recorder struct {
	cycleDuration  prometheus.Histogram
	signalsTotal   *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	flushRecords   prometheus.Counter
	flushDuration  prometheus.Histogram
	queueDepth     *prometheus.GaugeVec
	workersTotal   prometheus.Gauge
	workersBusy    prometheus.Gauge
}

// New creates a Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		cycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "screenpulse_cycle_duration_seconds",
			Help:    "Duration of screening cycles in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		signalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "screenpulse_signals_total",
			Help: "Total signals emitted",
		}, []string{"trader_id"}),
		errorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "screenpulse_errors_total",
			Help: "Total errors by kind",
		}, []string{"kind"}),
		flushRecords: promauto.NewCounter(prometheus.CounterOpts{
			Name: "screenpulse_sync_flushed_records_total",
			Help: "Total records flushed to the store",
		}),
		flushDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "screenpulse_sync_flush_duration_seconds",
			Help:    "Duration of sync buffer flushes in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "screenpulse_queue_depth",
			Help: "Depth of internal queues",
		}, []string{"queue"}),
		workersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "screenpulse_workers_total",
			Help: "Screening pool size",
		}),
		workersBusy: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "screenpulse_workers_busy",
			Help: "Screening workers currently evaluating",
		}),
	}
}

func (r *Recorder) RecordCycle(seconds float64) {
	r.cycleDuration.Observe(seconds)
}

func (r *Recorder) RecordSignal(traderID string) {
	r.signalsTotal.WithLabelValues(traderID).Inc()
}

func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordFlush(records int, seconds float64) {
	r.flushRecords.Add(float64(records))
	r.flushDuration.Observe(seconds)
}

func (r *Recorder) SetQueueDepth(queue string, depth int) {
	r.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (r *Recorder) SetWorkers(total, busy int) {
	r.workersTotal.Set(float64(total))
	r.workersBusy.Set(float64(busy))
}

// Nop is a no-op recorder for tests.
type Nop struct{}

func (Nop) RecordCycle(float64)        {}
func (Nop) RecordSignal(string)        {}
func (Nop) RecordError(string)         {}
func (Nop) RecordFlush(int, float64)   {}
func (Nop) SetQueueDepth(string, int)  {}
func (Nop) SetWorkers(int, int)        {}
