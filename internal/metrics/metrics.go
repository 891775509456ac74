package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/healloop/internal/models"
)

const (
	// OutcomeCompleted labels ticks that were persisted.
	OutcomeCompleted = "completed"
	// OutcomeSkipped labels ticks dropped by the panic barrier or a store failure.
	OutcomeSkipped = "skipped"
	// OutcomeInterrupted labels ticks cut short by cancellation.
	OutcomeInterrupted = "interrupted"

	probeOK   = "ok"
	probeFail = "fail"
)

var (
	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healloop",
			Name:      "ticks_total",
			Help:      "Total number of loop ticks, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	tickDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "healloop",
			Name:      "tick_seconds",
			Help:      "Wall time of a full detect-classify-repair-persist tick.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healloop",
			Name:      "probes_total",
			Help:      "Probe executions per target, partitioned by outcome.",
		},
		[]string{"target", "outcome"},
	)

	probeDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "healloop",
			Name:      "probe_seconds",
			Help:      "Probe latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"target"},
	)

	repairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healloop",
			Name:      "repairs_total",
			Help:      "Repair attempts, partitioned by category and result.",
		},
		[]string{"category", "result"},
	)

	records = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "healloop",
			Name:      "records",
			Help:      "Tracked error records by status after the last persisted tick.",
		},
		[]string{"status"},
	)
)

// Register attaches healloop collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ticksTotal,
		tickDurationSeconds,
		probesTotal,
		probeDurationSeconds,
		repairsTotal,
		records,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveTick records a tick duration and outcome label.
func ObserveTick(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeCompleted, OutcomeSkipped, OutcomeInterrupted:
	default:
		outcome = OutcomeSkipped
	}
	ticksTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	tickDurationSeconds.Observe(duration.Seconds())
}

// ObserveProbe records one probe execution.
func ObserveProbe(target string, success bool, latency time.Duration) {
	label := probeFail
	if success {
		label = probeOK
	}
	probesTotal.WithLabelValues(target, label).Inc()
	if latency < 0 {
		latency = 0
	}
	probeDurationSeconds.WithLabelValues(target).Observe(latency.Seconds())
}

// ObserveRepair records one repair attempt outcome.
func ObserveRepair(category models.Category, result models.AttemptResult) {
	repairsTotal.WithLabelValues(string(category), string(result)).Inc()
}

// SetRecordCounts publishes the per-status record gauge. Statuses absent from counts read zero.
func SetRecordCounts(counts map[models.RecordStatus]int) {
	for _, st := range []models.RecordStatus{
		models.StatusOpen, models.StatusRepairing, models.StatusCoolingDown,
		models.StatusFixed, models.StatusEscalated,
	} {
		records.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
