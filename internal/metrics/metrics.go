package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"

	NotificationSent    = "sent"
	NotificationDropped = "dropped"
)

var (
	packetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threatwatch",
			Name:      "packets_total",
			Help:      "Packets classified, partitioned by capture interface.",
		},
		[]string{"interface"},
	)

	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threatwatch",
			Name:      "predictions_total",
			Help:      "Classifier predictions, partitioned by label.",
		},
		[]string{"label"},
	)

	threatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threatwatch",
			Name:      "threats_total",
			Help:      "Threats recorded, partitioned by severity.",
		},
		[]string{"severity"},
	)

	alertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "threatwatch",
			Name:      "alerts_total",
			Help:      "Alerts raised for Critical and High threats.",
		},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threatwatch",
			Name:      "notifications_total",
			Help:      "Notification jobs finished, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	trainingRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threatwatch",
			Name:      "training_runs_total",
			Help:      "Training runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	trainingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "threatwatch",
			Name:      "training_seconds",
			Help:      "Training run latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	modelVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "threatwatch",
			Name:      "model_version",
			Help:      "Version of the active classifier model, 0 when untrained.",
		},
	)

	feedbackSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threatwatch",
			Name:      "feedback_samples_total",
			Help:      "Training samples appended from live detections, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches threatwatch collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		packetsTotal,
		predictionsTotal,
		threatsTotal,
		alertsTotal,
		notificationsTotal,
		trainingRunsTotal,
		trainingDurationSeconds,
		modelVersion,
		feedbackSamplesTotal,
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

func ObservePrediction(iface, label string) {
	if iface == "" {
		iface = "unknown"
	}
	packetsTotal.WithLabelValues(iface).Inc()
	predictionsTotal.WithLabelValues(label).Inc()
}

func ObserveThreat(severity string) {
	threatsTotal.WithLabelValues(severity).Inc()
}

func ObserveAlert() {
	alertsTotal.Inc()
}

func ObserveNotification(outcome string) {
	if outcome != NotificationDropped {
		outcome = NotificationSent
	}
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTraining records a training run; version is only applied on success.
func ObserveTraining(duration time.Duration, outcome string, version int) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
		modelVersion.Set(float64(version))
	}
	trainingRunsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	trainingDurationSeconds.Observe(duration.Seconds())
}

func SetModelVersion(version int) {
	modelVersion.Set(float64(version))
}

func ObserveFeedback(outcome string) {
	if outcome != OutcomeError {
		outcome = OutcomeSuccess
	}
	feedbackSamplesTotal.WithLabelValues(outcome).Inc()
}
